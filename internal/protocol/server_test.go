package protocol

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

func TestServerDispatchesRoundTrip(t *testing.T) {
	d := NewDispatcher("echo-server")
	d.Register(TypePing, 0, func(ctx context.Context, mctx *MessageContext, req *Envelope) (*Envelope, error) {
		return req.Reply(TypePong, Pong{})
	})

	srv := NewServer("test", ServerConfig{Host: "127.0.0.1", Port: 0}, d, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background(), time.Second)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, err := NewEnvelope("client", "echo-server", TypePing, Ping{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	resp, err := Unmarshal(line)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Type != TypePong {
		t.Fatalf("expected TypePong, got %v", resp.Type)
	}
}

func TestServerUnknownTypeReturnsError(t *testing.T) {
	d := NewDispatcher("echo-server")

	srv := NewServer("test", ServerConfig{Host: "127.0.0.1", Port: 0}, d, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background(), time.Second)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req, err := NewEnvelope("client", "echo-server", TypePing, Ping{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, _ := req.Marshal()
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	resp, err := Unmarshal(line)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Type != TypeError {
		t.Fatalf("expected TypeError for unregistered handler, got %v", resp.Type)
	}
}
