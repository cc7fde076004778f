package main

import (
	"bufio"
	"context"
	"net"
	"time"

	"p2pmesh/internal/protocol"
	"p2pmesh/internal/resilience"
)

// wireCaller performs request/response turns against remote servers using
// the same newline-delimited envelope framing internal/protocol.Server
// speaks, with outbound connections bounded by a resilience.ConnPool. The
// servers close each connection after one turn, so a pooled connection
// handed back by Release is evicted by the pool's idle validation on the
// next Acquire rather than reused; the pool's job here is capping
// concurrent outbound connections.
type wireCaller struct {
	pool *resilience.ConnPool
}

func newWireCaller(maxConns int, idleTTL time.Duration) *wireCaller {
	dialer := net.Dialer{}
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return &wireCaller{pool: resilience.NewConnPool(dial, maxConns, idleTTL)}
}

func (w *wireCaller) Close() { w.pool.Close() }

// call performs one request/response turn against addr.
func (w *wireCaller) call(ctx context.Context, addr, senderID, receiverID string, typ protocol.Type, payload, out any) error {
	conn, err := w.pool.Acquire(ctx, addr)
	if err != nil {
		return protocol.NewError(protocol.CodeConnectionFailed, err.Error())
	}
	defer w.pool.Release(conn)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = conn.SetDeadline(deadline)

	req, err := protocol.NewEnvelope(senderID, receiverID, typ, payload)
	if err != nil {
		return err
	}
	b, err := req.Marshal()
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		return protocol.NewError(protocol.CodeNetworkError, err.Error())
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return protocol.NewError(protocol.CodeNetworkError, err.Error())
	}
	resp, err := protocol.Unmarshal(line)
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		var ep protocol.ErrorPayload
		if decErr := resp.Decode(&ep); decErr == nil {
			return protocol.NewError(ep.Code, ep.Message)
		}
		return protocol.NewError(protocol.CodeInternalError, "unreadable error response")
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// trackerClient is the wire-level internal/peer.TrackerClient implementation,
// used whenever a Peer needs to reach a Tracker over the network rather
// than sharing one in-process.
type trackerClient struct {
	caller   *wireCaller
	addr     string
	senderID string
}

func (c *trackerClient) Register(ctx context.Context, peerID, host string, port int) error {
	var resp protocol.RegisterResponse
	return c.caller.call(ctx, c.addr, c.senderID, "tracker", protocol.TypeRegisterRequest,
		protocol.RegisterRequest{PeerID: peerID, Host: host, Port: port}, &resp)
}

func (c *trackerClient) Deregister(ctx context.Context, peerID string) error {
	var resp protocol.DeregisterResponse
	return c.caller.call(ctx, c.addr, c.senderID, "tracker", protocol.TypeDeregisterRequest,
		protocol.DeregisterRequest{PeerID: peerID}, &resp)
}

func (c *trackerClient) Heartbeat(ctx context.Context, peerID string) error {
	return c.caller.call(ctx, c.addr, c.senderID, "tracker", protocol.TypeHeartbeat,
		protocol.Heartbeat{PeerID: peerID}, nil)
}

// indexClient is the wire-level internal/peer.IndexClient implementation.
type indexClient struct {
	caller   *wireCaller
	addr     string
	senderID string
}

func (c *indexClient) RegisterFile(ctx context.Context, fileName, peerID, host string, port int, size int64, checksum string) error {
	var resp protocol.RegisterFileResponse
	return c.caller.call(ctx, c.addr, c.senderID, "indexserver", protocol.TypeRegisterFileRequest,
		protocol.RegisterFileRequest{FileName: fileName, PeerID: peerID, Host: host, Port: port, Size: size, Checksum: checksum}, &resp)
}

func (c *indexClient) UnregisterFile(ctx context.Context, fileName, peerID string) error {
	var resp protocol.UnregisterFileResponse
	return c.caller.call(ctx, c.addr, c.senderID, "indexserver", protocol.TypeUnregisterFileRequest,
		protocol.UnregisterFileRequest{FileName: fileName, PeerID: peerID}, &resp)
}
