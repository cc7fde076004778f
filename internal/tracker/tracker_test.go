package tracker

import (
	"context"
	"testing"
	"time"

	"p2pmesh/internal/protocol"
	"p2pmesh/internal/registry"
)

func newTestTracker(t *testing.T) (*Tracker, *registry.InProcess) {
	t.Helper()
	reg := registry.NewInProcess()
	tr := New(Config{ServiceID: "t1", Host: "127.0.0.1", Port: 6000}, reg, nil)
	return tr, reg
}

// TestRegisterThenDiscover is the literal spec.md §8 scenario 2.
func TestRegisterThenDiscover(t *testing.T) {
	tr, _ := newTestTracker(t)
	d := protocol.NewDispatcher("tracker")
	tr.RegisterHandlers(d)

	req, err := protocol.NewEnvelope("p1", "tracker", protocol.TypeRegisterRequest,
		protocol.RegisterRequest{PeerID: "p1", Host: "h", Port: 8080})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	mctx := protocol.NewMessageContext("c1", nil, "tcp")
	resp, err := d.Dispatch(context.Background(), mctx, req)
	if err != nil {
		t.Fatalf("Dispatch register: %v", err)
	}
	var regResp protocol.RegisterResponse
	if err := resp.Decode(&regResp); err != nil || !regResp.Success {
		t.Fatalf("expected success=true, got %+v err=%v", regResp, err)
	}

	discoverReq, _ := protocol.NewEnvelope("p2", "tracker", protocol.TypeDiscoverRequest, protocol.DiscoverRequest{})
	discoverResp, err := d.Dispatch(context.Background(), mctx, discoverReq)
	if err != nil {
		t.Fatalf("Dispatch discover: %v", err)
	}
	var list protocol.DiscoverResponse
	if err := discoverResp.Decode(&list); err != nil {
		t.Fatalf("decode discover response: %v", err)
	}
	found := false
	for _, p := range list.Peers {
		if p.PeerID == "p1" && p.Host == "h" && p.Port == 8080 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected discover to include p1, got %+v", list.Peers)
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Register("p1", "h", 1)
	tr.Deregister("p1")
	tr.Deregister("p1")
	if tr.IsAlive("p1") {
		t.Fatalf("expected p1 to be gone after deregister")
	}
}

func TestIsAliveReflectsTimeout(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.cfg.PeerTimeout = 10 * time.Millisecond
	tr.Register("p1", "h", 1)
	if !tr.IsAlive("p1") {
		t.Fatalf("expected freshly-registered peer to be alive")
	}
	time.Sleep(20 * time.Millisecond)
	if tr.IsAlive("p1") {
		t.Fatalf("expected peer to be dead after timeout elapses")
	}
}

func TestHeartbeatIgnoresStaleRefresh(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Register("p1", "h", 1)
	fresh := tr.peers["p1"].LastSeen
	stale := fresh.Add(-time.Hour)
	tr.Heartbeat("p1", stale)
	if tr.peers["p1"].LastSeen != fresh {
		t.Fatalf("expected stale heartbeat to be ignored")
	}
	newer := fresh.Add(time.Hour)
	tr.Heartbeat("p1", newer)
	if tr.peers["p1"].LastSeen != newer {
		t.Fatalf("expected newer heartbeat to update lastSeen")
	}
}

func TestSweepEvictsStalePeers(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.cfg.PeerTimeout = 5 * time.Millisecond
	tr.Register("p1", "h", 1)
	time.Sleep(10 * time.Millisecond)
	tr.sweep()
	if _, ok := tr.peers["p1"]; ok {
		t.Fatalf("expected stale peer to be evicted by sweep")
	}
}

func TestStartAnnouncesIntoRegistry(t *testing.T) {
	tr, reg := newTestTracker(t)
	tr.cfg.CleanupInterval = time.Hour
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop(context.Background())

	instances, err := reg.DiscoverServices(context.Background(), "tracker")
	if err != nil {
		t.Fatalf("DiscoverServices: %v", err)
	}
	if len(instances) != 1 || instances[0].ServiceID != "t1" {
		t.Fatalf("expected tracker to self-register, got %+v", instances)
	}
}

func TestStopDeregistersFromRegistry(t *testing.T) {
	tr, reg := newTestTracker(t)
	tr.cfg.CleanupInterval = time.Hour
	_ = tr.Start(context.Background())
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := reg.GetService(context.Background(), "tracker", "t1"); err != registry.ErrNotFound {
		t.Fatalf("expected tracker to be deregistered, got %v", err)
	}
}
