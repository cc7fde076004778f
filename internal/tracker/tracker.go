// Package tracker implements the peer registry server from spec.md §4.7:
// registration, discovery, liveness sweep, and self-announcement into the
// service registry. Grounded on the teacher's core/bootstrap_node.go
// mutex-guarded map style and wired to internal/protocol's dispatcher for
// its control endpoint.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2pmesh/internal/protocol"
	"p2pmesh/internal/registry"
)

// PeerInfo is one tracked peer's liveness record, per spec.md §3.
type PeerInfo struct {
	PeerID   string
	Host     string
	Port     int
	LastSeen time.Time
}

// Config parameterizes the Tracker's liveness sweep and self-registration.
type Config struct {
	ServiceID       string
	Host            string
	Port            int
	PeerTimeout     time.Duration // default 90s
	CleanupInterval time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 90 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.ServiceID == "" {
		c.ServiceID = "tracker-1"
	}
	return c
}

// Tracker holds the live peer set and exposes the dispatcher-routed
// control operations of spec.md §4.7.
type Tracker struct {
	cfg Config
	log *logrus.Logger
	reg registry.Registry

	mu    sync.RWMutex
	peers map[string]PeerInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Tracker. log and reg may be nil for standalone use.
func New(cfg Config, reg registry.Registry, log *logrus.Logger) *Tracker {
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{cfg: cfg.withDefaults(), log: log, reg: reg, peers: make(map[string]PeerInfo)}
}

// Register adds or refreshes a peer, stamping lastSeen=now, per
// spec.md §4.7.
func (t *Tracker) Register(peerID, host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = PeerInfo{PeerID: peerID, Host: host, Port: port, LastSeen: time.Now()}
}

// Deregister removes a peer; it is idempotent.
func (t *Tracker) Deregister(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// Discover returns every currently-live peer.
func (t *Tracker) Discover() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		if time.Since(p.LastSeen) > t.cfg.PeerTimeout {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IsAlive reports whether peerID was seen within PeerTimeout.
func (t *Tracker) IsAlive(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[peerID]
	if !ok {
		return false
	}
	return time.Since(p.LastSeen) <= t.cfg.PeerTimeout
}

// Heartbeat refreshes a peer's lastSeen, ignoring a refresh that is
// monotonically older than the currently stored value, per spec.md §5.
func (t *Tracker) Heartbeat(peerID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[peerID]
	if !ok {
		return
	}
	if at.Before(p.LastSeen) {
		return
	}
	p.LastSeen = at
	t.peers[peerID] = p
}

// Start announces the Tracker into the registry and begins the
// background liveness sweep.
func (t *Tracker) Start(ctx context.Context) error {
	if t.reg != nil {
		if err := t.reg.RegisterService(ctx, "tracker", t.cfg.ServiceID, t.cfg.Host, t.cfg.Port, nil); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.sweepLoop(runCtx)
	return nil
}

// Stop deregisters from the registry and halts the liveness sweep.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	if t.reg != nil {
		return t.reg.DeregisterService(ctx, "tracker", t.cfg.ServiceID)
	}
	return nil
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > t.cfg.PeerTimeout {
			delete(t.peers, id)
			t.log.WithField("peerId", id).Info("tracker: evicted stale peer")
		}
	}
}

// RegisterHandlers wires the Tracker's operations onto a protocol
// Dispatcher, per spec.md §4.3/§4.7.
func (t *Tracker) RegisterHandlers(d *protocol.Dispatcher) {
	d.Register(protocol.TypeRegisterRequest, 0, t.handleRegister)
	d.Register(protocol.TypeDeregisterRequest, 0, t.handleDeregister)
	d.Register(protocol.TypeDiscoverRequest, 0, t.handleDiscover)
	d.Register(protocol.TypeIsAliveRequest, 0, t.handleIsAlive)
	d.Register(protocol.TypeHeartbeat, 0, t.handleHeartbeat)
}

func (t *Tracker) handleRegister(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.RegisterRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	if err := payload.IsValid(); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParameters, err.Error())
	}
	t.Register(payload.PeerID, payload.Host, payload.Port)
	return req.Reply(protocol.TypeRegisterResponse, protocol.RegisterResponse{Success: true})
}

func (t *Tracker) handleDeregister(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.DeregisterRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	t.Deregister(payload.PeerID)
	return req.Reply(protocol.TypeDeregisterResponse, protocol.DeregisterResponse{Success: true})
}

func (t *Tracker) handleDiscover(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	peers := t.Discover()
	out := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, protocol.PeerInfo{PeerID: p.PeerID, Host: p.Host, Port: p.Port})
	}
	return req.Reply(protocol.TypeDiscoverResponse, protocol.DiscoverResponse{Peers: out})
}

func (t *Tracker) handleIsAlive(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.IsAliveRequest
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	return req.Reply(protocol.TypeIsAliveResponse, protocol.IsAliveResponse{Alive: t.IsAlive(payload.PeerID)})
}

func (t *Tracker) handleHeartbeat(ctx context.Context, mctx *protocol.MessageContext, req *protocol.Envelope) (*protocol.Envelope, error) {
	var payload protocol.Heartbeat
	if err := req.Decode(&payload); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	t.Heartbeat(payload.PeerID, time.Now())
	// Heartbeats are acknowledged so a wire client can tell delivery from a
	// dropped connection; the ack doubles as a liveness answer.
	return req.Reply(protocol.TypeIsAliveResponse, protocol.IsAliveResponse{Alive: t.IsAlive(payload.PeerID)})
}
