// Package peer implements the file-sharing endpoint from spec.md §4.9:
// registration/heartbeat with the Tracker, a bounded accept loop serving
// file transfers, and a retry-and-checksum-guarded download client.
// Grounded on the teacher's core/bootstrap_node.go accept-loop-plus-
// worker-pool pattern (`go b.ListenAndServe()` handed off to a fixed
// pool) and core/connection_pool.go's client-side resilience wrapping.
package peer

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"p2pmesh/internal/registry"
	"p2pmesh/internal/resilience"
)

// SharedFile describes one file this peer offers for download.
type SharedFile struct {
	Path     string
	Size     int64
	Checksum string // lazily computed and cached on first transfer
}

// Config parameterizes one Peer instance.
type Config struct {
	PeerID            string
	Host              string
	Port              int
	DownloadDir       string
	HeartbeatInterval time.Duration // default 30s
	SocketTimeout     time.Duration // default 30s
	AcceptWorkers     int           // default 8
	AcceptQueueDepth  int           // default 64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 30 * time.Second
	}
	if c.AcceptWorkers <= 0 {
		c.AcceptWorkers = 8
	}
	if c.AcceptQueueDepth <= 0 {
		c.AcceptQueueDepth = 64
	}
	return c
}

// TrackerClient is the subset of tracker operations a Peer needs. It is
// satisfied by a local *tracker.Tracker wrapper or a remote protocol
// client; kept as an interface here to avoid internal/peer depending on
// internal/tracker's server-side implementation.
type TrackerClient interface {
	Register(ctx context.Context, peerID, host string, port int) error
	Deregister(ctx context.Context, peerID string) error
	Heartbeat(ctx context.Context, peerID string) error
}

// IndexClient is the subset of index server operations a Peer needs for
// publishing and withdrawing shared files.
type IndexClient interface {
	RegisterFile(ctx context.Context, fileName, peerID, host string, port int, size int64, checksum string) error
	UnregisterFile(ctx context.Context, fileName, peerID string) error
}

// Peer is one file-sharing node: it registers with the Tracker, serves
// file transfers to other peers, and downloads files from them.
type Peer struct {
	cfg     Config
	log     *logrus.Logger
	reg     registry.Registry
	tracker TrackerClient
	index   IndexClient

	strategies       *resilience.StrategyRegistry
	downloadRecovery *resilience.Recovery
	pool             *resilience.Pool

	mu     sync.RWMutex
	shared map[string]SharedFile

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Peer. tracker and index may be nil for a
// transfer-only/offline instance (useful in tests).
func New(cfg Config, reg registry.Registry, tracker TrackerClient, index IndexClient, log *logrus.Logger) *Peer {
	if log == nil {
		log = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Peer{
		cfg:              cfg,
		log:              log,
		reg:              reg,
		tracker:          tracker,
		index:            index,
		strategies:       resilience.NewStrategyRegistry(),
		downloadRecovery: newDownloadRecovery(),
		pool:             resilience.NewTaskPool("peer-accept-"+cfg.PeerID, cfg.AcceptWorkers, cfg.AcceptQueueDepth),
		shared:           make(map[string]SharedFile),
	}
}

// newDownloadRecovery builds the peer circuit breaker + EXPONENTIAL_JITTER
// retry policy for the file download client, per spec.md §4.9 step 4. A
// checksum mismatch is excluded from retry: the spec treats it as
// non-retryable against this peer, to be resolved by trying another peer
// rather than hammering the same one.
func newDownloadRecovery() *resilience.Recovery {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Strategy:       resilience.ExponentialJitter,
		ShouldRetry: func(err error) bool {
			return !isChecksumMismatch(err)
		},
	}
	breakerCfg := resilience.BreakerConfig{FailureThreshold: 5, ResetTimeout: 10 * time.Second}
	return &resilience.Recovery{
		Name:    "peer-download",
		Breaker: resilience.NewCircuitBreaker(breakerCfg),
		Retry:   resilience.NewRetryPolicy(retryCfg),
	}
}

// Share adds fileName to this peer's shared set.
func (p *Peer) Share(fileName string, file SharedFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared[fileName] = file
}

// Unshare removes fileName from this peer's shared set.
func (p *Peer) Unshare(fileName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.shared, fileName)
}

// sharedFile returns the SharedFile entry for fileName and whether it
// exists in this peer's shared set.
func (p *Peer) sharedFile(fileName string) (SharedFile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.shared[fileName]
	return f, ok
}

// Start implements the lifecycle chain of spec.md §4.9: register with the
// Tracker, begin the heartbeat loop, open the listening socket, and begin
// accepting connections into the bounded worker pool.
func (p *Peer) Start(ctx context.Context) error {
	trackerRegistered := false
	if p.tracker != nil {
		if err := p.registerWithTracker(ctx); err != nil {
			return err
		}
		trackerRegistered = true
	}

	rollbackTracker := func() {
		if trackerRegistered {
			_ = p.tracker.Deregister(ctx, p.cfg.PeerID)
		}
	}

	if p.reg != nil {
		if err := p.reg.RegisterService(ctx, "peer", p.cfg.PeerID, p.cfg.Host, p.cfg.Port, nil); err != nil {
			rollbackTracker()
			return err
		}
	}

	ln, err := net.Listen("tcp", netAddr(p.cfg.Host, p.cfg.Port))
	if err != nil {
		rollbackTracker()
		if p.reg != nil {
			_ = p.reg.DeregisterService(ctx, "peer", p.cfg.PeerID)
		}
		return err
	}
	p.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.acceptLoop(runCtx)
	go p.heartbeatLoop(runCtx)
	return nil
}

func (p *Peer) registerWithTracker(ctx context.Context) error {
	strategy := p.strategies.Get("tracker")
	return strategy.Execute(ctx, func(ctx context.Context) error {
		return p.tracker.Register(ctx, p.cfg.PeerID, p.cfg.Host, p.cfg.Port)
	})
}

func (p *Peer) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.tracker == nil {
				continue
			}
			strategy := p.strategies.Get("tracker")
			if err := strategy.Execute(ctx, func(ctx context.Context) error {
				return p.tracker.Heartbeat(ctx, p.cfg.PeerID)
			}); err != nil {
				p.log.WithError(err).Warn("peer: heartbeat failed")
			}
		}
	}
}

func (p *Peer) acceptLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.WithError(err).Warn("peer: accept failed")
				continue
			}
		}
		if err := p.pool.Submit(func(ctx context.Context) {
			p.handleConnection(ctx, conn)
		}); err != nil {
			p.log.WithError(err).Warn("peer: accept pool saturated, dropping connection")
			conn.Close()
		}
	}
}

// Shutdown implements spec.md §4.9 step 5: deregister from the tracker,
// unregister shared files from the index server (best-effort, bounded
// timeout), stop accepting, drain in-flight transfers, close pools.
func (p *Peer) Shutdown(ctx context.Context, grace time.Duration) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if p.tracker != nil {
		_ = p.tracker.Deregister(deadlineCtx, p.cfg.PeerID)
	}
	if p.index != nil {
		p.mu.RLock()
		names := make([]string, 0, len(p.shared))
		for name := range p.shared {
			names = append(names, name)
		}
		p.mu.RUnlock()
		for _, name := range names {
			_ = p.index.UnregisterFile(deadlineCtx, name, p.cfg.PeerID)
		}
	}
	if p.reg != nil {
		_ = p.reg.DeregisterService(deadlineCtx, "peer", p.cfg.PeerID)
	}

	p.pool.Shutdown(grace)
	p.wg.Wait()
	return nil
}

func netAddr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
