package registry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// recordKind tags a gossip datagram's purpose, per spec.md §4.4.
type recordKind string

const (
	kindAnnounce   recordKind = "ANNOUNCE"
	kindDeregister recordKind = "DEREGISTER"
	kindHealth     recordKind = "HEALTH"
)

// GossipConfig parameterizes a Gossip registry.
type GossipConfig struct {
	// SelfAddr is this node's own gossip listen address, "host:port".
	SelfAddr string
	// GroupAddr is a UDP multicast group address ("239.255.0.1:8765"),
	// used when Multicast is true.
	GroupAddr string
	Multicast bool
	// Peers is a static bootstrap list used for unicast gossip when
	// Multicast is false.
	Peers []string

	AnnounceInterval time.Duration // T_announce, default 30s
	ExpireAfter      time.Duration // T_expire, default 90s
	MinAnnounceGap   time.Duration // rate limit per (type,id), default 1s
	TTL              int           // multicast TTL, default 4
}

func (c GossipConfig) withDefaults() GossipConfig {
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 30 * time.Second
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 90 * time.Second
	}
	if c.MinAnnounceGap <= 0 {
		c.MinAnnounceGap = time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 4
	}
	return c
}

// Gossip is a best-effort, eventually-convergent distributed registry:
// own-service state announces periodically over UDP; remote state is
// cached locally and expires without renewal, per spec.md §4.4.
type Gossip struct {
	cfg GossipConfig
	log *logrus.Logger

	mu       sync.RWMutex
	local    map[string]ServiceInstance // owned by this node, never expired
	remote   map[string]ServiceInstance // learned from the network
	lastSent map[string]time.Time       // rate limiting

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGossip constructs a Gossip registry. log may be nil, in which case a
// default logger is used.
func NewGossip(cfg GossipConfig, log *logrus.Logger) *Gossip {
	if log == nil {
		log = logrus.New()
	}
	return &Gossip{
		cfg:      cfg.withDefaults(),
		log:      log,
		local:    make(map[string]ServiceInstance),
		remote:   make(map[string]ServiceInstance),
		lastSent: make(map[string]time.Time),
	}
}

func key(serviceType, id string) string { return serviceType + "/" + id }

// RegisterService records a locally-owned instance and announces it
// immediately.
func (g *Gossip) RegisterService(ctx context.Context, serviceType, id, host string, port int, metadata map[string]string) error {
	inst := ServiceInstance{
		ServiceType: serviceType, ServiceID: id, Host: host, Port: port,
		Metadata: metadata, Healthy: true, LastUpdated: nowMillis(),
	}
	g.mu.Lock()
	g.local[key(serviceType, id)] = inst
	g.mu.Unlock()
	g.announce(inst)
	return nil
}

// DeregisterService removes a locally-owned instance and broadcasts a
// DEREGISTER record.
func (g *Gossip) DeregisterService(ctx context.Context, serviceType, id string) error {
	k := key(serviceType, id)
	g.mu.Lock()
	inst, ok := g.local[k]
	delete(g.local, k)
	delete(g.remote, k)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	g.send(kindDeregister, inst)
	return nil
}

// DiscoverServices returns every healthy, unexpired instance of
// serviceType — local instances are never expired.
func (g *Gossip) DiscoverServices(ctx context.Context, serviceType string) ([]ServiceInstance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ServiceInstance
	for _, inst := range g.local {
		if inst.ServiceType == serviceType && inst.Healthy {
			out = append(out, inst)
		}
	}
	cutoff := time.Now().Add(-g.cfg.ExpireAfter).UnixMilli()
	for k, inst := range g.remote {
		if inst.ServiceType != serviceType {
			continue
		}
		if inst.LastUpdated < cutoff {
			delete(g.remote, k)
			continue
		}
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out, nil
}

// GetService looks up (type,id) across the local and remote caches.
func (g *Gossip) GetService(ctx context.Context, serviceType, id string) (ServiceInstance, error) {
	k := key(serviceType, id)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if inst, ok := g.local[k]; ok {
		return inst, nil
	}
	if inst, ok := g.remote[k]; ok {
		cutoff := time.Now().Add(-g.cfg.ExpireAfter).UnixMilli()
		if inst.LastUpdated >= cutoff {
			return inst, nil
		}
	}
	return ServiceInstance{}, ErrNotFound
}

// IsServiceHealthy reports the healthy flag for (type,id).
func (g *Gossip) IsServiceHealthy(ctx context.Context, serviceType, id string) (bool, error) {
	inst, err := g.GetService(ctx, serviceType, id)
	if err != nil {
		return false, err
	}
	return inst.Healthy, nil
}

// UpdateServiceHealth mutates a locally-owned instance's health and
// announces the change immediately.
func (g *Gossip) UpdateServiceHealth(ctx context.Context, serviceType, id string, healthy bool) error {
	k := key(serviceType, id)
	g.mu.Lock()
	inst, ok := g.local[k]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	inst.Healthy = healthy
	inst.LastUpdated = nowMillis()
	g.local[k] = inst
	g.mu.Unlock()
	g.send(kindHealth, inst)
	return nil
}

// Start opens the UDP socket, joins the multicast group if configured,
// and begins the receive loop plus the periodic self-announcement timer.
func (g *Gossip) Start(ctx context.Context) error {
	if g.cfg.Multicast {
		gaddr, err := net.ResolveUDPAddr("udp", g.cfg.GroupAddr)
		if err != nil {
			return fmt.Errorf("registry: resolve multicast group: %w", err)
		}
		conn, err := net.ListenMulticastUDP("udp", nil, gaddr)
		if err != nil {
			return fmt.Errorf("registry: join multicast group: %w", err)
		}
		_ = ipv4.NewPacketConn(conn).SetMulticastTTL(g.cfg.TTL)
		g.conn = conn
	} else {
		addr, err := net.ResolveUDPAddr("udp", g.cfg.SelfAddr)
		if err != nil {
			return fmt.Errorf("registry: resolve gossip addr: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("registry: listen gossip: %w", err)
		}
		g.conn = conn
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(2)
	go g.receiveLoop(runCtx)
	go g.announceLoop(runCtx)
	return nil
}

// Stop closes the socket and stops background goroutines.
func (g *Gossip) Stop() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.conn != nil {
		_ = g.conn.Close()
	}
	g.wg.Wait()
	return nil
}

func (g *Gossip) announceLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.RLock()
			insts := make([]ServiceInstance, 0, len(g.local))
			for _, inst := range g.local {
				insts = append(insts, inst)
			}
			g.mu.RUnlock()
			for _, inst := range insts {
				g.announce(inst)
			}
		}
	}
}

func (g *Gossip) announce(inst ServiceInstance) {
	k := key(inst.ServiceType, inst.ServiceID)
	g.mu.Lock()
	last, ok := g.lastSent[k]
	if ok && time.Since(last) < g.cfg.MinAnnounceGap {
		g.mu.Unlock()
		return
	}
	g.lastSent[k] = time.Now()
	g.mu.Unlock()
	g.send(kindAnnounce, inst)
}

func (g *Gossip) send(kind recordKind, inst ServiceInstance) {
	if g.conn == nil {
		return
	}
	rec := encodeRecord(kind, inst)
	targets := g.cfg.Peers
	if g.cfg.Multicast {
		addr, err := net.ResolveUDPAddr("udp", g.cfg.GroupAddr)
		if err != nil {
			g.log.WithError(err).Warn("registry: resolve multicast group")
			return
		}
		if _, err := g.conn.WriteToUDP([]byte(rec), addr); err != nil {
			g.log.WithError(err).Warn("registry: send multicast announcement")
		}
		return
	}
	for _, t := range targets {
		addr, err := net.ResolveUDPAddr("udp", t)
		if err != nil {
			g.log.WithError(err).WithField("peer", t).Warn("registry: resolve gossip peer")
			continue
		}
		if _, err := g.conn.WriteToUDP([]byte(rec), addr); err != nil {
			g.log.WithError(err).WithField("peer", t).Warn("registry: send gossip record")
		}
	}
}

func (g *Gossip) receiveLoop(ctx context.Context) {
	defer g.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = g.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		kind, inst, err := decodeRecord(buf[:n])
		if err != nil {
			g.log.WithError(err).Warn("registry: malformed gossip record, skipping")
			continue
		}
		g.applyRecord(kind, inst)
	}
}

// applyRecord implements spec.md §4.4's last-writer-wins convergence rule.
func (g *Gossip) applyRecord(kind recordKind, inst ServiceInstance) {
	k := key(inst.ServiceType, inst.ServiceID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, isSelf := g.local[k]; isSelf {
		return // ignore announcements about ourselves
	}

	if kind == kindDeregister {
		delete(g.remote, k)
		return
	}

	existing, ok := g.remote[k]
	if ok && existing.LastUpdated >= inst.LastUpdated {
		return // last-writer-wins: drop stale or equal-timestamp updates
	}
	g.remote[k] = inst
}

// --- wire encoding: `|`-delimited ASCII records, metadata percent-encoded
// (resolving Open Question #2 in spec.md §9; see DESIGN.md) ---

func encodeRecord(kind recordKind, inst ServiceInstance) string {
	meta := make([]string, 0, len(inst.Metadata))
	for k, v := range inst.Metadata {
		meta = append(meta, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	fields := []string{
		string(kind),
		inst.ServiceType,
		inst.ServiceID,
		inst.Host,
		strconv.Itoa(inst.Port),
		strconv.FormatBool(inst.Healthy),
		strconv.FormatInt(inst.LastUpdated, 10),
		strings.Join(meta, ","),
	}
	return strings.Join(fields, "|")
}

func decodeRecord(data []byte) (recordKind, ServiceInstance, error) {
	parts := strings.Split(string(data), "|")
	if len(parts) != 8 {
		return "", ServiceInstance{}, fmt.Errorf("registry: expected 8 fields, got %d", len(parts))
	}
	kind := recordKind(parts[0])
	port, err := strconv.Atoi(parts[4])
	if err != nil {
		return "", ServiceInstance{}, fmt.Errorf("registry: bad port: %w", err)
	}
	healthy, err := strconv.ParseBool(parts[5])
	if err != nil {
		return "", ServiceInstance{}, fmt.Errorf("registry: bad healthy flag: %w", err)
	}
	lastUpdated, err := strconv.ParseInt(parts[6], 10, 64)
	if err != nil {
		return "", ServiceInstance{}, fmt.Errorf("registry: bad lastUpdated: %w", err)
	}
	var metadata map[string]string
	if parts[7] != "" {
		metadata = make(map[string]string)
		for _, kv := range strings.Split(parts[7], ",") {
			eq := strings.SplitN(kv, "=", 2)
			if len(eq) != 2 {
				continue
			}
			mk, err1 := url.QueryUnescape(eq[0])
			mv, err2 := url.QueryUnescape(eq[1])
			if err1 != nil || err2 != nil {
				continue
			}
			metadata[mk] = mv
		}
	}
	return kind, ServiceInstance{
		ServiceType: parts[1],
		ServiceID:   parts[2],
		Host:        parts[3],
		Port:        port,
		Healthy:     healthy,
		LastUpdated: lastUpdated,
		Metadata:    metadata,
	}, nil
}

var _ Registry = (*Gossip)(nil)
