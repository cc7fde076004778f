package resilience

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrPoolTimeout is returned when Acquire cannot obtain a connection
// before the caller-supplied timeout elapses.
var ErrPoolTimeout = errors.New("connpool: acquire timeout")

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("connpool: closed")

// Dialer opens a new connection to addr. Grounded on the teacher's
// connection-pool dialer seam (core/connection_pool.go's *Dialer field)
// so the pool itself never imports a concrete transport.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

type pooledConn struct {
	net.Conn
	addr     string
	lastUsed time.Time
}

// ConnPool is a fixed-capacity connection pool. Total in-use + idle
// connections never exceeds Max; Acquire blocks (bounded by its context)
// when the pool is saturated.
type ConnPool struct {
	dial    Dialer
	max     int
	idleTTL time.Duration

	mu      sync.Mutex
	idle    map[string][]*pooledConn
	inUse   int
	waiters []chan struct{}
	closed  bool

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// NewConnPool constructs a ConnPool with capacity max and the given idle-eviction
// TTL. dial is used to establish new connections on a cache miss.
func NewConnPool(dial Dialer, max int, idleTTL time.Duration) *ConnPool {
	p := &ConnPool{
		dial:       dial,
		max:        max,
		idleTTL:    idleTTL,
		idle:       make(map[string][]*pooledConn),
		stopReaper: make(chan struct{}),
	}
	if idleTTL > 0 {
		go p.reap()
	}
	return p
}

// Acquire returns a connection to addr, reusing an idle one if valid, or
// dialing a new one once capacity allows. It respects ctx's deadline and
// cancellation while waiting for capacity.
func (p *ConnPool) Acquire(ctx context.Context, addr string) (net.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		for len(p.idle[addr]) > 0 {
			list := p.idle[addr]
			c := list[len(list)-1]
			p.idle[addr] = list[:len(list)-1]
			p.inUse++
			p.mu.Unlock()
			if validateIdle(c) {
				return c, nil
			}
			_ = c.Close()
			p.mu.Lock()
			p.inUse--
		}
		total := p.inUse
		for _, list := range p.idle {
			total += len(list)
		}
		for a, list := range p.idle {
			if total < p.max || p.inUse >= p.max {
				break
			}
			if len(list) > 0 {
				// idle connections count against max: free one held for another address
				_ = list[0].Close()
				p.idle[a] = list[1:]
				total--
			}
		}
		if total < p.max {
			p.inUse++
			p.mu.Unlock()
			conn, err := p.dial(ctx, addr)
			if err != nil {
				p.release1()
				return nil, err
			}
			return &pooledConn{Conn: conn, addr: addr, lastUsed: time.Now()}, nil
		}
		ch := make(chan struct{})
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			removed := false
			for i, w := range p.waiters {
				if w == ch {
					p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
					removed = true
					break
				}
			}
			if !removed {
				// ch was already popped and closed by a concurrent
				// release; the capacity it freed is still unclaimed, so
				// hand it to another waiter instead of losing it.
				p.wakeOneLocked()
			}
			p.mu.Unlock()
			return nil, ErrPoolTimeout
		case <-ch:
			// capacity freed; loop and retry
		}
	}
}

// validateIdle checks whether an idle connection is still usable: a read
// with an already-expired deadline times out on a live connection and
// returns EOF (or data, which for this protocol's one-turn framing means
// the remote closed or misbehaved) on a dead one.
func validateIdle(c *pooledConn) bool {
	if err := c.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	var buf [1]byte
	_, err := c.Read(buf[:])
	_ = c.SetReadDeadline(time.Time{})
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (p *ConnPool) release1() {
	p.mu.Lock()
	p.inUse--
	p.wakeOneLocked()
	p.mu.Unlock()
}

func (p *ConnPool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(ch)
}

// Release returns conn to the pool for reuse, or closes it if it was not
// obtained via Acquire, or if the pool has been closed.
func (p *ConnPool) Release(conn net.Conn) {
	pc, ok := conn.(*pooledConn)
	if !ok {
		_ = conn.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	pc.lastUsed = time.Now()
	if !p.closed {
		p.idle[pc.addr] = append(p.idle[pc.addr], pc)
	} else {
		_ = pc.Close()
	}
	p.wakeOneLocked()
}

// InUse reports the number of connections currently checked out.
func (p *ConnPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close closes every idle connection and stops the background reaper.
// Connections still checked out are closed by their holder's Release.
func (p *ConnPool) Close() {
	p.reaperOnce.Do(func() { close(p.stopReaper) })
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, list := range p.idle {
		for _, c := range list {
			_ = c.Close()
		}
	}
	p.idle = make(map[string][]*pooledConn)
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

func (p *ConnPool) reap() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			p.mu.Lock()
			for addr, list := range p.idle {
				kept := list[:0]
				for _, c := range list {
					if c.lastUsed.Before(cutoff) {
						_ = c.Close()
						continue
					}
					kept = append(kept, c)
				}
				p.idle[addr] = kept
			}
			p.mu.Unlock()
		case <-p.stopReaper:
			return
		}
	}
}
