package resilience

import (
	"context"
	"net"
	"testing"
	"time"
)

func pipeDialer() (Dialer, func()) {
	server, client := net.Pipe()
	return func(ctx context.Context, addr string) (net.Conn, error) {
			return client, nil
		}, func() {
			server.Close()
			client.Close()
		}
}

func TestPoolAcquireReleaseReusesConnection(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := NewConnPool(dial, 1, 0)
	defer p.Close()

	c1, err := p.Acquire(context.Background(), "addr")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if p.InUse() != 1 {
		t.Fatalf("expected 1 in use, got %d", p.InUse())
	}
	p.Release(c1)
	if p.InUse() != 0 {
		t.Fatalf("expected 0 in use after release, got %d", p.InUse())
	}

	c2, err := p.Acquire(context.Background(), "addr")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected the released connection to be reused")
	}
	p.Release(c2)
}

func TestPoolAcquireBlocksUntilCapacityFrees(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := NewConnPool(dial, 1, 0)
	defer p.Close()

	c1, err := p.Acquire(context.Background(), "addr")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "addr"); err != ErrPoolTimeout {
		t.Fatalf("expected ErrPoolTimeout while saturated, got %v", err)
	}

	p.Release(c1)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	c2, err := p.Acquire(ctx2, "addr")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p.Release(c2)
}

func TestPoolEvictsDeadIdleConnectionAtAcquire(t *testing.T) {
	var dials int
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		dials++
		server, client := net.Pipe()
		if dials == 1 {
			// first connection dies while idle
			go func() {
				time.Sleep(10 * time.Millisecond)
				server.Close()
			}()
		} else {
			t.Cleanup(func() { server.Close() })
		}
		return client, nil
	}

	p := NewConnPool(dial, 1, 0)
	defer p.Close()

	c1, err := p.Acquire(context.Background(), "addr")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c1)
	time.Sleep(30 * time.Millisecond)

	c2, err := p.Acquire(context.Background(), "addr")
	if err != nil {
		t.Fatalf("acquire after idle death: %v", err)
	}
	if c2 == c1 {
		t.Fatalf("expected the dead idle connection to be evicted, not reused")
	}
	if dials != 2 {
		t.Fatalf("expected a fresh dial after eviction, got %d dials", dials)
	}
	p.Release(c2)
}

func TestPoolCloseRejectsFurtherAcquire(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := NewConnPool(dial, 1, 0)
	p.Close()

	if _, err := p.Acquire(context.Background(), "addr"); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
