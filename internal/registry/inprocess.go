package registry

import (
	"context"
	"sync"
)

// InProcess is a concurrency-safe, two-level (type -> id -> instance)
// registry with no external transport, per spec.md §4.4's "in-process
// implementation". Each NewInProcess call returns a fresh instance, built
// by the composition root in cmd/p2pmesh rather than held as a
// package-level singleton, resolving Open Question #1 in spec.md §9.
type InProcess struct {
	mu   sync.RWMutex
	data map[string]map[string]ServiceInstance
}

// NewInProcess constructs an empty in-process registry.
func NewInProcess() *InProcess {
	return &InProcess{data: make(map[string]map[string]ServiceInstance)}
}

// RegisterService is idempotent on (type,id): repeated calls update
// host/port/metadata and stamp a fresh lastUpdated.
func (r *InProcess) RegisterService(ctx context.Context, serviceType, id, host string, port int, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.data[serviceType]
	if !ok {
		bucket = make(map[string]ServiceInstance)
		r.data[serviceType] = bucket
	}
	bucket[id] = ServiceInstance{
		ServiceType: serviceType,
		ServiceID:   id,
		Host:        host,
		Port:        port,
		Metadata:    metadata,
		Healthy:     true,
		LastUpdated: nowMillis(),
	}
	return nil
}

// DeregisterService removes (type,id); it is a no-op if absent.
func (r *InProcess) DeregisterService(ctx context.Context, serviceType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket, ok := r.data[serviceType]; ok {
		delete(bucket, id)
	}
	return nil
}

// DiscoverServices returns every healthy instance of serviceType.
func (r *InProcess) DiscoverServices(ctx context.Context, serviceType string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.data[serviceType]
	out := make([]ServiceInstance, 0, len(bucket))
	for _, inst := range bucket {
		if inst.Healthy {
			out = append(out, inst)
		}
	}
	return out, nil
}

// GetService returns the instance for (type,id), or ErrNotFound.
func (r *InProcess) GetService(ctx context.Context, serviceType, id string) (ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bucket, ok := r.data[serviceType]; ok {
		if inst, ok := bucket[id]; ok {
			return inst, nil
		}
	}
	return ServiceInstance{}, ErrNotFound
}

// IsServiceHealthy reports the healthy flag for (type,id).
func (r *InProcess) IsServiceHealthy(ctx context.Context, serviceType, id string) (bool, error) {
	inst, err := r.GetService(ctx, serviceType, id)
	if err != nil {
		return false, err
	}
	return inst.Healthy, nil
}

// UpdateServiceHealth mutates the healthy flag and stamps lastUpdated.
func (r *InProcess) UpdateServiceHealth(ctx context.Context, serviceType, id string, healthy bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.data[serviceType]
	if !ok {
		return ErrNotFound
	}
	inst, ok := bucket[id]
	if !ok {
		return ErrNotFound
	}
	inst.Healthy = healthy
	inst.LastUpdated = nowMillis()
	bucket[id] = inst
	return nil
}

// Start is a no-op for the in-process registry; it has no background
// transport to run.
func (r *InProcess) Start(ctx context.Context) error { return nil }

// Stop is a no-op for the in-process registry.
func (r *InProcess) Stop() error { return nil }

var _ Registry = (*InProcess)(nil)
