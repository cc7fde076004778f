package registry

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
)

// ErrNoInstances is returned when a locator has nothing to select from.
var ErrNoInstances = errors.New("registry: no healthy instances available")

// SelectionStrategy picks one instance out of a non-empty slice.
type SelectionStrategy func(instances []ServiceInstance, cursor *atomic.Uint64) ServiceInstance

// RandomStrategy picks a pseudo-random instance via math/rand; the cursor
// is not used.
func RandomStrategy(instances []ServiceInstance, cursor *atomic.Uint64) ServiceInstance {
	return instances[rand.Intn(len(instances))]
}

// RoundRobinStrategy cycles through instances in stable order.
func RoundRobinStrategy(instances []ServiceInstance, cursor *atomic.Uint64) ServiceInstance {
	n := cursor.Add(1) - 1
	return instances[int(n%uint64(len(instances)))]
}

// ServiceLocator resolves a service type to one instance via a
// DiscoverServices call plus a selection strategy, per spec.md §4.4.
type ServiceLocator struct {
	reg      Registry
	strategy SelectionStrategy
	cursor   atomic.Uint64
}

// NewServiceLocator constructs a locator over reg. strategy defaults to
// RoundRobinStrategy if nil.
func NewServiceLocator(reg Registry, strategy SelectionStrategy) *ServiceLocator {
	if strategy == nil {
		strategy = RoundRobinStrategy
	}
	return &ServiceLocator{reg: reg, strategy: strategy}
}

// Locate discovers healthy instances of serviceType and selects one via
// the configured strategy.
func (l *ServiceLocator) Locate(ctx context.Context, serviceType string) (ServiceInstance, error) {
	instances, err := l.reg.DiscoverServices(ctx, serviceType)
	if err != nil {
		return ServiceInstance{}, err
	}
	if len(instances) == 0 {
		return ServiceInstance{}, ErrNoInstances
	}
	return l.strategy(instances, &l.cursor), nil
}
