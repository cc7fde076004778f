// Package registry implements the service-discovery substrate from
// spec.md §4.4: an abstract Registry interface with an in-process
// implementation and a gossip-based distributed implementation.
//
// Grounded on the teacher's core/bootstrap_node.go mutex-guarded
// lifecycle style for the in-process case, and core/replication.go's
// wire-protocol-constants-plus-logrus idiom for the gossip case — over a
// raw UDP socket rather than libp2p, since spec.md §4.4/§6 mandates a
// pipe-delimited ASCII datagram format libp2p's framing cannot produce
// (see DESIGN.md).
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetService when (type,id) is absent.
var ErrNotFound = errors.New("registry: service not found")

// ServiceInstance is a registered endpoint, per spec.md §3.
type ServiceInstance struct {
	ServiceType string            `json:"serviceType"`
	ServiceID   string            `json:"serviceId"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Healthy     bool              `json:"healthy"`
	LastUpdated int64             `json:"lastUpdated"` // epoch ms
}

// Key identifies an instance by (type, id).
func (s ServiceInstance) Key() string { return s.ServiceType + "/" + s.ServiceID }

// Registry is the abstract operation set consumed by Tracker, IndexServer,
// and Peer for self-registration and discovery of one another.
type Registry interface {
	RegisterService(ctx context.Context, serviceType, id, host string, port int, metadata map[string]string) error
	DeregisterService(ctx context.Context, serviceType, id string) error
	DiscoverServices(ctx context.Context, serviceType string) ([]ServiceInstance, error)
	GetService(ctx context.Context, serviceType, id string) (ServiceInstance, error)
	IsServiceHealthy(ctx context.Context, serviceType, id string) (bool, error)
	UpdateServiceHealth(ctx context.Context, serviceType, id string, healthy bool) error
	Start(ctx context.Context) error
	Stop() error
}

func nowMillis() int64 { return time.Now().UnixMilli() }
