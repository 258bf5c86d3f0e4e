// Package loadbalance picks which registered instance of a service a client dials when
// the registry returns several. A connection always joins exactly one client and one
// server; the choice happens once, before dialing.
//
// Three strategies are implemented:
//   - RoundRobin:      spread successive dials evenly
//   - WeightedRandom:  instances with different capacity
//   - ConsistentHash:  a client id always lands on the same instance
package loadbalance

import (
	"github.com/pkg/errors"

	"sync-rpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects the endpoint to dial. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one endpoint. key identifies the dialing client and is only used by
	// key based strategies.
	Pick(key string, endpoints []registry.Endpoint) (registry.Endpoint, error)
	Name() string
}

// New returns the balancer registered under name: "round-robin", "weighted-random" or
// "consistent-hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
	}
}
