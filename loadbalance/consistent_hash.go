package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"sync-rpc/registry"
)

// ConsistentHashBalancer maps a client key onto a hash ring of endpoints, so a client
// keeps reconnecting to the same instance while the endpoint set is stable.
//
// Each endpoint owns replicas virtual nodes hashed from "{id}#{i}".
//
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to the nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.Mutex
	members string // ids the ring was built from
	ring    []uint32
	nodes   map[uint32]registry.Endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// rebuild recomputes the ring when the endpoint set changed since the last Pick.
func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	ids := make([]string, len(endpoints))
	for i, ep := range endpoints {
		ids[i] = ep.ID
	}
	sort.Strings(ids)
	members := fmt.Sprint(ids)
	if members == b.members && b.nodes != nil {
		return
	}
	b.members = members
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.ID, i)))
			b.ring = append(b.ring, h)
			b.nodes[h] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(endpoints)

	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string { return "consistent-hash" }
