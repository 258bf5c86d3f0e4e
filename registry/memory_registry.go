package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryRegistry is a process local Registry. ttl is ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	endpoints map[string][]Endpoint
	watchers  map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		endpoints: make(map[string][]Endpoint),
		watchers:  make(map[string][]chan []Endpoint),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if ep.ID == "" {
		return errors.New("registry: endpoint id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[service]
	for i := range eps {
		if eps[i].ID == ep.ID {
			eps[i] = ep
			m.notifyLocked(service)
			return nil
		}
	}
	m.endpoints[service] = append(eps, ep)
	m.notifyLocked(service)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, service string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[service]
	for i := range eps {
		if eps[i].ID == id {
			m.endpoints[service] = append(eps[:i:i], eps[i+1:]...)
			m.notifyLocked(service)
			return nil
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Endpoint(nil), m.endpoints[service]...), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i := range ws {
			if ws[i] == ch {
				m.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notifyLocked hands the latest list to every watcher, replacing a list the watcher has
// not read yet.
func (m *MemoryRegistry) notifyLocked(service string) {
	for _, ch := range m.watchers[service] {
		list := append([]Endpoint(nil), m.endpoints[service]...)
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}
