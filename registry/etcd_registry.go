// etcd backed registry. Keys are
//
//	/sync-rpc/{service}/{endpoint id} → JSON Endpoint
//
// and live under a lease: when the server process dies its keep-alive stops, the lease
// expires and the endpoint disappears without a Deregister.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	log    logrus.FieldLogger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log logrus.FieldLogger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, errors.Wrap(err, "connect to etcd")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EtcdRegistry{
		client: c,
		log:    log.WithField("component", "registry"),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// Register stores ep under a lease of ttl seconds and keeps the lease alive in the
// background. The lease id is tracked per key so that several servers can share one
// EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	val, err := json.Marshal(ep)
	if err != nil {
		return errors.Wrap(err, "encode endpoint")
	}
	k := key(service, ep.ID)
	if ttl <= 0 {
		_, err = r.client.Put(ctx, k, string(val))
		return errors.Wrapf(err, "put %s", k)
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	if _, err = r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", k)
	}

	// the keep-alive outlives the registration call
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	r.mu.Lock()
	r.leases[k] = lease.ID
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.log.WithField("key", k).Debug("lease keep-alive stopped")
	}()
	return nil
}

// Deregister deletes the endpoint and revokes its lease, which also ends the keep-alive.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, id string) error {
	k := key(service, id)
	if _, err := r.client.Delete(ctx, k); err != nil {
		return errors.Wrapf(err, "delete %s", k)
	}
	r.mu.Lock()
	lease, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return errors.Wrapf(err, "revoke lease of %s", k)
		}
	}
	return nil
}

// Discover returns every endpoint currently registered for service. Malformed entries
// are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, prefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix(service))
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.WithError(err).WithField("key", string(kv.Key)).Warn("skipping malformed endpoint")
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads the endpoint list on every change under the service prefix. The
// channel is closed when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, prefix(service), clientv3.WithPrefix()) {
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.log.WithError(err).Warn("watch: discover failed")
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close closes the etcd client. Leases not deregistered expire after their ttl.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
