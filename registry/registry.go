// Package registry lets a client find the socket of a service by name instead of by path.
//
// A server registers one Endpoint per listening socket; clients Discover the endpoints of
// a service and dial one of them. Endpoints carry no memory ids: the shared segment of a
// connection is created by the client and announced over the connection itself.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// KeyPrefix is the root of every key the etcd registry writes.
const KeyPrefix = "/sync-rpc/"

var ErrNotFound = errors.New("registry: no endpoint registered for service")

// Endpoint is one listening instance of a service.
type Endpoint struct {
	ID      string `json:"id"`
	Socket  string `json:"socket"` // unix socket path
	Codec   byte   `json:"codec"`  // preferred frame codec, protocol.CodecType*
	Weight  int    `json:"weight"` // relative share for weighted picking
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

type Registry interface {
	// Register publishes ep under service. With ttl > 0 the entry expires unless the
	// registry keeps it alive.
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, id string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list of service after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}

func key(service, id string) string { return KeyPrefix + service + "/" + id }

func prefix(service string) string { return KeyPrefix + service + "/" }
