// Package transport provides the message passing capability a connection runs on.
//
// A Port delivers message.Message values to the other endpoint. Two implementations
// exist:
//
//	Pipe()          in-process; both ends live in one process and every message is
//	                deep-copied through a codec round trip
//	NewStreamPort   any byte stream (a unix socket between two processes); messages
//	                travel as protocol frames, with heartbeats
//
// Ports never carry bulk data: large payloads and sync calls live in shared memory and
// only their shm.Location crosses the port.
package transport

import (
	"github.com/pkg/errors"

	"sync-rpc/message"
)

var (
	ErrClosed = errors.New("transport: port is closed")
	// ErrUnencodable is returned by PostMessage for a message the port cannot carry. The
	// port stays usable.
	ErrUnencodable = errors.New("transport: message cannot be encoded")
)

// Port is one end of a bidirectional message channel.
type Port interface {
	// PostMessage sends msg to the peer. It does not wait for the peer to handle it.
	PostMessage(msg *message.Message) error
	// OnMessage installs the handler and starts delivery. Messages are delivered one at a
	// time, in order, on a goroutine owned by the port; messages posted before a handler
	// is installed are held back until then.
	OnMessage(handler func(msg *message.Message))
	// Done is closed when the port stops delivering, after Close or a transport failure.
	Done() <-chan struct{}
	// Err returns the reason the port closed, ErrClosed after a plain Close.
	Err() error
	Close() error
}
