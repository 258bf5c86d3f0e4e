// Package client connects to a sync-rpc server.
//
// The client owns the shared memory of its connection: Dial creates a segment, attaches
// an allocator to it and sends the segment's memory id with every sync call. The server
// maps the segment on first use. Closing the client disposes the connection and removes
// the segment.
//
//	Dial(path) ─→ CreateSegment ─→ alloc.New ─→ StreamPort(unix conn) ─→ rpc.Connection
//	DialService(name) ─→ Registry.Discover ─→ Balancer.Pick ─→ Dial(endpoint.Socket)
package client

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"sync-rpc/alloc"
	"sync-rpc/codec"
	"sync-rpc/loadbalance"
	"sync-rpc/registry"
	"sync-rpc/rpc"
	"sync-rpc/shm"
	"sync-rpc/transport"
)

// Options configures a Client.
type Options struct {
	Logger logrus.FieldLogger
	Stream transport.StreamOptions
	// SegmentSize is the initially committed size of the shared segment, SegmentMax the
	// size it may grow to as sync calls need regions.
	SegmentSize uint32
	SegmentMax  uint32
	SyncTimeout time.Duration

	// Registry and Balancer are used by DialService. ID is the key consistent hashing
	// picks the endpoint by; it defaults to a random uuid.
	Registry registry.Registry
	Balancer loadbalance.Balancer
	ID       string
}

func DefaultOptions() Options {
	return Options{
		Stream:      transport.DefaultStreamOptions(),
		SegmentSize: 16 * shm.PageSize,
		SegmentMax:  16 << 20,
		SyncTimeout: rpc.DefaultOptions().SyncTimeout,
	}
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Stream.Logger == nil {
		o.Stream.Logger = o.Logger
	}
	if o.SegmentMax == 0 {
		o.SegmentMax = DefaultOptions().SegmentMax
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
}

// Client is a connection to one server plus the shared memory its sync calls use. The
// embedded connection provides CallSync, CallAsync, Send and Notify, and OnNotify and the
// other registration methods for calls the server makes back.
type Client struct {
	*rpc.Connection
	memory   *shm.Buffer
	alloc    *alloc.Allocator
	endpoint registry.Endpoint
	log      logrus.FieldLogger
}

// Dial connects to the server listening on the unix socket at path.
func Dial(ctx context.Context, path string, opts Options) (*Client, error) {
	opts.normalize()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", path)
	}
	seg, err := shm.CreateSegment(opts.SegmentSize, opts.SegmentMax)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create shared segment")
	}
	port := transport.NewStreamPort(conn, opts.Stream)
	c, err := newClient(port, seg, shm.NewTable(seg), opts)
	if err != nil {
		return nil, multierr.Combine(err, port.Close(), seg.Close())
	}
	c.endpoint = registry.Endpoint{Socket: path, Codec: byte(opts.Stream.Codec)}
	return c, nil
}

// DialService looks service up in opts.Registry and dials the endpoint opts.Balancer
// picks, round robin by default.
func DialService(ctx context.Context, service string, opts Options) (*Client, error) {
	opts.normalize()
	if opts.Registry == nil {
		return nil, errors.New("client: DialService needs a registry")
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	endpoints, err := opts.Registry.Discover(ctx, service)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	if len(endpoints) == 0 {
		return nil, errors.Wrap(registry.ErrNotFound, service)
	}
	ep, err := opts.Balancer.Pick(opts.ID, endpoints)
	if err != nil {
		return nil, err
	}
	opts.Stream.Codec = codec.CodecType(ep.Codec)
	c, err := Dial(ctx, ep.Socket, opts)
	if err != nil {
		return nil, err
	}
	c.endpoint = ep
	c.log.WithFields(logrus.Fields{"service": service, "endpoint": ep.ID, "balancer": opts.Balancer.Name()}).Debug("connected")
	return c, nil
}

// ServeFunc attaches a service to the other end of an in-process connection, for
// example (*server.Server).ServePort.
type ServeFunc func(port transport.Port, memory shm.Resolver) error

// Connect pairs a client with an in-process service over a transport.Pipe. The shared
// memory is a heap buffer both ends resolve through one table.
func Connect(serve ServeFunc, opts Options) (*Client, error) {
	opts.normalize()
	size := opts.SegmentSize
	if size == 0 {
		size = DefaultOptions().SegmentSize
	}
	buf, err := shm.New(size, opts.SegmentMax)
	if err != nil {
		return nil, err
	}
	table := shm.NewTable(buf)
	local, remote := transport.Pipe()
	if err := serve(remote, table); err != nil {
		local.Close()
		return nil, errors.Wrap(err, "attach in-process service")
	}
	return newClient(local, buf, table, opts)
}

func newClient(port transport.Port, buf *shm.Buffer, memory shm.Resolver, opts Options) (*Client, error) {
	a, err := alloc.New(buf)
	if err != nil {
		return nil, errors.Wrap(err, "attach allocator")
	}
	ropts := rpc.DefaultOptions()
	ropts.Logger = opts.Logger
	ropts.Allocator = a
	ropts.Memory = memory
	ropts.SyncTimeout = opts.SyncTimeout
	conn := rpc.NewConnection(port, ropts)
	conn.Start()
	return &Client{
		Connection: conn,
		memory:     buf,
		alloc:      a,
		log:        opts.Logger.WithField("component", "client"),
	}, nil
}

// Endpoint returns the endpoint the client is connected to. In-process clients return
// the zero endpoint.
func (c *Client) Endpoint() registry.Endpoint { return c.endpoint }

// Memory reports the allocator statistics of the client's shared memory.
func (c *Client) Memory() alloc.Stats { return c.alloc.Stats() }

// Close disposes the connection and releases the shared memory.
func (c *Client) Close() error {
	return multierr.Append(c.Dispose(), c.memory.Close())
}
