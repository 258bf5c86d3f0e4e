// Package server hosts registered services for sync-rpc clients.
//
// Every accepted connection gets its own rpc.Connection. The client creates the shared
// segment and sends its memory id with each sync call; the server maps segments on first
// use through a per-connection shm.SegmentTable.
//
//	Accept conn → StreamPort → rpc.Connection ──SyncCall──→ SegmentTable.Resolve(id)
//	                                 │                        → region in client segment
//	                                 └─ "service/method" → middleware chain → reflect.Call
package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"sync-rpc/alloc"
	"sync-rpc/middleware"
	"sync-rpc/registry"
	"sync-rpc/rpc"
	"sync-rpc/shm"
	"sync-rpc/transport"
)

var ErrServerClosed = errors.New("server: closed")

// Options configures a Server.
type Options struct {
	Logger logrus.FieldLogger
	Stream transport.StreamOptions
	// CancelPollInterval is passed to every connection, see rpc.Options.
	CancelPollInterval time.Duration

	// Registry, when set, receives an endpoint for the listening socket under
	// ServiceName.
	Registry    registry.Registry
	ServiceName string
	TTL         int64 // seconds
	Weight      int
	Version     string
}

func DefaultOptions() Options {
	return Options{
		Stream:             transport.DefaultStreamOptions(),
		CancelPollInterval: rpc.DefaultOptions().CancelPollInterval,
		TTL:                10,
		Weight:             1,
		Version:            "1",
	}
}

// Server accepts connections on a unix socket and answers calls to its registered
// services.
type Server struct {
	opts Options
	log  logrus.FieldLogger

	mu          sync.Mutex
	serviceMap  map[string]*service // "fileSystem" → *service
	middlewares []middleware.Middleware
	conns       map[*rpc.Connection]struct{}
	listener    net.Listener
	endpoint    registry.Endpoint // registered endpoint, zero without registry

	shutdown atomic.Bool    // suppresses Accept errors during Shutdown
	wg       sync.WaitGroup // per-connection cleanup goroutines
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = opts.Logger
	}
	return &Server{
		opts:       opts,
		log:        opts.Logger.WithField("component", "server"),
		serviceMap: make(map[string]*service),
		conns:      make(map[*rpc.Connection]struct{}),
	}
}

// Register publishes the methods of rcvr (e.g. &FileSystem{}) under its lower camel
// case type name, so FileSystem.Stat is called as "fileSystem/stat".
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName is Register with an explicit service name.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.serviceMap[svc.name]; dup {
		return errors.Errorf("server: service %q already registered", svc.name)
	}
	s.serviceMap[svc.name] = svc
	return nil
}

// Use appends middlewares for connections accepted afterwards.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mws...)
}

// Methods lists the wire names of every registered method.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, svc := range s.serviceMap {
		for _, mt := range svc.method {
			names = append(names, svc.name+"/"+mt.name)
		}
	}
	sort.Strings(names)
	return names
}

// ServePort answers calls arriving on port. memory resolves the regions of incoming sync
// calls; a is optional and only needed to issue sync calls back to the peer. The
// returned connection is already started.
func (s *Server) ServePort(port transport.Port, memory shm.Resolver, a *alloc.Allocator) (*rpc.Connection, error) {
	if s.shutdown.Load() {
		port.Close()
		return nil, ErrServerClosed
	}
	s.mu.Lock()
	opts := rpc.DefaultOptions()
	opts.Logger = s.opts.Logger
	opts.Memory = memory
	opts.Allocator = a
	opts.CancelPollInterval = s.opts.CancelPollInterval
	opts.Middlewares = append([]middleware.Middleware(nil), s.middlewares...)
	c := rpc.NewConnection(port, opts)
	for _, svc := range s.serviceMap {
		for _, mt := range svc.method {
			s.bind(c, svc, mt)
		}
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.Start()
	go func() {
		<-c.Done()
		s.forget(c)
	}()
	return c, nil
}

func (s *Server) bind(c *rpc.Connection, svc *service, mt *methodType) {
	method := svc.name + "/" + mt.name
	c.OnAsyncCall(method, func(ctx context.Context, call *rpc.Call) (any, error) {
		return svc.call(ctx, mt, call.Bind, nil)
	})
	c.OnSyncCall(method, func(ctx context.Context, call *rpc.SyncCall) (any, error) {
		return svc.call(ctx, mt, call.Bind, call.Binary)
	})
	c.OnNotify(method, func(ctx context.Context, call *rpc.Call) {
		if _, err := svc.call(ctx, mt, call.Bind, nil); err != nil {
			s.log.WithError(err).WithField("method", method).Warn("notification failed")
		}
	})
}

func (s *Server) forget(c *rpc.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Serve listens on the unix socket at path until Shutdown. A stale socket file left by
// a dead server is replaced, as are segment files of dead clients.
func (s *Server) Serve(path string) error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	if n, err := shm.PruneSegments(); err != nil {
		s.log.WithError(err).Debug("segment pruning unavailable")
	} else if n > 0 {
		s.log.WithField("count", n).Info("removed stale segments")
	}
	if err := removeStaleSocket(path); err != nil {
		return err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", path)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.WithField("socket", path).Info("serving")

	if s.opts.Registry != nil {
		if err := s.register(path); err != nil {
			l.Close()
			return err
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.serveConn(conn)
	}
}

func (s *Server) register(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "resolve socket path")
	}
	ep := registry.Endpoint{
		ID:      uuid.NewString(),
		Socket:  abs,
		Codec:   byte(s.opts.Stream.Codec),
		Weight:  s.opts.Weight,
		Version: s.opts.Version,
		PID:     os.Getpid(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Registry.Register(ctx, s.opts.ServiceName, ep, s.opts.TTL); err != nil {
		return errors.Wrapf(err, "register %s", s.opts.ServiceName)
	}
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	port := transport.NewStreamPort(conn, s.opts.Stream)
	segments := shm.NewSegmentTable()
	c, err := s.ServePort(port, segments, nil)
	if err != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-c.Done()
		// handlers may still be writing into the client's segment
		c.Wait(context.Background())
		if err := segments.Close(); err != nil {
			s.log.WithError(err).Warn("unmapping client segments")
		}
		s.log.WithError(c.Err()).Debug("connection closed")
	}()
}

// Shutdown stops accepting, removes the registry endpoint, disposes every connection
// and waits up to timeout for their handlers to return. Running handlers see their
// context cancelled; sync callers see their call fail with the cancellation code.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	l, ep := s.listener, s.endpoint
	conns := make([]*rpc.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.opts.Registry != nil && ep.ID != "" {
		err = multierr.Append(err, s.opts.Registry.Deregister(ctx, s.opts.ServiceName, ep.ID))
	}
	if l != nil {
		err = multierr.Append(err, l.Close())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error {
			c.Dispose()
			return c.Wait(gctx)
		})
	}
	if werr := g.Wait(); werr != nil {
		return multierr.Append(err, errors.Wrap(werr, "waiting for handlers"))
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		err = multierr.Append(err, errors.Wrap(ctx.Err(), "waiting for connections"))
	}
	return err
}

// removeStaleSocket deletes a socket file nobody accepts on.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		conn.Close()
		return errors.Errorf("server: %s is in use", path)
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "remove stale socket %s", path)
	}
	return nil
}
