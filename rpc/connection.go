// Package rpc implements the connection between two endpoints: async calls answered by
// response messages, notifications, and sync calls that block the caller on a flag in
// shared memory until the peer's handler signals completion.
//
//	caller                               port                     handler side
//	CallAsync ── AsyncCall{id} ───────────────────────────────→ OnAsyncCall handler
//	          ←─ AsyncResponse{id} ─────────────────────────────
//	Notify    ── Notification ──────────────────────────────────→ OnNotify handler
//	CallSync  ── SyncCall{region} ──────────────────────────────→ OnSyncCall handler
//	   │                                                             │ writes result
//	   └─ Wait(flag) ←──────────── flag=1 + Notify ──────────────────┘ into region
//
// A sync call blocks an OS thread until the peer answers, so it must only be issued
// between independently scheduled contexts: another goroutine that is free to run, or
// another process. A context that handles its own sync calls on the same goroutine
// deadlocks.
package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"sync-rpc/alloc"
	"sync-rpc/message"
	"sync-rpc/middleware"
	"sync-rpc/shm"
	"sync-rpc/transport"
)

// Options configures a Connection.
type Options struct {
	Logger logrus.FieldLogger
	// Memory resolves the memory ids of regions sent by the peer. Defaults to a table
	// holding the allocator's buffer.
	Memory shm.Resolver
	// Allocator provides the regions of outgoing sync calls. Without it CallSync fails
	// with ErrNoAllocator; the connection can still handle incoming sync calls.
	Allocator *alloc.Allocator
	// SyncTimeout applies to CallSync calls that pass no timeout of their own. 0 waits
	// forever.
	SyncTimeout time.Duration
	// CancelPollInterval is how often a running sync handler checks whether its caller
	// cancelled.
	CancelPollInterval time.Duration
	Middlewares        []middleware.Middleware
}

func DefaultOptions() Options {
	return Options{
		SyncTimeout:        30 * time.Second,
		CancelPollInterval: 5 * time.Millisecond,
	}
}

// Connection is one endpoint of a two-endpoint RPC connection over a transport.Port.
// It is safe for concurrent use.
type Connection struct {
	port transport.Port
	opts Options
	log  logrus.FieldLogger

	seq     atomic.Uint32 // last async call id
	pending sync.Map      // map[uint32]*pendingCall

	mu            sync.RWMutex
	asyncHandlers map[string]AsyncHandler
	syncHandlers  map[string]SyncHandler
	notifyHandles map[string]NotifyHandler
	middlewares   []middleware.Middleware

	inflight   sync.Map // map[uint32]context.CancelFunc, async calls being handled
	syncCalls  sync.Map // map[uint32]syncCall, outgoing sync calls being waited on
	abandonMu  sync.Mutex
	abandoned  []abandonedRegion
	reclaimed  bool // final reclaim ran, abandoned regions are no longer queued
	handlersWG sync.WaitGroup

	ctx       context.Context // cancelled at Dispose, parent of every handler context
	cancel    context.CancelFunc
	startOnce sync.Once
	disposed  atomic.Bool
	closeOnce sync.Once
	closeErr  error
	reason    error
	done      chan struct{}
}

type pendingCall struct {
	method string
	ch     chan *message.Message
}

// NewConnection creates a connection over port. Handlers may be registered before or
// after Start; messages are not read from the port before Start.
func NewConnection(port transport.Port, opts Options) *Connection {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Memory == nil {
		table := shm.NewTable()
		if opts.Allocator != nil {
			table.Add(opts.Allocator.Buffer())
		}
		opts.Memory = table
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = DefaultOptions().CancelPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		port:          port,
		opts:          opts,
		log:           opts.Logger.WithField("component", "rpc"),
		asyncHandlers: make(map[string]AsyncHandler),
		syncHandlers:  make(map[string]SyncHandler),
		notifyHandles: make(map[string]NotifyHandler),
		middlewares:   append([]middleware.Middleware(nil), opts.Middlewares...),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Use appends middlewares to the chain every incoming call passes through.
func (c *Connection) Use(mws ...middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mws...)
}

// Start begins reading messages from the port. The connection disposes itself when
// the port fails.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		c.port.OnMessage(c.handleMessage)
		go func() {
			select {
			case <-c.port.Done():
				c.dispose(c.port.Err())
			case <-c.done:
			}
		}()
	})
}

// Done is closed once the connection is disposed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection was disposed: ErrDisposed after Dispose, the port's
// failure otherwise.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// Dispose closes the port, rejects every pending call, cancels running handlers and
// clears the handler tables. It is idempotent.
func (c *Connection) Dispose() error {
	return c.dispose(ErrDisposed)
}

func (c *Connection) dispose(reason error) error {
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrDisposed
		} else if !errors.Is(reason, ErrDisposed) {
			reason = errors.Wrap(ErrDisposed, reason.Error())
		}
		c.reason = reason
		c.disposed.Store(true)
		c.cancel()
		close(c.done)

		c.pending.Range(func(key, _ any) bool {
			if p, ok := c.pending.LoadAndDelete(key); ok {
				close(p.(*pendingCall).ch)
			}
			return true
		})
		c.syncCalls.Range(func(_, v any) bool {
			v.(syncCall).region.Abandon()
			return true
		})

		c.mu.Lock()
		clear(c.asyncHandlers)
		clear(c.syncHandlers)
		clear(c.notifyHandles)
		c.mu.Unlock()

		c.closeErr = multierr.Append(c.port.Close(), c.reclaim(true))
		c.log.WithError(reason).Debug("connection disposed")
	})
	return c.closeErr
}

// Wait blocks until every handler started by this connection returned, or ctx ends.
func (c *Connection) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.handlersWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) handleMessage(msg *message.Message) {
	if c.disposed.Load() {
		return
	}
	if err := msg.Validate(); err != nil {
		c.log.WithError(err).WithField("kind", msg.Kind).Warn("dropping malformed message")
		return
	}
	switch msg.Kind {
	case message.KindAsyncResponse:
		c.handleResponse(msg)
	case message.KindAsyncCall:
		// registered before the handler goroutine starts so a cancel request that
		// follows the call on the port always finds it
		ctx, cancel := context.WithCancel(c.ctx)
		c.inflight.Store(msg.ID, cancel)
		c.spawn(func() { c.handleAsyncCall(ctx, cancel, msg) })
	case message.KindSyncCall:
		c.spawn(func() { c.handleSyncCall(msg) })
	case message.KindNotification:
		if msg.Method == CancelRequestMethod {
			c.handleCancelRequest(msg.Params)
			return
		}
		c.spawn(func() { c.handleNotification(msg) })
	}
}

func (c *Connection) spawn(fn func()) {
	c.handlersWG.Add(1)
	go func() {
		defer c.handlersWG.Done()
		fn()
	}()
}

func (c *Connection) handleResponse(msg *message.Message) {
	p, ok := c.pending.LoadAndDelete(msg.ID)
	if !ok {
		c.log.WithField("id", msg.ID).Debug("response for unknown or cancelled call")
		return
	}
	p.(*pendingCall).ch <- msg
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(params)
}
