package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sync-rpc/codec"
	"sync-rpc/message"
	"sync-rpc/protocol"
)

var ErrIdleTimeout = errors.New("transport: peer silent for too long")

// StreamOptions configures a StreamPort.
type StreamOptions struct {
	Codec codec.CodecType
	// Heartbeat is the interval between heartbeat frames, 0 disables them.
	Heartbeat time.Duration
	// IdleTimeout closes the port when no frame at all arrived for this long, 0 disables
	// the check. It should be a few Heartbeat intervals of the peer.
	IdleTimeout time.Duration
	Logger      logrus.FieldLogger
}

func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Codec:       codec.CodecTypeBinary,
		Heartbeat:   10 * time.Second,
		IdleTimeout: 35 * time.Second,
	}
}

// StreamPort carries messages as protocol frames over a byte stream, typically a unix
// socket between the two processes of a cross-process connection. A single goroutine
// (recvLoop) reads frames; writers share the stream under the sending mutex.
//
//	goroutine-1 ──PostMessage──┐
//	goroutine-2 ──PostMessage──┼──→ stream ──→ peer
//	heartbeat   ──────────────┘
//
//	recvLoop: ←── frame → decode → handler(msg)
type StreamPort struct {
	conn    io.ReadWriteCloser
	codec   codec.Codec
	opts    StreamOptions
	log     logrus.FieldLogger
	sending sync.Mutex // Write lock, frames of concurrent senders must not interleave

	lastSeen atomic.Int64 // unix nanos of the last frame received
	start    sync.Once

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewStreamPort wraps conn. Reading starts when the handler is installed with
// OnMessage; heartbeats start immediately.
func NewStreamPort(conn io.ReadWriteCloser, opts StreamOptions) *StreamPort {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &StreamPort{
		conn:  conn,
		codec: codec.GetCodec(opts.Codec),
		opts:  opts,
		log:   log.WithField("component", "stream-port"),
		done:  make(chan struct{}),
	}
	p.lastSeen.Store(time.Now().UnixNano())
	if opts.Heartbeat > 0 {
		go p.heartbeatLoop(opts.Heartbeat)
	}
	return p
}

func (p *StreamPort) PostMessage(msg *message.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	body, err := p.codec.Encode(msg)
	if err != nil {
		return errors.Wrapf(ErrUnencodable, "%s: %v", msg, err)
	}
	if uint32(len(body)) > protocol.MaxBodySize {
		return errors.Wrapf(ErrUnencodable, "%s: body of %d bytes exceeds frame limit %d", msg, len(body), protocol.MaxBodySize)
	}
	header := protocol.Header{
		CodecType: byte(p.codec.Type()),
		MsgType:   protocol.MsgType(msg.Kind),
		Seq:       msg.ID,
	}

	p.sending.Lock()
	defer p.sending.Unlock()
	if err := protocol.Encode(p.conn, &header, body); err != nil {
		p.fail(errors.Wrap(err, "write frame"))
		return err
	}
	return nil
}

func (p *StreamPort) OnMessage(handler func(*message.Message)) {
	p.start.Do(func() { go p.recvLoop(handler) })
}

// recvLoop runs in a dedicated goroutine; frame boundaries can only be parsed by a
// single sequential reader.
func (p *StreamPort) recvLoop(handler func(*message.Message)) {
	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			p.fail(err)
			return
		}
		p.lastSeen.Store(time.Now().UnixNano())
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		msg := &message.Message{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, msg); err != nil {
			p.log.WithError(err).WithField("seq", header.Seq).Warn("dropping undecodable frame")
			continue
		}
		if protocol.MsgType(msg.Kind) != header.MsgType {
			p.log.WithFields(logrus.Fields{"frame": header.MsgType, "kind": msg.Kind}).
				Warn("dropping frame whose type does not match its message")
			continue
		}
		handler(msg)
	}
}

// heartbeatLoop sends periodic heartbeat frames and, when IdleTimeout is set, closes
// the port once the peer has been silent for longer than that.
func (p *StreamPort) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		if idle := p.opts.IdleTimeout; idle > 0 {
			if silent := time.Since(time.Unix(0, p.lastSeen.Load())); silent > idle {
				p.fail(errors.Wrapf(ErrIdleTimeout, "no frame for %s", silent.Round(time.Millisecond)))
				return
			}
		}
		header := &protocol.Header{CodecType: byte(p.codec.Type()), MsgType: protocol.MsgTypeHeartbeat}
		p.sending.Lock()
		err := protocol.Encode(p.conn, header, nil)
		p.sending.Unlock()
		if err != nil {
			p.fail(errors.Wrap(err, "write heartbeat"))
			return
		}
	}
}

// fail closes the port with err as the reason; only the first reason is kept.
func (p *StreamPort) fail(err error) {
	p.closeOnce.Do(func() {
		p.err = err
		if !errors.Is(err, ErrClosed) {
			p.log.WithError(err).Debug("stream port closed")
		}
		p.conn.Close()
		close(p.done)
	})
}

func (p *StreamPort) Done() <-chan struct{} { return p.done }

func (p *StreamPort) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *StreamPort) Close() error {
	p.fail(ErrClosed)
	return nil
}
