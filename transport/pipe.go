package transport

import (
	"sync"

	"github.com/pkg/errors"

	"sync-rpc/codec"
	"sync-rpc/message"
)

// pipeState is shared by both ends: closing either end closes the pipe.
type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeState) close() { s.once.Do(func() { close(s.done) }) }

// pipeEnd queues incoming messages without bound so a sender never blocks on a slow
// receiver, the way a host message channel behaves.
type pipeEnd struct {
	state *pipeState
	peer  *pipeEnd
	codec codec.Codec

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*message.Message
	started bool
}

// Pipe returns the two connected ends of an in-process port.
func Pipe() (Port, Port) {
	return PipeWithCodec(codec.GetCodec(codec.CodecTypeBinary))
}

// PipeWithCodec is Pipe with the codec used to copy messages between the ends.
func PipeWithCodec(c codec.Codec) (Port, Port) {
	state := &pipeState{done: make(chan struct{})}
	a := &pipeEnd{state: state, codec: c}
	b := &pipeEnd{state: state, codec: c}
	a.cond, b.cond = sync.NewCond(&a.mu), sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	go a.wakeOnClose()
	go b.wakeOnClose()
	return a, b
}

func (p *pipeEnd) wakeOnClose() {
	<-p.state.done
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipeEnd) closed() bool {
	select {
	case <-p.state.done:
		return true
	default:
		return false
	}
}

// PostMessage copies msg so the receiver never shares memory with the sender, then
// queues the copy at the peer.
func (p *pipeEnd) PostMessage(msg *message.Message) error {
	if p.closed() {
		return ErrClosed
	}
	data, err := p.codec.Encode(msg)
	if err != nil {
		return errors.Wrapf(ErrUnencodable, "%s: %v", msg, err)
	}
	clone := &message.Message{}
	if err := p.codec.Decode(data, clone); err != nil {
		return err
	}

	peer := p.peer
	peer.mu.Lock()
	peer.queue = append(peer.queue, clone)
	peer.cond.Signal()
	peer.mu.Unlock()
	return nil
}

func (p *pipeEnd) OnMessage(handler func(*message.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.deliver(handler)
}

func (p *pipeEnd) deliver(handler func(*message.Message)) {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed() {
			p.cond.Wait()
		}
		if p.closed() {
			p.queue = nil
			p.mu.Unlock()
			return
		}
		msg := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		handler(msg)
	}
}

func (p *pipeEnd) Done() <-chan struct{} { return p.state.done }

func (p *pipeEnd) Err() error {
	if p.closed() {
		return ErrClosed
	}
	return nil
}

func (p *pipeEnd) Close() error {
	p.state.close()
	return nil
}
