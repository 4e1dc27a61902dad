package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

// ErrChannelClosed is returned by Send after either end closed the channel
var ErrChannelClosed = errors.New("channel closed")

// HostSource is the source tag of messages a module receives from its host
const HostSource = "host"

// Inbound is a received message tagged with the handle of its sender
type Inbound struct {
	Source  string
	Message protocol.Message
}

// Channel is a duplex message link between a host and an isolated context.
// Receive is closed once the channel is closed.
type Channel interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive() <-chan Inbound
	Close() error
}

const (
	pipeBuffer   = 64
	drainTimeout = time.Second
)

// pipe is the state shared by both ends of an in-process channel
type pipe struct {
	done chan struct{}
	once sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeEnd struct {
	pipe   *pipe
	source string
	in     chan Inbound
	out    chan Inbound
	peer   *pipeEnd
}

// Pipe returns two connected ends. Messages sent on the module end arrive
// at the host end tagged with handle; messages sent on the host end arrive
// tagged with HostSource. Closing either end closes both; messages already
// sent are still delivered to a reader that keeps receiving.
func Pipe(handle string) (host, module Channel) {
	p := &pipe{done: make(chan struct{})}
	h := &pipeEnd{pipe: p, source: HostSource, in: make(chan Inbound, pipeBuffer), out: make(chan Inbound)}
	m := &pipeEnd{pipe: p, source: handle, in: make(chan Inbound, pipeBuffer), out: make(chan Inbound)}
	h.peer, m.peer = m, h
	go h.pump()
	go m.pump()
	return h, m
}

func (e *pipeEnd) pump() {
	defer close(e.out)
	for {
		select {
		case in := <-e.in:
			select {
			case e.out <- in:
			case <-e.pipe.done:
				e.drain(&in)
				return
			}
		case <-e.pipe.done:
			e.drain(nil)
			return
		}
	}
}

// drain hands messages sent before close to a reader that is still
// receiving, for at most drainTimeout
func (e *pipeEnd) drain(first *Inbound) {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	if first != nil {
		select {
		case e.out <- *first:
		case <-deadline.C:
			return
		}
	}
	for {
		select {
		case in := <-e.in:
			select {
			case e.out <- in:
			case <-deadline.C:
				return
			}
		default:
			return
		}
	}
}

func (e *pipeEnd) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-e.pipe.done:
		return ErrChannelClosed
	default:
	}
	select {
	case e.peer.in <- Inbound{Source: e.source, Message: msg}:
		return nil
	case <-e.pipe.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *pipeEnd) Receive() <-chan Inbound { return e.out }

func (e *pipeEnd) Close() error {
	e.pipe.close()
	return nil
}
