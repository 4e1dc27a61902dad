package runtime

import (
	"context"
	"errors"
	"sync"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// ErrAlreadyAttached is returned when a second transport claims a session
var ErrAlreadyAttached = errors.New("context already attached")

const relayQueue = 64

// RemoteOpener opens contexts that live outside the process. The context
// loads its document over HTTP and attaches its transport (a websocket)
// once connected. Until then, messages for it are queued.
type RemoteOpener struct {
	mu     sync.Mutex
	relays map[id.SessionID]*relay
}

// NewRemoteOpener creates an opener with no contexts
func NewRemoteOpener() *RemoteOpener {
	return &RemoteOpener{relays: make(map[id.SessionID]*relay)}
}

func (o *RemoteOpener) Open(ctx context.Context, spec ContextSpec) (Channel, error) {
	r := &relay{
		opener:   o,
		session:  spec.SessionID,
		handle:   spec.Handle.String(),
		document: spec.Document,
		out:      make(chan Inbound),
		attached: make(chan Channel, 1),
		done:     make(chan struct{}),
	}
	o.mu.Lock()
	o.relays[spec.SessionID] = r
	o.mu.Unlock()
	go r.run()
	return r, nil
}

// Document returns the document a remote context should load
func (o *RemoteOpener) Document(sessionID id.SessionID) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.relays[sessionID]
	if !ok {
		return "", false
	}
	return r.document, true
}

// Attach connects transport to the session's context. Everything received
// on transport is treated as coming from the context handle.
func (o *RemoteOpener) Attach(sessionID id.SessionID, transport Channel) error {
	o.mu.Lock()
	r, ok := o.relays[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return r.attach(transport)
}

func (o *RemoteOpener) forget(sessionID id.SessionID, r *relay) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.relays[sessionID] == r {
		delete(o.relays, sessionID)
	}
}

// relay is the session-side Channel of a remote context
type relay struct {
	opener   *RemoteOpener
	session  id.SessionID
	handle   string
	document string
	out      chan Inbound
	attached chan Channel
	done     chan struct{}
	once     sync.Once

	mu        sync.Mutex
	transport Channel
	queued    []protocol.Message
}

func (r *relay) attach(transport Channel) error {
	r.mu.Lock()
	if r.transport != nil {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	select {
	case <-r.done:
		r.mu.Unlock()
		return ErrChannelClosed
	default:
	}
	// flush under the lock so later sends cannot overtake queued ones
	for _, msg := range r.queued {
		if err := transport.Send(context.Background(), msg); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.queued = nil
	r.transport = transport
	r.mu.Unlock()

	r.attached <- transport
	return nil
}

// run owns out. It relays the transport once attached and closes out when
// either side goes away.
func (r *relay) run() {
	defer close(r.out)
	var inbound <-chan Inbound
	for {
		select {
		case transport := <-r.attached:
			inbound = transport.Receive()
		case in, ok := <-inbound:
			if !ok {
				_ = r.Close()
				return
			}
			in.Source = r.handle
			select {
			case r.out <- in:
			case <-r.done:
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *relay) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-r.done:
		return ErrChannelClosed
	default:
	}
	r.mu.Lock()
	transport := r.transport
	if transport == nil {
		defer r.mu.Unlock()
		if len(r.queued) >= relayQueue {
			return errors.New("remote context not attached: queue full")
		}
		r.queued = append(r.queued, msg)
		return nil
	}
	r.mu.Unlock()
	return transport.Send(ctx, msg)
}

func (r *relay) Receive() <-chan Inbound { return r.out }

func (r *relay) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.opener.forget(r.session, r)
		r.mu.Lock()
		transport := r.transport
		r.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
	})
	return nil
}
