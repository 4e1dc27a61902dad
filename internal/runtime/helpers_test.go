package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

const waitFor = 2 * time.Second

// scriptedChannel is a host-side channel whose inbound traffic the test
// writes directly, so it can forge sources
type scriptedChannel struct {
	in     chan Inbound
	sent   chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{
		in:     make(chan Inbound, 64),
		sent:   make(chan protocol.Message, 1024),
		closed: make(chan struct{}),
	}
}

func (c *scriptedChannel) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.sent <- msg:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *scriptedChannel) Receive() <-chan Inbound { return c.in }

func (c *scriptedChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeContext is the module side of a scripted channel
type fakeContext struct {
	spec ContextSpec
	ch   *scriptedChannel
}

func (c *fakeContext) post(t *testing.T, typ protocol.MessageType, requestID string, payload any) {
	t.Helper()
	c.postAs(t, c.spec.Handle.String(), c.spec.ModuleID, typ, requestID, payload)
}

func (c *fakeContext) postAs(t *testing.T, source, moduleID string, typ protocol.MessageType, requestID string, payload any) {
	t.Helper()
	msg := protocol.MustMessage(typ, moduleID, requestID, payload)
	select {
	case c.ch.in <- Inbound{Source: source, Message: msg}:
	case <-time.After(waitFor):
		t.Fatalf("post %s: session not reading", typ)
	}
}

func (c *fakeContext) request(t *testing.T, requestID string, typ protocol.MessageType, payload any) {
	t.Helper()
	raw, err := protocol.NewMessage(typ, c.spec.ModuleID, requestID, payload)
	require.NoError(t, err)
	c.post(t, protocol.TypeBridgeRequest, requestID, protocol.BridgeCall{Type: typ, Payload: raw.Payload})
}

// expect returns the next message of type typ, skipping heartbeats
// unless typ is HEARTBEAT
func (c *fakeContext) expect(t *testing.T, typ protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg := <-c.ch.sent:
			if msg.Type == typ {
				return msg
			}
			if msg.Type == protocol.TypeHeartbeat {
				continue
			}
			t.Fatalf("expected %s, got %s", typ, msg.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// bridgeResponse returns the next BRIDGE_RESPONSE's inner reply
func (c *fakeContext) bridgeResponse(t *testing.T) (protocol.Message, protocol.Response) {
	t.Helper()
	msg := c.expect(t, protocol.TypeBridgeResponse)
	var reply protocol.Message
	require.NoError(t, msg.DecodePayload(&reply))
	require.Equal(t, msg.RequestID, reply.RequestID)
	resp, err := reply.Response()
	require.NoError(t, err)
	return reply, resp
}

type fakeOpener struct {
	opened chan *fakeContext
	err    error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan *fakeContext, 8)}
}

func (o *fakeOpener) Open(ctx context.Context, spec ContextSpec) (Channel, error) {
	if o.err != nil {
		return nil, o.err
	}
	ch := newScriptedChannel()
	o.opened <- &fakeContext{spec: spec, ch: ch}
	return ch, nil
}

func (o *fakeOpener) next(t *testing.T) *fakeContext {
	t.Helper()
	select {
	case c := <-o.opened:
		return c
	case <-time.After(waitFor):
		t.Fatal("no context opened")
		return nil
	}
}

// forwardFunc adapts a function to Forwarder
type forwardFunc func(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (protocol.Message, error)

func (f forwardFunc) Forward(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (protocol.Message, error) {
	return f(ctx, mc, msg)
}

// blockingForwarder holds every request until its context ends
func blockingForwarder(calls *atomic.Int32) Forwarder {
	return forwardFunc(func(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (protocol.Message, error) {
		calls.Add(1)
		<-ctx.Done()
		return protocol.Message{}, ctx.Err()
	})
}

func okForwarder() Forwarder {
	return forwardFunc(func(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (protocol.Message, error) {
		return protocol.Reply(msg, protocol.OK(map[string]any{"echo": string(msg.Type)})), nil
	})
}

func testModule(t *testing.T, manifest compiler.Manifest) *compiler.CompiledModule {
	t.Helper()
	if manifest.ID == "" {
		manifest.ID = "m1"
	}
	mod, err := compiler.New(nil).Compile(compiler.Input{
		Files: []compiler.SourceFile{{
			Path:    "index.js",
			Kind:    compiler.KindScript,
			Content: "export default function App() { return '<p>hi</p>'; }\n",
		}},
		Manifest: manifest,
	})
	require.NoError(t, err)
	return mod
}

func testConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		StallMultiplier:   3,
		RequestTimeout:    time.Second,
		SendTimeout:       time.Second,
	}
}

// recorder collects handler callbacks
type recorder struct {
	mu      sync.Mutex
	states  []State
	errs    []error
	resizes []Dimensions
	ready   chan struct{}
	errCh   chan error
	resized chan Dimensions
}

func newRecorder() *recorder {
	return &recorder{
		ready:   make(chan struct{}, 4),
		errCh:   make(chan error, 64),
		resized: make(chan Dimensions, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnReady: func() { r.ready <- struct{}{} },
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			select {
			case r.errCh <- err:
			default:
			}
		},
		OnResize: func(d Dimensions) {
			r.mu.Lock()
			r.resizes = append(r.resizes, d)
			r.mu.Unlock()
			r.resized <- d
		},
		OnStateChange: func(from, to State) {
			r.mu.Lock()
			r.states = append(r.states, to)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-r.ready:
	case <-time.After(waitFor):
		t.Fatal("session never became ready")
	}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(waitFor):
		t.Fatal("no error reported")
		return nil
	}
}

func (r *recorder) waitResize(t *testing.T) Dimensions {
	t.Helper()
	select {
	case d := <-r.resized:
		return d
	case <-time.After(waitFor):
		t.Fatal("no resize reported")
		return Dimensions{}
	}
}
