package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

func newClientPair(t *testing.T, opts ClientOptions) (*Client, Channel) {
	t.Helper()
	host, module := Pipe("ctx_1")
	c := NewClient(module, "m1", opts)
	t.Cleanup(func() {
		_ = c.Close()
		_ = host.Close()
	})
	return c, host
}

// nextRequest reads the next BRIDGE_REQUEST the client sent
func nextRequest(t *testing.T, host Channel) (protocol.Message, protocol.BridgeCall) {
	t.Helper()
	in := receive(t, host)
	require.Equal(t, protocol.TypeBridgeRequest, in.Message.Type)
	var call protocol.BridgeCall
	require.NoError(t, in.Message.DecodePayload(&call))
	return in.Message, call
}

func respond(t *testing.T, host Channel, req protocol.Message, call protocol.BridgeCall, resp protocol.Response) {
	t.Helper()
	inner := protocol.Reply(protocol.Message{Type: call.Type, ModuleID: req.ModuleID, RequestID: req.RequestID}, resp)
	msg := protocol.MustMessage(protocol.TypeBridgeResponse, req.ModuleID, req.RequestID, inner)
	require.NoError(t, host.Send(context.Background(), msg))
}

func TestClientCall(t *testing.T) {
	c, host := newClientPair(t, ClientOptions{})

	type result struct {
		Records []map[string]any `json:"records"`
	}
	var out result
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), protocol.TypeDBQuery, map[string]any{"dataKey": "notes"}, &out)
	}()

	req, call := nextRequest(t, host)
	assert.Equal(t, "m1", req.ModuleID)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, protocol.TypeDBQuery, call.Type)
	assert.JSONEq(t, `{"dataKey":"notes"}`, string(call.Payload))

	respond(t, host, req, call, protocol.OK(map[string]any{"records": []map[string]any{{"id": "r1"}}}))
	require.NoError(t, <-errCh)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "r1", out.Records[0]["id"])
	assert.Equal(t, 0, c.Pending())
}

func TestClientCallFailure(t *testing.T) {
	c, host := newClientPair(t, ClientOptions{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), protocol.TypeSecretGet, map[string]any{"name": "KEY"}, nil)
	}()
	req, call := nextRequest(t, host)
	respond(t, host, req, call, protocol.Fail(protocol.CodePermissionDenied, "secrets:read required").
		WithDetails(map[string]any{"required": "secrets:read"}))

	err := <-errCh
	var bridgeErr *BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, protocol.CodePermissionDenied, bridgeErr.Code)
	assert.Equal(t, "secrets:read required", bridgeErr.Message)
	assert.Equal(t, "secrets:read", bridgeErr.Details["required"])
}

func TestClientMatchesOutOfOrderResponses(t *testing.T) {
	c, host := newClientPair(t, ClientOptions{})

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, key := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			var out struct {
				Key string `json:"key"`
			}
			if err := c.Call(context.Background(), protocol.TypeDBQuery, map[string]any{"dataKey": key}, &out); err == nil {
				results[i] = out.Key
			}
		}(i, key)
	}

	type pendingCall struct {
		req  protocol.Message
		call protocol.BridgeCall
	}
	var calls []pendingCall
	for range results {
		req, call := nextRequest(t, host)
		calls = append(calls, pendingCall{req, call})
	}
	for i := len(calls) - 1; i >= 0; i-- {
		var p struct {
			DataKey string `json:"dataKey"`
		}
		require.NoError(t, protocol.Message{Payload: calls[i].call.Payload}.DecodePayload(&p))
		respond(t, host, calls[i].req, calls[i].call, protocol.OK(map[string]any{"key": p.DataKey}))
	}
	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, results)
}

func TestClientAnswersHeartbeats(t *testing.T) {
	_, host := newClientPair(t, ClientOptions{})

	require.NoError(t, host.Send(context.Background(), protocol.MustMessage(protocol.TypeHeartbeat, "m1", "hb_7", nil)))
	in := receive(t, host)
	assert.Equal(t, protocol.TypeHeartbeatAck, in.Message.Type)
	assert.Equal(t, "hb_7", in.Message.RequestID)
	assert.Equal(t, "m1", in.Message.ModuleID)
}

func TestClientPushes(t *testing.T) {
	pushed := make(chan protocol.Message, 4)
	_, host := newClientPair(t, ClientOptions{OnPush: func(msg protocol.Message) { pushed <- msg }})
	ctx := context.Background()

	require.NoError(t, host.Send(ctx, protocol.MustMessage(protocol.TypeSettingsChanged, "m2", "", map[string]any{"settings": map[string]any{}})))
	require.NoError(t, host.Send(ctx, protocol.MustMessage(protocol.TypeSettingsChanged, "m1", "", map[string]any{"settings": map[string]any{"a": 1}})))
	require.NoError(t, host.Send(ctx, protocol.MustMessage(protocol.TypeThemeChanged, "m1", "", map[string]any{"theme": "dark"})))

	first := <-pushed
	assert.Equal(t, protocol.TypeSettingsChanged, first.Type)
	assert.Equal(t, "m1", first.ModuleID, "pushes for other modules are ignored")
	assert.Equal(t, protocol.TypeThemeChanged, (<-pushed).Type)
}

func TestClientSeparatesEventAcksFromDeliveries(t *testing.T) {
	pushed := make(chan protocol.Message, 2)
	c, host := newClientPair(t, ClientOptions{OnPush: func(msg protocol.Message) { pushed <- msg }})

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), protocol.TypeEventEmit, map[string]any{"eventName": "order.created"}, nil)
	}()
	req, call := nextRequest(t, host)
	respond(t, host, req, call, protocol.OK(map[string]any{"queued": true}))
	require.NoError(t, <-errCh)

	delivery := protocol.MustMessage(protocol.TypeEventReceived, "m1", "", map[string]any{"eventName": "order.created"})
	require.NoError(t, host.Send(context.Background(), delivery))

	got := <-pushed
	assert.Equal(t, protocol.TypeEventReceived, got.Type)
	assert.Empty(t, got.RequestID, "the acknowledgment settled the call instead of reaching OnPush")
	assert.Empty(t, pushed)
}

func TestClientTimeout(t *testing.T) {
	c, host := newClientPair(t, ClientOptions{Timeout: 30 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), protocol.TypeGetContext, nil, nil) }()
	nextRequest(t, host)

	assert.ErrorIs(t, <-errCh, ErrRequestTimeout)
	assert.Equal(t, 0, c.Pending())
}

func TestClientCloseRejectsPending(t *testing.T) {
	c, host := newClientPair(t, ClientOptions{})

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errCh <- c.Call(context.Background(), protocol.TypeGetContext, nil, nil) }()
	}
	for i := 0; i < 3; i++ {
		nextRequest(t, host)
	}
	require.NoError(t, c.Close())
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-errCh, ErrClientClosed)
	}
	assert.Equal(t, 0, c.Pending())
	assert.ErrorIs(t, c.Call(context.Background(), protocol.TypeGetContext, nil, nil), ErrClientClosed)
}

func TestClientLifecycleMessages(t *testing.T) {
	c, host := newClientPair(t, ClientOptions{})
	ctx := context.Background()

	require.NoError(t, c.Ready(ctx))
	assert.Equal(t, protocol.TypeModuleReady, receive(t, host).Message.Type)

	require.NoError(t, c.Resize(ctx, 240, 0))
	in := receive(t, host)
	var size protocol.ResizePayload
	require.NoError(t, in.Message.DecodePayload(&size))
	assert.Equal(t, 240, size.Height)

	require.NoError(t, c.ReportError(ctx, "boom", "at render"))
	in = receive(t, host)
	assert.Equal(t, protocol.TypeModuleError, in.Message.Type)
}
