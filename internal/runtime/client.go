package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// BridgeError is a failed bridge response seen by a module
type BridgeError struct {
	Code    protocol.ErrorCode
	Message string
	Details map[string]any
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClientOptions configure a Client
type ClientOptions struct {
	// Timeout bounds each call. Defaults to 30 seconds.
	Timeout time.Duration
	// OnPush receives host pushes: SETTINGS_CHANGED, THEME_CHANGED and
	// EVENT_RECEIVED
	OnPush func(msg protocol.Message)
	Logger *zap.Logger
}

type callResult struct {
	resp protocol.Response
	err  error
}

// Client is the module side of a channel. It correlates BRIDGE_REQUESTs with
// their responses by request id, answers heartbeats and hands host pushes to
// OnPush.
type Client struct {
	ch       Channel
	moduleID string
	opts     ClientOptions
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]chan callResult
	closed  bool
	done    chan struct{}
}

// NewClient starts reading ch
func NewClient(ch Channel, moduleID string, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		ch:       ch,
		moduleID: moduleID,
		opts:     opts,
		log:      log.With(zap.String("module_id", moduleID)),
		pending:  make(map[string]chan callResult),
		done:     make(chan struct{}),
	}
	go c.read()
	return c
}

// Ready reports MODULE_READY to the host
func (c *Client) Ready(ctx context.Context) error {
	msg, err := protocol.NewMessage(protocol.TypeModuleReady, c.moduleID, "", map[string]string{"moduleId": c.moduleID})
	if err != nil {
		return err
	}
	return c.ch.Send(ctx, msg)
}

// Resize asks the host to resize the hosting element
func (c *Client) Resize(ctx context.Context, height, width int) error {
	msg, err := protocol.NewMessage(protocol.TypeModuleResize, c.moduleID, "", protocol.ResizePayload{Height: height, Width: width})
	if err != nil {
		return err
	}
	return c.ch.Send(ctx, msg)
}

// ReportError sends MODULE_ERROR to the host
func (c *Client) ReportError(ctx context.Context, message, stack string) error {
	msg, err := protocol.NewMessage(protocol.TypeModuleError, c.moduleID, "", protocol.ModuleErrorPayload{Message: message, Stack: stack})
	if err != nil {
		return err
	}
	return c.ch.Send(ctx, msg)
}

// Call performs one bridge operation and decodes the response data into
// out when out is not nil. Failed responses are returned as *BridgeError.
func (c *Client) Call(ctx context.Context, t protocol.MessageType, payload any, out any) error {
	resp, err := c.Do(ctx, t, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &BridgeError{Code: resp.ErrorCode, Message: resp.Error, Details: resp.Details}
	}
	if out == nil || resp.Data == nil {
		return nil
	}
	return decodeData(resp, out)
}

// Do performs one bridge operation and returns the raw response
func (c *Client) Do(ctx context.Context, t protocol.MessageType, payload any) (protocol.Response, error) {
	requestID := id.NewRequestID().String()
	var raw []byte
	if payload != nil {
		b, err := sonic.Marshal(payload)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		raw = b
	}
	msg, err := protocol.NewMessage(protocol.TypeBridgeRequest, c.moduleID, requestID, protocol.BridgeCall{Type: t, Payload: raw})
	if err != nil {
		return protocol.Response{}, err
	}

	result := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Response{}, ErrClientClosed
	}
	c.pending[requestID] = result
	c.mu.Unlock()

	if err := c.ch.Send(ctx, msg); err != nil {
		c.remove(requestID)
		return protocol.Response{}, err
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case r := <-result:
		return r.resp, r.err
	case <-timer.C:
		c.remove(requestID)
		return protocol.Response{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, t, c.opts.Timeout)
	case <-ctx.Done():
		c.remove(requestID)
		return protocol.Response{}, ctx.Err()
	}
}

// Pending returns the number of calls awaiting a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// Close rejects every pending call with ErrClientClosed. It does not close
// the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: ErrClientClosed}
	}
	return nil
}

func (c *Client) read() {
	defer c.Close()
	inbound := c.ch.Receive()
	for {
		select {
		case in, ok := <-inbound:
			if !ok {
				return
			}
			c.handle(in.Message)
		case <-c.done:
			return
		}
	}
}

func (c *Client) handle(msg protocol.Message) {
	if msg.ModuleID != "" && msg.ModuleID != c.moduleID {
		return
	}
	switch msg.Type {
	case protocol.TypeBridgeResponse:
		c.settle(msg)
	case protocol.TypeHeartbeat:
		ack := protocol.Message{
			Type:      protocol.TypeHeartbeatAck,
			ModuleID:  c.moduleID,
			RequestID: msg.RequestID,
			Timestamp: protocol.Now(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.ch.Send(ctx, ack); err != nil {
			c.log.Debug("Heartbeat ack failed", zap.Error(err))
		}
	case protocol.TypeSettingsChanged, protocol.TypeThemeChanged, protocol.TypeEventReceived:
		if c.opts.OnPush != nil {
			c.opts.OnPush(msg)
		}
	}
}

func (c *Client) settle(msg protocol.Message) {
	c.mu.Lock()
	result, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Response for unknown request", zap.String("request_id", msg.RequestID))
		return
	}

	var reply protocol.Message
	if err := msg.DecodePayload(&reply); err != nil {
		result <- callResult{err: fmt.Errorf("decode bridge response: %w", err)}
		return
	}
	resp, err := reply.Response()
	result <- callResult{resp: resp, err: err}
}
