package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
)

// Forwarder delivers one bridge operation, with the context it runs under,
// to the bridge and returns the bridge's reply
type Forwarder interface {
	Forward(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (protocol.Message, error)
}

// Handler is the in-process bridge surface
type Handler interface {
	Handle(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) protocol.Message
}

// LocalForwarder calls a bridge in the same process
type LocalForwarder struct {
	Bridge Handler
}

func (f LocalForwarder) Forward(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, err
	}
	return f.Bridge.Handle(ctx, mc, msg), nil
}

// ForwardRequest is the body posted to the bridge endpoint
type ForwardRequest struct {
	SessionID string                 `json:"sessionId,omitempty"`
	Context   protocol.ModuleContext `json:"context"`
	Message   protocol.Message       `json:"message"`
}

// BridgeKeyHeader carries the shared key that authenticates forwarders to
// the bridge endpoint
const BridgeKeyHeader = "X-Bridge-Key"

// HTTPForwarderConfig configures an HTTPForwarder
type HTTPForwarderConfig struct {
	Endpoint   string
	Key        string
	Timeout    time.Duration
	MaxRetries int
	// Tracer, when set, records a span per forward and propagates it to
	// the endpoint
	Tracer *tracing.Tracer
}

// HTTPForwarder posts bridge operations to a remote bridge endpoint
type HTTPForwarder struct {
	client   *resty.Client
	breaker  *resilience.Breaker
	tracer   *tracing.Tracer
	endpoint string
}

// NewHTTPForwarder creates a forwarder for cfg.Endpoint. Only failures to
// dial the endpoint are retried: once a request body may have reached the
// bridge the operation may have run, and the module decides what to do.
func NewHTTPForwarder(cfg HTTPForwarderConfig, log *zap.Logger) (*HTTPForwarder, error) {
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return nil, fmt.Errorf("bridge endpoint %q must be an http(s) url", cfg.Endpoint)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return dialFailed(err), nil
	}

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Key != "" {
		client.SetHeader(BridgeKeyHeader, cfg.Key)
	}

	breaker := resilience.New("bridge-forwarder", resilience.Settings{
		MaxRequests: 2,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTPForwarder{client: client, breaker: breaker, tracer: cfg.Tracer, endpoint: cfg.Endpoint}, nil
}

func (f *HTTPForwarder) Forward(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (reply protocol.Message, err error) {
	body := ForwardRequest{Context: mc, Message: msg}
	if s, ok := SessionFromContext(ctx); ok {
		body.SessionID = s.ID().String()
	}

	if f.tracer != nil {
		var span *tracing.Span
		span, ctx = f.tracer.StartSpan(ctx, "bridge.forward")
		span.SetTag("message.type", string(msg.Type))
		span.SetTag("module_id", mc.ModuleID)
		defer func() {
			if err != nil {
				span.SetError(err)
			}
			span.Finish()
			f.tracer.Submit(span)
		}()
	}

	return resilience.Do(ctx, f.breaker, func(ctx context.Context) (protocol.Message, error) {
		var reply protocol.Message
		resp, err := f.client.R().
			SetContext(ctx).
			SetHeaders(tracing.Headers(ctx)).
			SetBody(body).
			SetResult(&reply).
			Post(f.endpoint)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("forward %s: %w", msg.Type, err)
		}
		if resp.IsError() {
			return protocol.Message{}, fmt.Errorf("forward %s: bridge endpoint returned %d", msg.Type, resp.StatusCode())
		}
		if reply.RequestID != msg.RequestID {
			return protocol.Message{}, errors.New("forward: bridge reply does not match request")
		}
		return reply, nil
	})
}

// dialFailed reports whether err happened before a connection to the
// endpoint existed
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Breaker exposes the forwarder's breaker for health reporting
func (f *HTTPForwarder) Breaker() *resilience.Breaker {
	return f.breaker
}
