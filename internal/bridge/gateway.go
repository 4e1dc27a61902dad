package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// ErrGatewayUnavailable is returned when no API gateway is configured
var ErrGatewayUnavailable = errors.New("api gateway not configured")

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// APIRequest is a platform API call made on a module's behalf
type APIRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Body    json.RawMessage
	Headers map[string]string
}

// APIResponse is what the module receives back
type APIResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// APIGateway executes platform API calls
type APIGateway interface {
	Do(ctx context.Context, mc protocol.ModuleContext, req APIRequest) (APIResponse, error)
}

type apiParams struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         map[string]string `json:"query,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	SecretHeaders map[string]string `json:"secretHeaders,omitempty"`
}

func (b *Bridge) apiRequest(ctx context.Context, req request) protocol.Response {
	var p apiParams
	if resp := bind(req.msg, &p); resp != nil {
		return *resp
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return invalid("method %q not allowed", p.Method)
	}
	if !validAPIPath(p.Path) {
		return invalid("path must be relative to the platform API")
	}
	if b.deps.Gateway == nil {
		return protocol.Fail(protocol.CodeUpstreamError, ErrGatewayUnavailable.Error())
	}

	headers, resp := b.resolveSecretHeaders(ctx, req, p.SecretHeaders)
	if resp != nil {
		return *resp
	}

	out, err := b.deps.Gateway.Do(ctx, req.mc, APIRequest{
		Method:  method,
		Path:    p.Path,
		Query:   p.Query,
		Body:    p.Body,
		Headers: headers,
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return protocol.Fail(protocol.CodeUpstreamError, "platform API temporarily unavailable")
		}
		return b.backendFailure(req, protocol.CodeUpstreamError, "api request", err)
	}
	if out.Status >= 400 {
		return protocol.Failf(protocol.CodeUpstreamError, "platform API returned %d", out.Status).
			WithDetails(map[string]any{"status": out.Status, "body": out.Body})
	}
	return protocol.OK(out)
}

func validAPIPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, "..") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}

// resolveSecretHeaders opens the named secrets for injection as headers.
// The values stay on the host.
func (b *Bridge) resolveSecretHeaders(ctx context.Context, req request, names map[string]string) (map[string]string, *protocol.Response) {
	if len(names) == 0 {
		return nil, nil
	}
	if !req.mc.HasSite() {
		resp := protocol.Fail(protocol.CodeNoSiteContext, "secret headers require a site context")
		return nil, &resp
	}
	headers := make(map[string]string, len(names))
	for header, name := range names {
		if http.CanonicalHeaderKey(header) == "" || !secretNameRe.MatchString(name) {
			resp := invalid("invalid secret header %q", header)
			return nil, &resp
		}
		sealed, err := b.deps.Secrets.Get(ctx, req.scope, name)
		if errors.Is(err, store.ErrNotFound) {
			resp := protocol.Failf(protocol.CodeNotFound, "secret %q not set", name)
			return nil, &resp
		}
		if err != nil {
			resp := b.backendFailure(req, protocol.CodeDBError, "secret lookup", err)
			return nil, &resp
		}
		value, err := b.deps.Sealer.Open(sealed)
		if err != nil {
			resp := b.backendFailure(req, protocol.CodeInternalError, "open secret", err)
			return nil, &resp
		}
		headers[header] = string(value)
	}
	return headers, nil
}

// GatewayConfig configures the default gateway
type GatewayConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	UserAgent    string
}

// RestyGateway calls a single platform base URL over resty, with retries
// from go-retryablehttp and a circuit breaker around every call
type RestyGateway struct {
	client  *resty.Client
	breaker *resilience.Breaker
	log     *zap.Logger
}

// errUpstreamStatus marks 5xx responses so the breaker counts them
type errUpstreamStatus struct{ status int }

func (e errUpstreamStatus) Error() string { return fmt.Sprintf("upstream status %d", e.status) }

// NewRestyGateway creates a gateway for cfg.BaseURL
func NewRestyGateway(cfg GatewayConfig, log *zap.Logger) (*RestyGateway, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway base url %q must be absolute", cfg.BaseURL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 200 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ModuleRuntime-Gateway/1.0"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = nil
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)

	breaker := resilience.New("api-gateway", resilience.Settings{
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5)
		},
		IsSuccessful: func(err error) bool {
			var status errUpstreamStatus
			return err == nil || errors.Is(err, context.Canceled) || (errors.As(err, &status) && status.status < 500)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &RestyGateway{client: client, breaker: breaker, log: log}, nil
}

// Breaker exposes the gateway's breaker for health reporting
func (g *RestyGateway) Breaker() *resilience.Breaker {
	return g.breaker
}

func (g *RestyGateway) Do(ctx context.Context, mc protocol.ModuleContext, req APIRequest) (APIResponse, error) {
	resp, err := resilience.Do(ctx, g.breaker, func(ctx context.Context) (*resty.Response, error) {
		r := g.client.R().
			SetContext(ctx).
			SetHeader("X-Module-Id", mc.ModuleID).
			SetQueryParams(req.Query).
			SetHeaders(req.Headers)
		if mc.SiteID != "" {
			r.SetHeader("X-Site-Id", mc.SiteID)
		}
		if len(req.Body) > 0 {
			r.SetHeader("Content-Type", "application/json").SetBody([]byte(req.Body))
		}
		resp, err := r.Execute(req.Method, req.Path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= 400 {
			return resp, errUpstreamStatus{status: resp.StatusCode()}
		}
		return resp, nil
	})
	var status errUpstreamStatus
	if err != nil && !errors.As(err, &status) {
		return APIResponse{}, err
	}
	return toAPIResponse(resp), nil
}

func toAPIResponse(resp *resty.Response) APIResponse {
	out := APIResponse{Status: resp.StatusCode()}
	if ct := resp.Header().Get("Content-Type"); ct != "" {
		out.Headers = map[string]string{"Content-Type": ct}
	}
	body := resp.Body()
	if len(body) == 0 {
		return out
	}
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		var v any
		if err := sonic.Unmarshal(body, &v); err == nil {
			out.Body = v
			return out
		}
	}
	out.Body = string(body)
	return out
}
