package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/events"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

// Observer receives one observation per handled request
type Observer interface {
	ObserveRequest(t protocol.MessageType, code protocol.ErrorCode, d time.Duration)
}

// Deps are the collaborators the bridge executes against
type Deps struct {
	Data     store.KeyedDataStore
	Quotas   store.QuotaStore
	Secrets  store.SecretStore
	Sealer   *store.Sealer
	Events   store.EventLog
	Settings store.SettingsStore
	Blobs    blob.Store

	// Optional
	Broker   events.Broker
	Gateway  APIGateway
	UI       UIDelegate
	Observer Observer
	Logger   *zap.Logger
}

// Options tune handler limits
type Options struct {
	// ModuleRate is the sustained requests per second allowed per
	// (module, site). Zero disables limiting.
	ModuleRate  float64
	ModuleBurst int

	MaxUploadBytes   int64
	DefaultURLExpiry time.Duration
	MaxURLExpiry     time.Duration
	ReconcileTimeout time.Duration
}

// DefaultOptions returns production limits
func DefaultOptions() Options {
	return Options{
		ModuleRate:       50,
		ModuleBurst:      100,
		MaxUploadBytes:   25 << 20,
		DefaultURLExpiry: time.Hour,
		MaxURLExpiry:     7 * 24 * time.Hour,
		ReconcileTimeout: 30 * time.Second,
	}
}

// request is what a handler sees
type request struct {
	mc    protocol.ModuleContext
	msg   protocol.Message
	scope store.Scope
}

type handlerFunc func(ctx context.Context, req request) protocol.Response

// Bridge authorizes and executes module operations
type Bridge struct {
	deps     Deps
	opts     Options
	log      *zap.Logger
	limiter  *scopeLimiter
	handlers map[protocol.MessageType]handlerFunc
	schemas  sync.Map

	background sync.WaitGroup
}

// New builds a bridge. Every store in Deps is required; the optional
// collaborators degrade to failing (Gateway) or no-op (UI, Broker).
func New(deps Deps, opts Options) (*Bridge, error) {
	switch {
	case deps.Data == nil:
		return nil, errors.New("bridge: keyed data store required")
	case deps.Quotas == nil:
		return nil, errors.New("bridge: quota store required")
	case deps.Secrets == nil || deps.Sealer == nil:
		return nil, errors.New("bridge: secret store and sealer required")
	case deps.Events == nil:
		return nil, errors.New("bridge: event log required")
	case deps.Settings == nil:
		return nil, errors.New("bridge: settings store required")
	case deps.Blobs == nil:
		return nil, errors.New("bridge: blob store required")
	}

	defaults := DefaultOptions()
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if opts.DefaultURLExpiry <= 0 {
		opts.DefaultURLExpiry = defaults.DefaultURLExpiry
	}
	if opts.MaxURLExpiry <= 0 {
		opts.MaxURLExpiry = defaults.MaxURLExpiry
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = defaults.ReconcileTimeout
	}

	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	b := &Bridge{
		deps:    deps,
		opts:    opts,
		log:     log.Named("bridge"),
		limiter: newScopeLimiter(opts.ModuleRate, opts.ModuleBurst),
	}
	b.handlers = map[protocol.MessageType]handlerFunc{
		protocol.TypeAPIRequest: b.apiRequest,

		protocol.TypeStorageUpload:   b.storageUpload,
		protocol.TypeStorageDownload: b.storageDownload,
		protocol.TypeStorageDelete:   b.storageDelete,
		protocol.TypeStorageList:     b.storageList,
		protocol.TypeStorageGetURL:   b.storageGetURL,

		protocol.TypeDBQuery:  b.dbQuery,
		protocol.TypeDBInsert: b.dbInsert,
		protocol.TypeDBUpdate: b.dbUpdate,
		protocol.TypeDBDelete: b.dbDelete,
		protocol.TypeDBUpsert: b.dbUpsert,

		protocol.TypeSettingsGet: b.settingsGet,
		protocol.TypeSettingsSet: b.settingsSet,

		protocol.TypeSecretGet:    b.secretGet,
		protocol.TypeSecretSet:    b.secretSet,
		protocol.TypeSecretDelete: b.secretDelete,

		protocol.TypeEventEmit:        b.eventEmit,
		protocol.TypeEventSubscribe:   b.eventSubscribe,
		protocol.TypeEventUnsubscribe: b.eventUnsubscribe,

		protocol.TypeNavigate:   b.navigate,
		protocol.TypeOpenModal:  b.openModal,
		protocol.TypeCloseModal: b.closeModal,
		protocol.TypeShowToast:  b.showToast,

		protocol.TypeGetContext: b.getContext,
	}
	return b, nil
}

// Handle answers one request. It never panics and always echoes the
// request id.
func (b *Bridge) Handle(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) protocol.Message {
	start := time.Now()
	resp := b.execute(ctx, mc, msg)
	elapsed := time.Since(start)

	if b.deps.Observer != nil {
		b.deps.Observer.ObserveRequest(msg.Type, resp.ErrorCode, elapsed)
	}
	if !resp.Success {
		b.log.Debug("Request failed",
			zap.String("module_id", mc.ModuleID),
			zap.String("request_id", msg.RequestID),
			zap.String("type", string(msg.Type)),
			zap.String("error_code", string(resp.ErrorCode)),
			zap.String("error", resp.Error))
	}
	return protocol.Reply(msg, resp)
}

func (b *Bridge) execute(ctx context.Context, mc protocol.ModuleContext, msg protocol.Message) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Handler panicked",
				zap.String("module_id", mc.ModuleID),
				zap.String("type", string(msg.Type)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = protocol.Fail(protocol.CodeInternalError, "internal error")
		}
	}()

	if msg.ModuleID != mc.ModuleID {
		return protocol.Fail(protocol.CodeModuleMismatch, "module id does not match session")
	}
	handler, ok := b.handlers[msg.Type]
	if !ok {
		return protocol.Failf(protocol.CodeUnknownType, "unknown message type %q", msg.Type)
	}
	if perm, ok := RequiredPermission(msg.Type); ok && !mc.Permissions.Has(perm) {
		return protocol.Failf(protocol.CodePermissionDenied, "permission %q required", perm)
	}
	if RequiresSite(msg.Type) && !mc.HasSite() {
		return protocol.Fail(protocol.CodeNoSiteContext, "operation requires a site context")
	}
	scope := store.Scope{ModuleID: mc.ModuleID, SiteID: mc.SiteID}
	if !b.limiter.Allow(scope) {
		return protocol.Fail(protocol.CodeRateLimited, "request rate exceeded")
	}

	return handler(ctx, request{mc: mc, msg: msg, scope: scope})
}

// Close waits for background usage reconciliation to finish
func (b *Bridge) Close() error {
	b.background.Wait()
	return nil
}

// bind decodes the request payload into v. An absent payload leaves v at
// its zero value.
func bind(msg protocol.Message, v any) *protocol.Response {
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(msg.Payload, v); err != nil {
		resp := protocol.Failf(protocol.CodeInvalidPayload, "invalid %s payload: %v", msg.Type, err)
		return &resp
	}
	return nil
}

func invalid(format string, args ...any) protocol.Response {
	return protocol.Failf(protocol.CodeInvalidParams, format, args...)
}

// backendFailure logs err with its request and returns a response that does
// not leak backend detail to the module
func (b *Bridge) backendFailure(req request, code protocol.ErrorCode, op string, err error) protocol.Response {
	b.log.Warn("Backend operation failed",
		zap.String("module_id", req.mc.ModuleID),
		zap.String("site_id", req.mc.SiteID),
		zap.String("request_id", req.msg.RequestID),
		zap.String("op", op),
		zap.Error(err))
	return protocol.Fail(code, fmt.Sprintf("%s failed", op))
}
