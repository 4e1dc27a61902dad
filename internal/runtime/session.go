package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/events"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// ContextSpec describes the isolated context a session asks an opener for
type ContextSpec struct {
	SessionID id.SessionID
	Handle    id.ContextID
	ModuleID  string
	// Document is the compiled document with the session's configuration
	// already injected
	Document string
	Module   *compiler.CompiledModule
}

// ContextOpener creates isolated execution contexts
type ContextOpener interface {
	Open(ctx context.Context, spec ContextSpec) (Channel, error)
}

// Handlers are the owner's callbacks. They run on session goroutines and
// must not block; Unmount may be called from any of them.
type Handlers struct {
	OnReady       func()
	OnError       func(err error)
	OnResize      func(d Dimensions)
	OnUI          func(action bridge.UIAction) error
	OnStateChange func(from, to State)
}

// Observer receives session metrics
type Observer interface {
	ObserveSessionState(from, to State)
	ObserveForward(t protocol.MessageType, d time.Duration, err error)
}

// SessionConfig holds the liveness timings of a session
type SessionConfig struct {
	HeartbeatInterval time.Duration
	// StallMultiplier is how many heartbeat intervals may pass without an
	// ack before the session is considered stalled
	StallMultiplier int
	// RequestTimeout bounds one forwarded bridge request. It is also handed
	// to the in-context runtime as its own per-request timeout.
	RequestTimeout time.Duration
	// ReadyTimeout is how long the context may take to report MODULE_READY.
	// Zero disables the check.
	ReadyTimeout time.Duration
	SendTimeout  time.Duration
}

// DefaultSessionConfig returns the production timings
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval: 5 * time.Second,
		StallMultiplier:   3,
		RequestTimeout:    time.Duration(compiler.DefaultRequestTimeoutMs) * time.Millisecond,
		ReadyTimeout:      30 * time.Second,
		SendTimeout:       5 * time.Second,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StallMultiplier <= 0 {
		c.StallMultiplier = d.StallMultiplier
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	return c
}

// SessionOptions are the inputs of NewSession
type SessionOptions struct {
	Context   protocol.ModuleContext
	Module    *compiler.CompiledModule
	Theme     any
	Handlers  Handlers
	Config    SessionConfig
	Opener    ContextOpener
	Forwarder Forwarder
	Broker    events.Broker
	Observer  Observer
	Logger    *zap.Logger
}

type pendingForward struct {
	typ    protocol.MessageType
	cancel context.CancelFunc
}

// Session owns one isolated context and its message pump
type Session struct {
	id        id.SessionID
	handle    id.ContextID
	moduleID  string
	module    *compiler.CompiledModule
	cfg       SessionConfig
	opener    ContextOpener
	forwarder Forwarder
	broker    events.Broker
	handlers  Handlers
	observer  Observer
	log       *zap.Logger
	now       func() time.Time
	stop      chan struct{}

	mu         sync.Mutex
	state      State
	used       bool
	mc         protocol.ModuleContext
	theme      any
	dims       Dimensions
	channel    Channel
	pending    map[string]pendingForward
	subs       map[string]events.Subscription
	lastAck    time.Time
	readyTimer *time.Timer

	wg sync.WaitGroup
}

// NewSession validates opts and returns an unmounted session
func NewSession(opts SessionOptions) (*Session, error) {
	if err := opts.Context.Validate(); err != nil {
		return nil, err
	}
	if opts.Module == nil {
		return nil, errors.New("session: compiled module required")
	}
	if opts.Opener == nil || opts.Forwarder == nil {
		return nil, errors.New("session: opener and forwarder required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sid := id.NewSessionID()
	dims := Dimensions{Height: opts.Module.Manifest.Height, Width: opts.Module.Manifest.Width}
	return &Session{
		id:        sid,
		handle:    id.NewContextID(),
		moduleID:  opts.Context.ModuleID,
		module:    opts.Module,
		cfg:       opts.Config.withDefaults(),
		opener:    opts.Opener,
		forwarder: opts.Forwarder,
		broker:    opts.Broker,
		handlers:  opts.Handlers,
		observer:  opts.Observer,
		log:       log.With(zap.String("session_id", sid.String()), zap.String("module_id", opts.Context.ModuleID)),
		now:       time.Now,
		stop:      make(chan struct{}),
		state:     StateUnmounted,
		mc:        opts.Context.WithSettings(opts.Context.Settings),
		theme:     opts.Theme,
		dims:      dims,
		pending:   make(map[string]pendingForward),
		subs:      make(map[string]events.Subscription),
	}, nil
}

func (s *Session) ID() id.SessionID     { return s.id }
func (s *Session) Handle() id.ContextID { return s.handle }
func (s *Session) ModuleID() string     { return s.moduleID }

// Module returns the compiled module the session runs
func (s *Session) Module() *compiler.CompiledModule { return s.module }

// State returns the current lifecycle stage
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of forwarded requests awaiting a reply
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Context returns a copy of the session's module context
func (s *Session) Context() protocol.ModuleContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mc.WithSettings(s.mc.Settings)
}

// Dimensions returns the hosting element's current size
func (s *Session) Dimensions() Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// Mount opens the isolated context and starts the message pump. A session
// mounts once; after Unmount a new session is needed.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.used = true
	s.state = StateMounting
	mc := s.mc
	theme := s.theme
	s.mu.Unlock()
	s.notifyState(StateUnmounted, StateMounting)

	doc, err := compiler.InjectConfig(s.module.HTML, compiler.RuntimeConfig{
		ModuleID:    mc.ModuleID,
		SessionID:   s.id.String(),
		Settings:    mc.Settings,
		Theme:       theme,
		Environment: string(mc.Environment),
		TimeoutMs:   int(s.cfg.RequestTimeout / time.Millisecond),
	})
	if err != nil {
		s.abortMount()
		return fmt.Errorf("prepare document: %w", err)
	}
	ch, err := s.opener.Open(ctx, ContextSpec{
		SessionID: s.id,
		Handle:    s.handle,
		ModuleID:  s.moduleID,
		Document:  doc,
		Module:    s.module,
	})
	if err != nil {
		s.abortMount()
		return fmt.Errorf("open context: %w", err)
	}

	s.mu.Lock()
	if s.state != StateMounting {
		s.mu.Unlock()
		_ = ch.Close()
		return ErrSessionUnmounted
	}
	s.channel = ch
	s.state = StateAwaitingReady
	if s.cfg.ReadyTimeout > 0 {
		s.readyTimer = time.AfterFunc(s.cfg.ReadyTimeout, s.readyTimedOut)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.notifyState(StateMounting, StateAwaitingReady)

	go s.run(ch)
	s.log.Info("Session mounted", zap.String("context", s.handle.String()))
	return nil
}

func (s *Session) abortMount() {
	s.mu.Lock()
	from := s.state
	if from != StateMounting {
		s.mu.Unlock()
		return
	}
	s.state = StateUnmounted
	close(s.stop)
	s.mu.Unlock()
	s.notifyState(from, StateUnmounted)
}

// Unmount stops the heartbeat, rejects every pending request with
// SESSION_UNMOUNTED, drops event subscriptions and closes the context.
// Session goroutines exit promptly afterwards; Wait blocks until they have.
func (s *Session) Unmount() error {
	s.mu.Lock()
	if s.state == StateUnmounted {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateUnmounted
	close(s.stop)
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	pending := s.pending
	s.pending = make(map[string]pendingForward)
	subs := s.subs
	s.subs = make(map[string]events.Subscription)
	ch := s.channel
	s.mu.Unlock()
	s.notifyState(from, StateUnmounted)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	for requestID, p := range pending {
		p.cancel()
		if ch == nil {
			continue
		}
		req := protocol.Message{Type: p.typ, ModuleID: s.moduleID, RequestID: requestID}
		reply := protocol.Reply(req, protocol.Fail(protocol.CodeSessionUnmounted, ErrSessionUnmounted.Error()))
		s.relay(ctx, ch, requestID, reply)
	}
	for name, sub := range subs {
		if err := sub.Close(); err != nil {
			s.log.Debug("Subscription close failed", zap.String("event", name), zap.Error(err))
		}
	}

	var err error
	if ch != nil {
		err = ch.Close()
	}
	s.log.Info("Session unmounted", zap.Int("rejected", len(pending)))
	return err
}

// Wait blocks until every session goroutine has exited. Call it after
// Unmount, never from a handler.
func (s *Session) Wait() {
	s.wg.Wait()
}

// UpdateSettings replaces the module's settings and pushes SETTINGS_CHANGED
// without waiting for the module to react
func (s *Session) UpdateSettings(ctx context.Context, settings map[string]any) error {
	s.mu.Lock()
	if s.state == StateUnmounted && s.used {
		s.mu.Unlock()
		return ErrSessionUnmounted
	}
	s.mc = s.mc.WithSettings(settings)
	ch := s.channel
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return s.push(ctx, ch, protocol.TypeSettingsChanged, map[string]any{"settings": cloneSettings(settings)})
}

// UpdateTheme replaces the theme and pushes THEME_CHANGED without waiting
// for the module to react
func (s *Session) UpdateTheme(ctx context.Context, theme any) error {
	s.mu.Lock()
	if s.state == StateUnmounted && s.used {
		s.mu.Unlock()
		return ErrSessionUnmounted
	}
	s.theme = theme
	ch := s.channel
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return s.push(ctx, ch, protocol.TypeThemeChanged, map[string]any{"theme": theme})
}

func cloneSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return map[string]any{}
	}
	return maps.Clone(settings)
}

func (s *Session) push(ctx context.Context, ch Channel, t protocol.MessageType, payload any) error {
	msg, err := protocol.NewMessage(t, s.moduleID, "", payload)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

func (s *Session) run(ch Channel) {
	defer s.wg.Done()
	inbound := ch.Receive()
	for {
		select {
		case in, ok := <-inbound:
			if !ok {
				s.channelClosed()
				return
			}
			s.route(in)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) channelClosed() {
	if s.State() == StateUnmounted {
		return
	}
	s.log.Warn("Context channel closed while mounted")
	s.reportError(ErrChannelClosed)
}

func (s *Session) route(in Inbound) {
	msg := in.Message
	if in.Source != s.handle.String() || msg.ModuleID != s.moduleID {
		s.log.Debug("Dropped foreign message",
			zap.String("source", in.Source),
			zap.String("message_module_id", msg.ModuleID),
			zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case protocol.TypeModuleReady:
		s.ready()
	case protocol.TypeHeartbeatAck:
		s.ack()
	case protocol.TypeBridgeRequest:
		s.forward(msg)
	case protocol.TypeModuleResize:
		s.resize(msg)
	case protocol.TypeModuleError:
		var p protocol.ModuleErrorPayload
		_ = msg.DecodePayload(&p)
		s.reportError(&ModuleError{Message: p.Message, Stack: p.Stack})
	default:
		s.log.Debug("Ignored message", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) ready() {
	s.mu.Lock()
	if s.state != StateAwaitingReady {
		s.mu.Unlock()
		return
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.state = StateLive
	s.lastAck = s.now()
	s.wg.Add(1)
	s.mu.Unlock()
	s.notifyState(StateAwaitingReady, StateLive)

	go s.heartbeat()
	if s.handlers.OnReady != nil {
		s.handlers.OnReady()
	}
}

func (s *Session) readyTimedOut() {
	if s.State() != StateAwaitingReady {
		return
	}
	s.reportError(fmt.Errorf("%w within %s", ErrReadyTimeout, s.cfg.ReadyTimeout))
}

func (s *Session) heartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

// beat checks the ack deadline and sends the next heartbeat
func (s *Session) beat() {
	threshold := s.cfg.HeartbeatInterval * time.Duration(s.cfg.StallMultiplier)

	s.mu.Lock()
	if s.state != StateLive && s.state != StateStalled {
		s.mu.Unlock()
		return
	}
	silent := s.now().Sub(s.lastAck)
	stalled := s.state == StateLive && silent > threshold
	if stalled {
		s.state = StateStalled
	}
	ch := s.channel
	s.mu.Unlock()

	if stalled {
		s.notifyState(StateLive, StateStalled)
		s.log.Warn("Session stalled", zap.Duration("silent", silent))
		s.reportError(fmt.Errorf("%w for %s", ErrSessionStalled, silent.Round(time.Millisecond)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	msg := protocol.Message{
		Type:      protocol.TypeHeartbeat,
		ModuleID:  s.moduleID,
		RequestID: id.NewRequestID().String(),
		Timestamp: protocol.Now(),
	}
	if err := ch.Send(ctx, msg); err != nil {
		s.log.Debug("Heartbeat send failed", zap.Error(err))
	}
}

func (s *Session) ack() {
	s.mu.Lock()
	s.lastAck = s.now()
	recovered := s.state == StateStalled
	if recovered {
		s.state = StateLive
	}
	s.mu.Unlock()
	if recovered {
		s.notifyState(StateStalled, StateLive)
		s.log.Info("Session recovered")
	}
}

func (s *Session) forward(msg protocol.Message) {
	if msg.RequestID == "" {
		s.log.Debug("Dropped bridge request without request id")
		return
	}

	var call protocol.BridgeCall
	if err := msg.DecodePayload(&call); err != nil || call.Type == "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		defer cancel()
		req := protocol.Message{Type: call.Type, ModuleID: s.moduleID, RequestID: msg.RequestID}
		reply := protocol.Reply(req, protocol.Fail(protocol.CodeInvalidPayload, "bridge request must carry {type, payload}"))
		s.relay(ctx, s.currentChannel(), msg.RequestID, reply)
		return
	}
	inner := protocol.Message{
		Type:      call.Type,
		ModuleID:  msg.ModuleID,
		RequestID: msg.RequestID,
		Payload:   call.Payload,
		Timestamp: msg.Timestamp,
	}

	s.mu.Lock()
	if s.state == StateUnmounted {
		s.mu.Unlock()
		return
	}
	if _, dup := s.pending[msg.RequestID]; dup {
		s.mu.Unlock()
		s.log.Warn("Dropped duplicate request id", zap.String("request_id", msg.RequestID))
		return
	}
	ctx, cancel := context.WithTimeout(WithSession(context.Background(), s), s.cfg.RequestTimeout)
	s.pending[msg.RequestID] = pendingForward{typ: call.Type, cancel: cancel}
	mc := s.mc
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, cancel, mc, inner)
}

func (s *Session) currentChannel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) execute(ctx context.Context, cancel context.CancelFunc, mc protocol.ModuleContext, inner protocol.Message) {
	defer s.wg.Done()
	defer cancel()

	start := s.now()
	reply, err := s.forwarder.Forward(ctx, mc, inner)
	if s.observer != nil {
		s.observer.ObserveForward(inner.Type, s.now().Sub(start), err)
	}
	if err != nil {
		reply = protocol.Reply(inner, s.forwardFailure(ctx, inner, err))
	}

	s.mu.Lock()
	_, live := s.pending[inner.RequestID]
	delete(s.pending, inner.RequestID)
	ch := s.channel
	s.mu.Unlock()
	if !live {
		return
	}

	s.afterReply(inner, reply)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer sendCancel()
	s.relay(sendCtx, ch, inner.RequestID, reply)
}

func (s *Session) forwardFailure(ctx context.Context, inner protocol.Message, err error) protocol.Response {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.Failf(protocol.CodeTimeout, "%s timed out after %s", inner.Type, s.cfg.RequestTimeout)
	}
	s.log.Warn("Forward failed",
		zap.String("request_id", inner.RequestID),
		zap.String("type", string(inner.Type)),
		zap.Error(err))
	return protocol.Fail(protocol.CodeInternalError, "bridge unavailable")
}

// relay sends reply to the context as the payload of a BRIDGE_RESPONSE
func (s *Session) relay(ctx context.Context, ch Channel, requestID string, reply protocol.Message) {
	if ch == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeBridgeResponse, s.moduleID, requestID, reply)
	if err != nil {
		s.log.Error("Encode bridge response failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		s.log.Debug("Relay failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// afterReply applies the host-side effects of successful replies: new
// settings become the session's settings and subscriptions start or stop
// live event delivery
func (s *Session) afterReply(inner protocol.Message, reply protocol.Message) {
	switch inner.Type {
	case protocol.TypeSettingsSet, protocol.TypeEventSubscribe, protocol.TypeEventUnsubscribe:
	default:
		return
	}
	resp, err := reply.Response()
	if err != nil || !resp.Success {
		return
	}

	switch inner.Type {
	case protocol.TypeSettingsSet:
		var result bridge.SettingsResult
		if decodeData(resp, &result) == nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			defer cancel()
			if err := s.UpdateSettings(ctx, result.Settings); err != nil {
				s.log.Debug("Settings push failed", zap.Error(err))
			}
		}
	case protocol.TypeEventSubscribe:
		var result bridge.SubscriptionResult
		if decodeData(resp, &result) == nil && result.Subscribed {
			s.subscribe(result.EventName)
		}
	case protocol.TypeEventUnsubscribe:
		var result bridge.SubscriptionResult
		if decodeData(resp, &result) == nil {
			s.unsubscribe(result.EventName)
		}
	}
}

func decodeData(resp protocol.Response, v any) error {
	raw, err := sonic.Marshal(resp.Data)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(raw, v)
}

func (s *Session) subscribe(eventName string) {
	if s.broker == nil {
		return
	}
	s.mu.Lock()
	if s.state == StateUnmounted || s.subs[eventName] != nil {
		s.mu.Unlock()
		return
	}
	siteID := s.mc.SiteID
	s.mu.Unlock()

	sub, err := s.broker.Subscribe(context.Background(), siteID, eventName)
	if err != nil {
		s.log.Warn("Event subscribe failed", zap.String("event", eventName), zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.state == StateUnmounted || s.subs[eventName] != nil {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.subs[eventName] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.deliver(eventName, sub)
}

func (s *Session) unsubscribe(eventName string) {
	s.mu.Lock()
	sub := s.subs[eventName]
	delete(s.subs, eventName)
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// deliver pushes live events to the context until the subscription closes
func (s *Session) deliver(eventName string, sub events.Subscription) {
	defer s.wg.Done()
	for ev := range sub.C() {
		if ev.TargetModuleID != "" && ev.TargetModuleID != s.moduleID {
			continue
		}
		ch := s.currentChannel()
		if ch == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		err := s.push(ctx, ch, protocol.TypeEventReceived, map[string]any{
			"eventName":      ev.EventName,
			"eventId":        ev.ID,
			"sourceModuleId": ev.SourceModuleID,
			"payload":        json.RawMessage(orNull(ev.Payload)),
		})
		cancel()
		if err != nil {
			s.log.Debug("Event delivery failed", zap.String("event", eventName), zap.Error(err))
		}
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (s *Session) resize(msg protocol.Message) {
	var p protocol.ResizePayload
	if err := msg.DecodePayload(&p); err != nil || p.Height <= 0 {
		s.log.Debug("Dropped malformed resize")
		return
	}
	if !s.module.Manifest.Resizable {
		s.log.Debug("Resize ignored for fixed-size module")
		return
	}

	s.mu.Lock()
	d := Dimensions{Height: s.module.Manifest.ClampHeight(p.Height), Width: s.dims.Width}
	if p.Width > 0 {
		d.Width = p.Width
	}
	s.dims = d
	s.mu.Unlock()

	if s.handlers.OnResize != nil {
		s.handlers.OnResize(d)
	}
}

func (s *Session) reportError(err error) {
	s.log.Debug("Session error", zap.Error(err))
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *Session) notifyState(from, to State) {
	if s.observer != nil {
		s.observer.ObserveSessionState(from, to)
	}
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(from, to)
	}
}

// dispatchUI hands a sanitized UI action to the owner
func (s *Session) dispatchUI(action bridge.UIAction) error {
	if s.handlers.OnUI == nil {
		return nil
	}
	return s.handlers.OnUI(action)
}

type sessionKey struct{}

// WithSession returns a context carrying s, so bridge delegates can reach
// the session that issued a request
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session stored by WithSession
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
