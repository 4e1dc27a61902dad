package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/events"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// HostDeps are the collaborators shared by every session of a host
type HostDeps struct {
	Forwarder Forwarder
	// Opener is the default context opener. MountOptions may override it.
	Opener   ContextOpener
	Broker   events.Broker
	Tokens   *TokenIssuer
	Observer Observer
	Logger   *zap.Logger
}

// MountOptions describe one module instance to mount
type MountOptions struct {
	Context  protocol.ModuleContext
	Module   *compiler.CompiledModule
	Theme    any
	Handlers Handlers
	Opener   ContextOpener
}

// Host manages the sessions of one process
type Host struct {
	deps     HostDeps
	cfg      SessionConfig
	log      *zap.Logger
	sessions sync.Map // id.SessionID -> *Session
}

// NewHost creates a host. A forwarder and a default opener are required.
func NewHost(cfg SessionConfig, deps HostDeps) (*Host, error) {
	if deps.Forwarder == nil {
		return nil, errors.New("host: forwarder required")
	}
	if deps.Opener == nil {
		return nil, errors.New("host: context opener required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{deps: deps, cfg: cfg.withDefaults(), log: log.Named("runtime")}, nil
}

// Mount creates, registers and mounts a session. The session is removed
// from the host when it unmounts.
func (h *Host) Mount(ctx context.Context, opts MountOptions) (*Session, error) {
	opener := opts.Opener
	if opener == nil {
		opener = h.deps.Opener
	}

	handlers := opts.Handlers
	var s *Session
	userStateChange := handlers.OnStateChange
	handlers.OnStateChange = func(from, to State) {
		if to == StateUnmounted && s != nil {
			h.sessions.Delete(s.ID())
		}
		if userStateChange != nil {
			userStateChange(from, to)
		}
	}

	s, err := NewSession(SessionOptions{
		Context:   opts.Context,
		Module:    opts.Module,
		Theme:     opts.Theme,
		Handlers:  handlers,
		Config:    h.cfg,
		Opener:    opener,
		Forwarder: h.deps.Forwarder,
		Broker:    h.deps.Broker,
		Observer:  h.deps.Observer,
		Logger:    h.log,
	})
	if err != nil {
		return nil, err
	}

	h.sessions.Store(s.ID(), s)
	if err := s.Mount(ctx); err != nil {
		h.sessions.Delete(s.ID())
		return nil, err
	}
	return s, nil
}

// Get looks up a mounted session
func (h *Host) Get(sessionID id.SessionID) (*Session, bool) {
	v, ok := h.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Unmount tears down a session. It reports false when the id is unknown.
func (h *Host) Unmount(sessionID id.SessionID) bool {
	s, ok := h.Get(sessionID)
	if !ok {
		return false
	}
	if err := s.Unmount(); err != nil {
		h.log.Debug("Unmount closed channel with error", zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	h.sessions.Delete(sessionID)
	return true
}

// List returns the mounted sessions ordered by id, which is creation order
func (h *Host) List() []*Session {
	var out []*Session
	h.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of mounted sessions
func (h *Host) Len() int {
	n := 0
	h.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown unmounts every session and waits for their goroutines, or for
// ctx to end
func (h *Host) Shutdown(ctx context.Context) error {
	sessions := h.List()
	for _, s := range sessions {
		h.Unmount(s.ID())
	}

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		h.log.Info("Runtime host stopped", zap.Int("sessions", len(sessions)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IssueToken returns a channel token for a mounted session
func (h *Host) IssueToken(sessionID id.SessionID) (string, error) {
	if h.deps.Tokens == nil {
		return "", errors.New("host: channel tokens not configured")
	}
	s, ok := h.Get(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}
	return h.deps.Tokens.Issue(s.ID(), s.ModuleID())
}

// VerifyToken checks a channel token and returns the session it names
func (h *Host) VerifyToken(token string) (*Session, error) {
	if h.deps.Tokens == nil {
		return nil, errors.New("host: channel tokens not configured")
	}
	claims, err := h.deps.Tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	s, ok := h.Get(id.SessionID(claims.SessionID))
	if !ok || s.ModuleID() != claims.ModuleID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Dispatch routes a bridge UI action to the session that requested it.
// Actions from requests that did not come through a session of this host
// are acknowledged without effect.
func (h *Host) Dispatch(ctx context.Context, mc protocol.ModuleContext, action bridge.UIAction) error {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return nil
	}
	if s.ModuleID() != mc.ModuleID {
		return errors.New("ui action does not belong to the requesting session")
	}
	return s.dispatchUI(action)
}

var _ bridge.UIDelegate = (*Host)(nil)
