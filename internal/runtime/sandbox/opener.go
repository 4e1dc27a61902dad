package sandbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// Opener creates a goja context per session and runs the document's
// scripts in it
type Opener struct {
	cfg Config
	log *zap.Logger

	mu       sync.RWMutex
	contexts map[id.ContextID]*Context
}

// NewOpener creates an opener
func NewOpener(cfg Config, log *zap.Logger) *Opener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Opener{
		cfg:      cfg.withDefaults(),
		log:      log.Named("sandbox"),
		contexts: make(map[id.ContextID]*Context),
	}
}

// Open implements runtime.ContextOpener
func (o *Opener) Open(ctx context.Context, spec runtime.ContextSpec) (runtime.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dom, err := ParseDOM(spec.Document)
	if err != nil {
		return nil, err
	}
	c, err := New(spec.Handle, spec.ModuleID, dom, o.cfg, o.log.With(zap.String("session_id", spec.SessionID.String())))
	if err != nil {
		return nil, err
	}
	c.onClose = func() { o.forget(spec.Handle) }

	o.mu.Lock()
	o.contexts[spec.Handle] = c
	o.mu.Unlock()

	scripts := dom.Scripts()
	for _, s := range scripts {
		s := s
		if err := c.enqueue(ctx, func() { c.runScript(s) }); err != nil {
			c.Close()
			return nil, err
		}
	}
	o.log.Debug("Context opened",
		zap.String("context", spec.Handle.String()),
		zap.String("module_id", spec.ModuleID),
		zap.Int("scripts", len(scripts)))
	return c, nil
}

// Lookup returns the open context with the given handle
func (o *Opener) Lookup(handle id.ContextID) (*Context, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.contexts[handle]
	return c, ok
}

// Len returns the number of open contexts
func (o *Opener) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.contexts)
}

func (o *Opener) forget(handle id.ContextID) {
	o.mu.Lock()
	delete(o.contexts, handle)
	o.mu.Unlock()
}

var _ runtime.ContextOpener = (*Opener)(nil)
