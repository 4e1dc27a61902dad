package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/ws"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/registry"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime/sandbox"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

// Deps are the components the handlers serve
type Deps struct {
	Bridge   runtime.Handler
	Compiler *compiler.Compiler
	Registry *registry.Manager
	Host     *runtime.Host
	Sandbox  *sandbox.Opener
	Remote   *runtime.RemoteOpener
	Hub      *ws.Hub
	// Blobs is served under /blobs when the store has no URLs of its own
	Blobs    blob.Store
	Metrics  *monitoring.Metrics
	// Breakers are reported by the health endpoint
	Breakers []*resilience.Breaker
	Logger   *zap.Logger
}

// Handlers contains all HTTP handlers
type Handlers struct {
	deps Deps
	gzip func(http.Handler) http.HandlerFunc
	log  *zap.Logger
}

// NewHandlers creates a new handler set
func NewHandlers(deps Deps) (*Handlers, error) {
	if deps.Bridge == nil || deps.Compiler == nil || deps.Registry == nil || deps.Host == nil {
		return nil, errors.New("handlers: bridge, compiler, registry and host are required")
	}
	if deps.Hub == nil {
		deps.Hub = ws.NewHub(deps.Logger)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(1024))
	if err != nil {
		return nil, err
	}
	return &Handlers{deps: deps, gzip: gz, log: log.Named("http")}, nil
}

// Root identifies the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "module-runtime",
		"version": "1.0.0",
	})
}

// Health reports component health
func (h *Handlers) Health(c *gin.Context) {
	breakers := gin.H{}
	status := "healthy"
	for _, b := range h.deps.Breakers {
		state := b.State()
		breakers[b.Name()] = state.String()
		if state == resilience.StateOpen {
			status = "degraded"
		}
	}

	body := gin.H{
		"status":   status,
		"sessions": h.deps.Host.Len(),
		"registry": h.deps.Registry.Stats(),
		"breakers": breakers,
	}
	if h.deps.Sandbox != nil {
		body["sandboxes"] = h.deps.Sandbox.Len()
	}
	c.JSON(http.StatusOK, body)
}

func abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
