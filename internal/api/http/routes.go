package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/middleware"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/ws"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
)

// RouteOptions are the pieces of routing that live outside Handlers
type RouteOptions struct {
	// BridgeKey guards POST /bridge. Empty leaves the route unregistered.
	BridgeKey string
	// Channel serves remote context connections. Nil disables /channel.
	Channel *ws.Handler
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Register mounts every route on router
func (h *Handlers) Register(router gin.IRouter, opts RouteOptions) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	// Module registry
	router.POST("/modules/compile", h.CompileModule)
	router.GET("/modules", h.ListModules)
	router.GET("/modules/:id", h.GetModule)
	router.GET("/modules/:id/document", h.ModuleDocument)
	router.DELETE("/modules/:id", h.DeleteModule)

	// Sessions
	router.POST("/sessions", h.MountSession)
	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/:id", h.GetSession)
	router.DELETE("/sessions/:id", h.UnmountSession)
	router.PUT("/sessions/:id/settings", h.UpdateSettings)
	router.PUT("/sessions/:id/theme", h.UpdateTheme)
	router.POST("/sessions/:id/token", h.IssueToken)
	router.GET("/sessions/:id/document", h.SessionDocument)
	router.GET("/sessions/:id/render", h.RenderSession)
	router.GET("/sessions/:id/watch", h.WatchSession)

	// Bridge endpoint for hosts that forward over HTTP. The caller supplies
	// the module context, so it is only served to key holders.
	if opts.BridgeKey != "" {
		router.POST("/bridge", middleware.RequireKey(runtime.BridgeKeyHeader, opts.BridgeKey), h.ServeBridge)
	}

	if opts.Channel != nil {
		router.GET("/channel", opts.Channel.HandleChannel)
	}
	if h.deps.Blobs != nil {
		router.GET("/blobs/*key", h.ServeBlob)
	}

	// Metrics endpoints
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/metrics/summary", h.MetricsSummaryHandler)
}
