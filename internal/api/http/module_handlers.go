package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/registry"
)

type compileRequest struct {
	compiler.Input
	// Register stores the result in the registry
	Register bool `json:"register"`
}

type compileResponse struct {
	Manifest   compiler.Manifest  `json:"manifest"`
	Hash       string             `json:"hash"`
	HTML       string             `json:"html"`
	JavaScript string             `json:"javascript"`
	CSS        string             `json:"css,omitempty"`
	ImportMap  compiler.ImportMap `json:"importMap"`
	Registered bool               `json:"registered"`
}

// CompileModule handles POST /modules/compile
func (h *Handlers) CompileModule(c *gin.Context) {
	var req compileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	mod, err := h.deps.Compiler.Compile(req.Input)
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordCompilation(err)
	}
	if err != nil {
		abort(c, http.StatusUnprocessableEntity, err)
		return
	}

	resp := compileResponse{
		Manifest:   mod.Manifest,
		Hash:       mod.Hash(),
		HTML:       mod.HTML,
		JavaScript: mod.JavaScript,
		CSS:        mod.CSS,
		ImportMap:  mod.ImportMap,
	}
	if req.Register {
		if _, err := h.deps.Registry.Save(c.Request.Context(), mod); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, registry.ErrStaleVersion) {
				status = http.StatusConflict
			} else if mod.Manifest.ID == "" {
				status = http.StatusBadRequest
			}
			abort(c, status, err)
			return
		}
		resp.Registered = true
		h.refreshRegistryGauge(c)
	}
	c.JSON(http.StatusOK, resp)
}

// ListModules handles GET /modules
func (h *Handlers) ListModules(c *gin.Context) {
	modules, err := h.deps.Registry.List(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if modules == nil {
		modules = []registry.Metadata{}
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.SetRegistryModules(len(modules))
	}
	c.JSON(http.StatusOK, gin.H{"modules": modules, "stats": h.deps.Registry.Stats()})
}

// GetModule handles GET /modules/:id
func (h *Handlers) GetModule(c *gin.Context) {
	entry, ok := h.loadModule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"module":    entry.Metadata(),
		"manifest":  entry.Module.Manifest,
		"importMap": entry.Module.ImportMap,
		"createdAt": entry.CreatedAt,
	})
}

// ModuleDocument handles GET /modules/:id/document: the compiled document
// without session configuration, for previews and caching proxies
func (h *Handlers) ModuleDocument(c *gin.Context) {
	entry, ok := h.loadModule(c)
	if !ok {
		return
	}
	h.serveDocument(c, entry.Module, entry.Module.HTML)
}

// DeleteModule handles DELETE /modules/:id
func (h *Handlers) DeleteModule(c *gin.Context) {
	if err := h.deps.Registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	h.refreshRegistryGauge(c)
	c.Status(http.StatusNoContent)
}

func (h *Handlers) loadModule(c *gin.Context) (*registry.Entry, bool) {
	entry, err := h.deps.Registry.Load(c.Request.Context(), c.Param("id"))
	if errors.Is(err, registry.ErrNotFound) {
		abort(c, http.StatusNotFound, err)
		return nil, false
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return nil, false
	}
	return entry, true
}

func (h *Handlers) refreshRegistryGauge(c *gin.Context) {
	if h.deps.Metrics == nil {
		return
	}
	if modules, err := h.deps.Registry.List(c.Request.Context()); err == nil {
		h.deps.Metrics.SetRegistryModules(len(modules))
	}
}
