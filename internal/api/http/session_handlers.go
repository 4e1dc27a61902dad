package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/ws"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/registry"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

type mountRequest struct {
	ModuleID    string               `json:"moduleId" binding:"required"`
	SiteID      string               `json:"siteId"`
	ClientID    string               `json:"clientId"`
	AgencyID    string               `json:"agencyId"`
	UserID      string               `json:"userId"`
	Environment protocol.Environment `json:"environment"`
	// Permissions default to the ones the manifest declares
	Permissions    []string        `json:"permissions"`
	Settings       map[string]any  `json:"settings"`
	SettingsSchema json.RawMessage `json:"settingsSchema"`
	Theme          any             `json:"theme"`
	// Remote mounts the module in a browser context that connects back
	// over the channel endpoint instead of the in-process sandbox
	Remote bool `json:"remote"`
}

type sessionView struct {
	ID          string             `json:"id"`
	Handle      string             `json:"handle"`
	ModuleID    string             `json:"moduleId"`
	State       string             `json:"state"`
	Pending     int                `json:"pending"`
	Dimensions  runtime.Dimensions `json:"dimensions"`
	Permissions []string           `json:"permissions"`
	DocumentURL string             `json:"documentUrl,omitempty"`
	ChannelURL  string             `json:"channelUrl,omitempty"`
}

func viewOf(s *runtime.Session) sessionView {
	return sessionView{
		ID:          s.ID().String(),
		Handle:      s.Handle().String(),
		ModuleID:    s.ModuleID(),
		State:       s.State().String(),
		Pending:     s.Pending(),
		Dimensions:  s.Dimensions(),
		Permissions: s.Context().Permissions.Strings(),
	}
}

// MountSession handles POST /sessions
func (h *Handlers) MountSession(c *gin.Context) {
	var req mountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	entry, err := h.deps.Registry.Load(c.Request.Context(), req.ModuleID)
	if errors.Is(err, registry.ErrNotFound) {
		abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}

	perms := entry.Module.Manifest.PermissionSet()
	if req.Permissions != nil {
		if perms, err = protocol.ParsePermissionSet(req.Permissions); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	mc := protocol.ModuleContext{
		ModuleID:       req.ModuleID,
		SiteID:         req.SiteID,
		ClientID:       req.ClientID,
		AgencyID:       req.AgencyID,
		UserID:         req.UserID,
		Settings:       req.Settings,
		Permissions:    perms,
		Environment:    req.Environment,
		SettingsSchema: req.SettingsSchema,
	}
	if err := mc.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	var opener runtime.ContextOpener
	if req.Remote {
		if h.deps.Remote == nil {
			abort(c, http.StatusBadRequest, errors.New("remote sessions are not enabled"))
			return
		}
		opener = h.deps.Remote
	}

	var mounted atomic.Pointer[runtime.Session]
	s, err := h.deps.Host.Mount(c.Request.Context(), runtime.MountOptions{
		Context:  mc,
		Module:   entry.Module,
		Theme:    req.Theme,
		Handlers: h.sessionHandlers(&mounted),
		Opener:   opener,
	})
	if err != nil {
		h.log.Error("Mount failed", zap.String("module_id", req.ModuleID), zap.Error(err))
		abort(c, http.StatusInternalServerError, err)
		return
	}
	mounted.Store(s)

	view := viewOf(s)
	if req.Remote {
		token, err := h.deps.Host.IssueToken(s.ID())
		if err != nil {
			h.deps.Host.Unmount(s.ID())
			abort(c, http.StatusInternalServerError, err)
			return
		}
		view.DocumentURL = "/sessions/" + view.ID + "/document"
		view.ChannelURL = "/channel?token=" + token
	}
	c.JSON(http.StatusCreated, view)
}

// sessionHandlers forwards session callbacks to watchers. Callbacks that
// fire before Mount returns have no session to name and are dropped.
func (h *Handlers) sessionHandlers(mounted *atomic.Pointer[runtime.Session]) runtime.Handlers {
	publish := func(kind string, data any) {
		if s := mounted.Load(); s != nil {
			h.deps.Hub.Publish(s.ID(), kind, data)
		}
	}
	return runtime.Handlers{
		OnReady: func() { publish(ws.NoticeReady, nil) },
		OnError: func(err error) {
			data := gin.H{"message": err.Error()}
			var me *runtime.ModuleError
			if errors.As(err, &me) {
				data["message"] = me.Message
				data["stack"] = me.Stack
			}
			publish(ws.NoticeError, data)
		},
		OnResize: func(d runtime.Dimensions) { publish(ws.NoticeResize, d) },
		OnUI: func(action bridge.UIAction) error {
			publish(ws.NoticeUI, action)
			return nil
		},
		OnStateChange: func(from, to runtime.State) {
			publish(ws.NoticeState, gin.H{"from": from.String(), "to": to.String()})
		},
	}
}

// ListSessions handles GET /sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.deps.Host.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "count": len(views)})
}

// GetSession handles GET /sessions/:id
func (h *Handlers) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// UnmountSession handles DELETE /sessions/:id
func (h *Handlers) UnmountSession(c *gin.Context) {
	if !h.deps.Host.Unmount(id.SessionID(c.Param("id"))) {
		abort(c, http.StatusNotFound, runtime.ErrSessionNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateSettings handles PUT /sessions/:id/settings. The body replaces the
// settings document wholesale.
func (h *Handlers) UpdateSettings(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var settings map[string]any
	if err := c.ShouldBindJSON(&settings); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	h.push(c, s.UpdateSettings(c.Request.Context(), settings))
}

// UpdateTheme handles PUT /sessions/:id/theme
func (h *Handlers) UpdateTheme(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var theme any
	if err := c.ShouldBindJSON(&theme); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	h.push(c, s.UpdateTheme(c.Request.Context(), theme))
}

func (h *Handlers) push(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, runtime.ErrSessionUnmounted):
		abort(c, http.StatusConflict, err)
	default:
		abort(c, http.StatusBadGateway, err)
	}
}

// IssueToken handles POST /sessions/:id/token: a fresh channel token for a
// remote context that needs to reconnect
func (h *Handlers) IssueToken(c *gin.Context) {
	token, err := h.deps.Host.IssueToken(id.SessionID(c.Param("id")))
	if errors.Is(err, runtime.ErrSessionNotFound) {
		abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "channelUrl": "/channel?token=" + token})
}

// SessionDocument handles GET /sessions/:id/document for remote sessions:
// the compiled document with the session's configuration injected
func (h *Handlers) SessionDocument(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if h.deps.Remote == nil {
		abort(c, http.StatusNotFound, errors.New("session has no remote document"))
		return
	}
	doc, ok := h.deps.Remote.Document(s.ID())
	if !ok {
		abort(c, http.StatusNotFound, errors.New("session has no remote document"))
		return
	}
	h.serveDocument(c, s.Module(), doc)
}

// RenderSession handles GET /sessions/:id/render for sandboxed sessions:
// the module root as rendered so far and the captured console
func (h *Handlers) RenderSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if h.deps.Sandbox == nil {
		abort(c, http.StatusNotFound, errors.New("session is not sandboxed"))
		return
	}
	sc, ok := h.deps.Sandbox.Lookup(s.Handle())
	if !ok {
		abort(c, http.StatusNotFound, errors.New("session is not sandboxed"))
		return
	}
	html, err := sc.RootHTML(c.Request.Context())
	if err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      s.ID().String(),
		"state":   s.State().String(),
		"html":    html,
		"console": sc.Console(),
	})
}

// WatchSession handles GET /sessions/:id/watch
func (h *Handlers) WatchSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.deps.Hub.Serve(c, s.ID())
}

func (h *Handlers) session(c *gin.Context) (*runtime.Session, bool) {
	s, ok := h.deps.Host.Get(id.SessionID(c.Param("id")))
	if !ok {
		abort(c, http.StatusNotFound, runtime.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}
