package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// Verifier resolves a channel token to the session it was issued for
type Verifier interface {
	VerifyToken(token string) (*runtime.Session, error)
}

// Attacher connects a transport to a session's remote context
type Attacher interface {
	Attach(sessionID id.SessionID, transport runtime.Channel) error
}

// Metrics is what the handler reports about connections
type Metrics interface {
	Recorder
	IncWSConnections()
	DecWSConnections()
}

// Handler upgrades remote isolated contexts onto websocket channels
type Handler struct {
	verifier Verifier
	attacher Attacher
	metrics  Metrics
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a channel handler. checkOrigin may be nil to accept
// every origin; the channel token is what authorizes a connection.
func NewHandler(verifier Verifier, attacher Attacher, metrics Metrics, checkOrigin func(*http.Request) bool, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		verifier: verifier,
		attacher: attacher,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: log.Named("ws"),
	}
}

// HandleChannel handles GET /channel?token=. The token is checked before
// the upgrade; the connection then serves as the session's context
// transport until either side closes it.
func (h *Handler) HandleChannel(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing channel token"})
		return
	}
	s, err := h.verifier.VerifyToken(token)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, runtime.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	log := h.log.With(zap.String("session_id", s.ID().String()), zap.String("module_id", s.ModuleID()))
	var recorder Recorder
	if h.metrics != nil {
		recorder = h.metrics
	}
	conn := NewConn(wsConn, s.Handle().String(), recorder, log)

	if err := h.attacher.Attach(s.ID(), conn); err != nil {
		log.Warn("Channel rejected", zap.Error(err))
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}
	log.Info("Channel attached")
	<-conn.Done()
	log.Info("Channel closed")
}
