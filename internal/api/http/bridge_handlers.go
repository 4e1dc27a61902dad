package http

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
)

// maxForwardBody bounds a forwarded request. Uploads travel base64 encoded
// inside it, so it sits above the bridge's upload limit.
const maxForwardBody = 40 << 20

// ServeBridge handles POST /bridge: one forwarded operation in, the
// bridge's reply out. The route is guarded by the shared bridge key.
// Bridge failures are replies, so anything that decodes gets a 200.
func (h *Handlers) ServeBridge(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxForwardBody)
	body, err := c.GetRawData()
	if err != nil {
		abort(c, http.StatusRequestEntityTooLarge, err)
		return
	}

	var req runtime.ForwardRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid forward request: " + err.Error()})
		return
	}
	if req.Message.Type == "" || req.Message.RequestID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "forwarded message needs a type and request id"})
		return
	}

	ctx := c.Request.Context()
	if req.SessionID != "" {
		// UI actions reach the session when it is mounted in this process
		if s, ok := h.deps.Host.Get(id.SessionID(req.SessionID)); ok && s.ModuleID() == req.Context.ModuleID {
			ctx = runtime.WithSession(ctx, s)
		}
	}

	reply := h.deps.Bridge.Handle(ctx, req.Context, req.Message)
	data, err := protocol.Encode(reply)
	if err != nil {
		h.log.Error("Encode bridge reply failed",
			zap.String("request_id", req.Message.RequestID),
			zap.String("trace_id", string(tracing.GetTraceID(ctx))),
			zap.Error(err))
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
