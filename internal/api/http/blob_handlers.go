package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
)

// ServeBlob handles GET /blobs/*key for the in-memory store. URLs handed
// out by STORAGE_GET_URL carry an expiry; expired ones are refused.
func (h *Handlers) ServeBlob(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || strings.HasPrefix(key, "registry/") {
		abort(c, http.StatusNotFound, blob.ErrNotFound)
		return
	}
	if raw := c.Query("expires"); raw != "" {
		expires, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || time.Now().Unix() > expires {
			abort(c, http.StatusForbidden, errors.New("link expired"))
			return
		}
	}

	data, obj, err := h.deps.Blobs.Get(c.Request.Context(), key)
	if errors.Is(err, blob.ErrNotFound) {
		abort(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, contentType, data)
}
