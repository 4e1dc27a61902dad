package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalRequests     int64     `json:"total_requests"`
	AverageLatencyMs  float64   `json:"average_latency_ms"`
	ErrorRate         float64   `json:"error_rate"`
	BridgeRequests    int64     `json:"bridge_requests"`
	BridgeFailures    int64     `json:"bridge_failures"`
	ActiveSessions    int       `json:"active_sessions"`
	ActiveConnections int64     `json:"active_connections"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}

// MetricsSummaryHandler handles GET /metrics/summary: the JSON digest of
// the Prometheus collectors
func (h *Handlers) MetricsSummaryHandler(c *gin.Context) {
	summary := MetricsSummary{
		Timestamp:      time.Now().UTC(),
		ActiveSessions: h.deps.Host.Len(),
	}
	if m := h.deps.Metrics; m != nil {
		snap := m.Snapshot()
		summary.TotalRequests = snap.TotalRequests
		summary.AverageLatencyMs = snap.AverageLatencyMs()
		summary.ErrorRate = snap.ErrorRate()
		summary.BridgeRequests = snap.BridgeRequests
		summary.BridgeFailures = snap.BridgeFailures
		summary.ActiveConnections = snap.ActiveConnections
		summary.UptimeSeconds = m.UptimeSeconds()
	}
	c.JSON(http.StatusOK, summary)
}
