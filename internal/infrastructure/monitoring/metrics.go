package monitoring

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Bridge metrics
	BridgeRequests *prometheus.CounterVec
	BridgeDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsMounted    prometheus.Counter
	SessionTransitions *prometheus.CounterVec
	ForwardDuration    *prometheus.HistogramVec
	ForwardErrors      *prometheus.CounterVec

	// Registry metrics
	RegistryModules prometheus.Gauge
	Compilations    *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for the health endpoint
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests     int64
	TotalErrors       int64
	BridgeRequests    int64
	BridgeFailures    int64
	ActiveSessions    int64
	ActiveConnections int64
	TotalDuration     float64 // sum of all request durations
	RequestCount      int64   // count for averaging
}

// NewMetrics creates a metrics collector registered with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modrt_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modrt_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modrt_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		// Bridge metrics
		BridgeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_bridge_requests_total",
				Help: "Total number of bridge requests by type and error code",
			},
			[]string{"type", "code"},
		),
		BridgeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modrt_bridge_request_duration_seconds",
				Help:    "Bridge request duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"type"},
		),

		// Session metrics
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "modrt_sessions_active",
				Help: "Number of mounted sessions",
			},
		),
		SessionsMounted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "modrt_sessions_mounted_total",
				Help: "Total number of sessions mounted",
			},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_session_transitions_total",
				Help: "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		ForwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modrt_forward_duration_seconds",
				Help:    "Duration of bridge requests forwarded by sessions",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
		ForwardErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_forward_errors_total",
				Help: "Total number of forwards that failed before a response",
			},
			[]string{"type", "reason"},
		),

		// Registry metrics
		RegistryModules: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "modrt_registry_modules",
				Help: "Number of modules in the registry",
			},
		),
		Compilations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_compilations_total",
				Help: "Total number of module compilations",
			},
			[]string{"status"},
		),

		// WebSocket metrics
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "modrt_ws_connections",
				Help: "Number of active WebSocket channel connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modrt_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "modrt_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// ObserveRequest records one handled bridge request
func (m *Metrics) ObserveRequest(t protocol.MessageType, code protocol.ErrorCode, d time.Duration) {
	label := string(code)
	if label == "" {
		label = "OK"
	}
	m.BridgeRequests.WithLabelValues(string(t), label).Inc()
	m.BridgeDuration.WithLabelValues(string(t)).Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.BridgeRequests++
	if code != "" {
		m.snapshot.BridgeFailures++
	}
	m.mu.Unlock()
}

// ObserveSessionState records a session state transition and keeps the
// active gauge in step with sessions entering and leaving Unmounted.
func (m *Metrics) ObserveSessionState(from, to runtime.State) {
	m.SessionTransitions.WithLabelValues(from.String(), to.String()).Inc()

	var delta int64
	switch {
	case from == runtime.StateUnmounted && to != runtime.StateUnmounted:
		delta = 1
		m.SessionsMounted.Inc()
	case from != runtime.StateUnmounted && to == runtime.StateUnmounted:
		delta = -1
	default:
		return
	}
	m.SessionsActive.Add(float64(delta))

	m.mu.Lock()
	m.snapshot.ActiveSessions += delta
	m.mu.Unlock()
}

// ObserveForward records one forwarded bridge request
func (m *Metrics) ObserveForward(t protocol.MessageType, d time.Duration, err error) {
	m.ForwardDuration.WithLabelValues(string(t)).Observe(d.Seconds())
	if err != nil {
		m.ForwardErrors.WithLabelValues(string(t), forwardReason(err)).Inc()
	}
}

func forwardReason(err error) string {
	switch {
	case errors.Is(err, runtime.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, runtime.ErrSessionUnmounted):
		return "unmounted"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "transport"
	}
}

// RecordCompilation records a module compilation outcome
func (m *Metrics) RecordCompilation(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Compilations.WithLabelValues(status).Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SetRegistryModules sets the number of modules in the registry
func (m *Metrics) SetRegistryModules(count int) {
	m.RegistryModules.Set(float64(count))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}
