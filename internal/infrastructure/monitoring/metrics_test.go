package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
)

var (
	_ bridge.Observer  = (*Metrics)(nil)
	_ runtime.Observer = (*Metrics)(nil)
)

func TestObserveRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRequest(protocol.TypeDBQuery, "", time.Millisecond)
	m.ObserveRequest(protocol.TypeDBQuery, protocol.CodePermissionDenied, time.Millisecond)
	m.ObserveRequest(protocol.TypeDBQuery, protocol.CodePermissionDenied, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeRequests.WithLabelValues(string(protocol.TypeDBQuery), "OK")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BridgeRequests.WithLabelValues(string(protocol.TypeDBQuery), string(protocol.CodePermissionDenied))))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.BridgeRequests)
	assert.Equal(t, int64(2), snap.BridgeFailures)
}

func TestObserveSessionState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveSessionState(runtime.StateUnmounted, runtime.StateMounting)
	m.ObserveSessionState(runtime.StateMounting, runtime.StateAwaitingReady)
	m.ObserveSessionState(runtime.StateAwaitingReady, runtime.StateLive)
	m.ObserveSessionState(runtime.StateUnmounted, runtime.StateMounting)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsMounted))

	m.ObserveSessionState(runtime.StateLive, runtime.StateUnmounted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, int64(1), m.Snapshot().ActiveSessions)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues("live", "unmounted")))
}

func TestObserveForward(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	typ := string(protocol.TypeStorageUpload)

	m.ObserveForward(protocol.TypeStorageUpload, time.Millisecond, nil)
	m.ObserveForward(protocol.TypeStorageUpload, time.Second, runtime.ErrRequestTimeout)
	m.ObserveForward(protocol.TypeStorageUpload, 0, runtime.ErrSessionUnmounted)
	m.ObserveForward(protocol.TypeStorageUpload, 0, resilience.ErrCircuitOpen)
	m.ObserveForward(protocol.TypeStorageUpload, 0, errors.New("connection refused"))

	for _, reason := range []string{"timeout", "unmounted", "circuit_open", "transport"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ForwardErrors.WithLabelValues(typ, reason)), reason)
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/sessions/:id", func(c *gin.Context) { c.String(http.StatusOK, c.Param("id")) })

	for _, path := range []string{"/sessions/a", "/sessions/b", "/nowhere"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/sessions/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.InDelta(t, 1.0/3.0, snap.ErrorRate(), 1e-9)
	assert.GreaterOrEqual(t, snap.AverageLatencyMs(), 0.0)
}

func TestWSConnections(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncWSConnections()
	m.IncWSConnections()
	m.DecWSConnections()
	m.RecordWSMessage("in", "MODULE_READY")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSConnections))
	assert.Equal(t, int64(1), m.Snapshot().ActiveConnections)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSMessages.WithLabelValues("in", "MODULE_READY")))
}

func TestRecordCompilation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordCompilation(nil)
	m.RecordCompilation(errors.New("no entry point"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compilations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compilations.WithLabelValues("error")))
}
