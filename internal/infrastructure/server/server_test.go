package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = "0"
	cfg.RateLimit.Enabled = false
	cfg.Modules.Dir = t.TempDir()

	dir := filepath.Join(cfg.Modules.Dir, "clock")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"),
		[]byte("export default function App() { return '<time>now</time>'; }\n"), 0o644))
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestNewServerSeedsModules(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := get(t, s, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = get(t, s, "/modules")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"clock"`)

	w = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "modrt_registry_modules 1")
}

func TestNewServerWithSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "runtime.db")
	s := newTestServer(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"moduleId":"clock","siteId":"s1"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, s.host.Len())
}

func TestNewServerRejectsBadRemoteBridge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Endpoint = "ftp://bridge"
	_, err := NewServer(context.Background(), cfg, WithRegistry(prometheus.NewRegistry()), WithLogger(logging.NewNop()))
	assert.Error(t, err)
}

func TestBridgeRouteRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.Key = "sekrit"
	s := newTestServer(t, cfg)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/bridge", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBridgeRouteNeedsConfiguredKey(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := httptest.NewRecorder()
	body := `{"context":{"moduleId":"m","siteId":"s","permissions":["db:write"]},"message":{"type":"DB_UPSERT","moduleId":"m","requestId":"r1"}}`
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/bridge", strings.NewReader(body)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownUnmountsSessions(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"moduleId":"clock"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Zero(t, s.host.Len())
}
