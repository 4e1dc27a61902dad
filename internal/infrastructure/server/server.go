package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/http"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/middleware"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/api/ws"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/bridge"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/events"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/protocol"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/registry"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/runtime/sandbox"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/blob"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/redisstore"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store/sqlstore"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	host       *runtime.Host
	bridge     *bridge.Bridge
	registry   *registry.Manager
	logger     *logging.Logger
	config     *config.Config
	metrics    *monitoring.Metrics
	// closers release backing connections in reverse order of creation
	closers []func() error
}

// Option adjusts server construction
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	logger     *logging.Logger
}

// WithRegistry registers metrics on reg instead of the default registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// WithLogger uses logger instead of one built from the configuration
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// uiRelay hands UI actions from the bridge to the host, which is created
// after the bridge it forwards to
type uiRelay struct {
	host *runtime.Host
}

func (r *uiRelay) Dispatch(ctx context.Context, mc protocol.ModuleContext, action bridge.UIAction) error {
	if r.host == nil {
		return runtime.ErrSessionNotFound
	}
	return r.host.Dispatch(ctx, mc, action)
}

// NewServer creates a new server instance
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (srv *Server, err error) {
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logCfg := logging.DefaultConfig()
		if cfg.Logging.Development {
			logCfg = logging.DevelopmentConfig()
		}
		logCfg.Level = cfg.Logging.Level
		if logger, err = logging.New(logCfg); err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	logger.Info("Initializing module runtime server",
		zap.String("port", cfg.Server.Port),
		zap.String("blob_driver", cfg.Storage.Driver),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("remote_bridge", cfg.Bridge.Endpoint != ""),
	)

	s := &Server{logger: logger, config: cfg}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	// Initialize metrics first (needed by other components)
	s.metrics = monitoring.NewMetrics(o.registerer)

	tracer := tracing.New("module-runtime", logger.Logger)
	s.closers = append(s.closers, tracer.Close)

	deps, err := s.buildStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var breakers []*resilience.Breaker
	if cfg.Gateway.BaseURL != "" {
		gw, err := bridge.NewRestyGateway(bridge.GatewayConfig{
			BaseURL:    cfg.Gateway.BaseURL,
			Timeout:    cfg.Gateway.Timeout,
			MaxRetries: cfg.Bridge.MaxRetries,
		}, logger.Logger)
		if err != nil {
			return nil, err
		}
		deps.Gateway = gw
		breakers = append(breakers, gw.Breaker())
	}

	relay := &uiRelay{}
	deps.UI = relay
	deps.Observer = s.metrics
	deps.Logger = logger.Logger

	bridgeOpts := bridge.DefaultOptions()
	bridgeOpts.ModuleRate = cfg.Bridge.ModuleRate
	bridgeOpts.ModuleBurst = cfg.Bridge.ModuleBurst
	bridgeOpts.MaxUploadBytes = cfg.Bridge.MaxUploadBytes
	if s.bridge, err = bridge.New(deps, bridgeOpts); err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	s.closers = append(s.closers, s.bridge.Close)

	// Sessions forward either in-process or to a remote bridge endpoint
	var forwarder runtime.Forwarder = runtime.LocalForwarder{Bridge: s.bridge}
	if cfg.Bridge.Endpoint != "" {
		fwd, err := runtime.NewHTTPForwarder(runtime.HTTPForwarderConfig{
			Endpoint:   cfg.Bridge.Endpoint,
			Key:        cfg.Bridge.Key,
			Timeout:    cfg.Bridge.ForwardTimeout,
			MaxRetries: cfg.Bridge.MaxRetries,
			Tracer:     tracer,
		}, logger.Logger)
		if err != nil {
			return nil, err
		}
		forwarder = fwd
		breakers = append(breakers, fwd.Breaker())
	}

	tokenSecret := []byte(cfg.Auth.TokenSecret)
	if len(tokenSecret) == 0 {
		logger.Warn("CHANNEL_TOKEN_SECRET not set, channel tokens will not survive a restart")
		tokenSecret = []byte(rand.Text() + rand.Text())
	}
	tokens, err := runtime.NewTokenIssuer(tokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.JobTimeout = cfg.Runtime.JobTimeout
	sandboxOpener := sandbox.NewOpener(sandboxCfg, logger.Logger)
	remoteOpener := runtime.NewRemoteOpener()

	s.host, err = runtime.NewHost(runtime.SessionConfig{
		HeartbeatInterval: cfg.Runtime.HeartbeatInterval,
		StallMultiplier:   cfg.Runtime.StallMultiplier,
		RequestTimeout:    cfg.Runtime.RequestTimeout,
		ReadyTimeout:      cfg.Runtime.ReadyTimeout,
	}, runtime.HostDeps{
		Forwarder: forwarder,
		Opener:    sandboxOpener,
		Broker:    deps.Broker,
		Tokens:    tokens,
		Observer:  s.metrics,
		Logger:    logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	relay.host = s.host

	// Initialize the module registry and seed it from disk
	moduleCompiler := compiler.New(logger.Logger)
	s.registry = registry.NewManager(deps.Blobs, logger.Logger)
	seeder := registry.NewSeeder(s.registry, moduleCompiler, cfg.Modules.Dir, cfg.Modules.Pattern, logger.Logger)
	if _, err := seeder.Seed(ctx); err != nil {
		logger.Warn("Failed to seed modules", zap.Error(err))
	}
	if modules, err := s.registry.List(ctx); err == nil {
		s.metrics.SetRegistryModules(len(modules))
	}

	handlerDeps := httpapi.Deps{
		Bridge:   s.bridge,
		Compiler: moduleCompiler,
		Registry: s.registry,
		Host:     s.host,
		Sandbox:  sandboxOpener,
		Remote:   remoteOpener,
		Hub:      ws.NewHub(logger.Logger),
		Metrics:  s.metrics,
		Breakers: breakers,
		Logger:   logger.Logger,
	}
	if cfg.Storage.Driver == "memory" {
		handlerDeps.Blobs = deps.Blobs
	}
	handlers, err := httpapi.NewHandlers(handlerDeps)
	if err != nil {
		return nil, err
	}

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.CORSForOrigins(cfg.Server.Origins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	if cfg.Bridge.Key == "" {
		logger.Info("BRIDGE_KEY not set, POST /bridge is not served")
	}
	handlers.Register(router, httpapi.RouteOptions{
		BridgeKey: cfg.Bridge.Key,
		Channel:   ws.NewHandler(s.host, remoteOpener, s.metrics, nil, logger.Logger),
		Gatherer:  o.gatherer,
	})
	s.router = router
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

// buildStores creates the bridge's persistence from the configuration
func (s *Server) buildStores(ctx context.Context, cfg *config.Config) (bridge.Deps, error) {
	var deps bridge.Deps

	passphrase := cfg.Secrets.Passphrase
	if passphrase == "" {
		s.logger.Warn("SECRETS_PASSPHRASE not set, stored secrets will not survive a restart")
		passphrase = rand.Text()
	}
	sealer, err := store.NewSealer(passphrase)
	if err != nil {
		return deps, err
	}
	deps.Sealer = sealer

	switch cfg.Database.Driver {
	case "postgres", "sqlite":
		db, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return deps, fmt.Errorf("failed to open database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		deps.Data = sqlstore.NewKeyedData(db)
		deps.Quotas = sqlstore.NewQuotas(db, cfg.Storage.DefaultQuota)
		deps.Secrets = sqlstore.NewSecrets(db)
		deps.Events = sqlstore.NewEventLog(db)
		deps.Settings = sqlstore.NewSettings(db)
	default:
		deps.Data = store.NewMemoryKeyedData()
		deps.Quotas = store.NewMemoryQuota(cfg.Storage.DefaultQuota)
		deps.Secrets = store.NewMemorySecrets()
		deps.Events = store.NewMemoryEventLog()
		deps.Settings = store.NewMemorySettings()
	}

	// Redis carries live events across processes and owns quotas
	if cfg.Redis.Addr != "" {
		client := redisstore.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return deps, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		deps.Quotas = redisstore.NewQuotas(client, cfg.Storage.DefaultQuota)
		deps.Broker = events.NewRedis(redis.UniversalClient(client), s.logger.Logger)
	} else {
		deps.Broker = events.NewMemory(64)
	}
	s.closers = append(s.closers, deps.Broker.Close)

	switch cfg.Storage.Driver {
	case "s3":
		b, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:        cfg.Storage.Bucket,
			Region:        cfg.Storage.Region,
			Endpoint:      cfg.Storage.Endpoint,
			PublicBaseURL: cfg.Storage.PublicBase,
		})
		if err != nil {
			return deps, err
		}
		deps.Blobs = b
	case "gcs":
		b, err := blob.NewGCS(ctx, blob.GCSConfig{
			Bucket:        cfg.Storage.Bucket,
			PublicBaseURL: cfg.Storage.PublicBase,
		})
		if err != nil {
			return deps, err
		}
		s.closers = append(s.closers, b.Close)
		deps.Blobs = b
	default:
		deps.Blobs = blob.NewMemory(cfg.Storage.BaseURL, cfg.Storage.PublicBase)
	}
	return deps, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until it stops. It returns nil
// after Shutdown.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, unmounts every session and releases
// backing connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.host.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}

	// Sync logger before exit
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

func (s *Server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Failed to release resources", zap.Error(err))
		return err
	}
	return nil
}
