// Package server exposes the scoring engine over HTTP.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/entropy/internal/artifacts"
	"github.com/mbd888/entropy/internal/cache"
	"github.com/mbd888/entropy/internal/config"
	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/health"
	"github.com/mbd888/entropy/internal/logging"
	"github.com/mbd888/entropy/internal/metrics"
	"github.com/mbd888/entropy/internal/ratelimit"
	"github.com/mbd888/entropy/internal/realtime"
	"github.com/mbd888/entropy/internal/scoring"
	"github.com/mbd888/entropy/internal/validation"
)

// Version is reported by /health.
const Version = "0.3.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *scoring.Engine
	loader       *artifacts.Loader
	store        scoring.Store
	realtimeHub  *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil if caching is disabled
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	preloaded *scoring.Artifacts

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithArtifacts installs already loaded artifacts instead of reading them
// from the configured paths.
func WithArtifacts(a *scoring.Artifacts) Option {
	return func(s *Server) {
		s.preloaded = a
	}
}

// WithStore sets the prediction audit store (skips DATABASE_URL).
func WithStore(store scoring.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance. Artifact load failures are logged and
// leave the server running but not ready; Reload can recover.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}
			pg := scoring.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.db = db
			s.store = pg
			s.health.Ping("database", db.PingContext)
			s.logger.Info("using postgres prediction store", "dsn", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = scoring.NewMemoryStore()
			s.logger.Info("using in-memory prediction store")
		}
	}

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.redis = client
		cached := cache.New(client, s.store, cfg.ResultCacheTTL, s.logger)
		s.store = cached
		s.health.Ping("redis", cached.Ping)
		s.logger.Info("redis result cache enabled", "ttl", cfg.ResultCacheTTL)
	}

	policy, err := features.ParseCollisionPolicy(cfg.FlattenCollisions)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.loader = artifacts.NewLoader(artifacts.Paths{
		FeatureOrder: cfg.FeatureOrderPath,
		EncodingMaps: cfg.EncodingMapsPath,
		GroupKeys:    cfg.GroupKeysPath,
		Categories:   cfg.CategoriesPath,
		ModelsDir:    cfg.ModelsDir,
	}, policy, s.logger)

	art := s.preloaded
	if art == nil {
		art, err = s.loader.Load()
		if err != nil {
			s.logger.Error("failed to load artifacts; scoring unavailable until reload", "error", err)
		}
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.engine = scoring.NewEngine(art, scoring.Config{
		Threshold:   cfg.Threshold,
		TopK:        cfg.TopK,
		ReviewScore: cfg.ReviewScore,
		BlockScore:  cfg.BlockScore,
	},
		scoring.WithStore(s.store),
		scoring.WithLogger(s.logger),
		scoring.WithObserver(s.realtimeHub),
	)
	s.health.Condition("artifacts", "no usable models or feature order loaded", s.engine.Ready)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Engine returns the scoring engine.
func (s *Server) Engine() *scoring.Engine {
	return s.engine
}

// Reload re-reads artifacts from disk and swaps them in. The previous
// artifacts stay installed when loading fails.
func (s *Server) Reload() error {
	a, err := s.loader.Load()
	if err != nil {
		s.logger.Error("artifact reload failed", "error", err)
		return err
	}
	s.engine.Swap(a)
	info := s.engine.Info()
	s.realtimeHub.BroadcastReload(info)
	s.logger.Info("artifacts reloaded", "models", info.ModelsLoaded, "features", info.FeaturesTotal)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		v1.POST("/predict",
			validation.RequestSizeMiddleware(validation.MaxRequestSize),
			s.rateLimiter.Middleware(),
			s.predictHandler)
		v1.POST("/predict/batch",
			validation.RequestSizeMiddleware(validation.MaxBatchRequestSize),
			s.rateLimiter.Middleware(),
			s.batchPredictHandler)
		v1.GET("/predictions", s.listPredictionsHandler)
		v1.GET("/predictions/:transactionId", validation.TransactionIDParamMiddleware(), s.getPredictionHandler)
		v1.GET("/model", s.modelHandler)
		v1.GET("/stream", func(c *gin.Context) {
			s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
		})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		info := s.engine.Info()
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"models", info.ModelsLoaded,
			"features", info.FeaturesTotal,
			"threshold", info.Threshold,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}
	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// pending audit writes finish before their store closes
	s.engine.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
