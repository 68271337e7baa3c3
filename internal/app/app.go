package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vadim/neo-social/internal/config"
	httpcontroller "github.com/vadim/neo-social/internal/controller/http"
	"github.com/vadim/neo-social/internal/database"
	"github.com/vadim/neo-social/internal/domain/chat/dao"
	"github.com/vadim/neo-social/internal/domain/chat/policy"
	"github.com/vadim/neo-social/internal/domain/chat/service"
	"github.com/vadim/neo-social/internal/domain/chat/session"
	"github.com/vadim/neo-social/internal/domain/chat/transcript"
	"github.com/vadim/neo-social/internal/httpx/response"
	"github.com/vadim/neo-social/internal/realtime/broker"
	"github.com/vadim/neo-social/internal/realtime/feed"
	"github.com/vadim/neo-social/internal/storage"
)

// eventFeed is the realtime transport: row events are published into it and
// every viewer session subscribes to it
type eventFeed interface {
	broker.Source
	broker.Publisher
}

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	// Infrastructure
	pg    *pgxpool.Pool
	redis *redis.Client
	feed  eventFeed

	// Domain policies (interfaces for HTTP handlers)
	chatPolicy *policy.Policy
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(30 * time.Second))

	app := &App{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	if err := app.initDomains(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	app.registerRoutes()

	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// initInfrastructure connects to postgres and the configured realtime feed
func (a *App) initInfrastructure(ctx context.Context) error {
	pool, err := database.NewPostgresPool(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.pg = pool

	switch a.cfg.Realtime.Source {
	case config.SourcePostgres:
		a.feed = feed.NewPostgres(pool, a.cfg.Realtime.Channel, a.logger)
	case config.SourceRedis:
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.feed = feed.NewRedis(a.redis, a.cfg.Realtime.Channel, a.logger)
	default:
		return fmt.Errorf("unknown realtime source %q", a.cfg.Realtime.Source)
	}

	a.logger.Info("realtime feed ready", "source", a.cfg.Realtime.Source, "channel", a.cfg.Realtime.Channel)
	return nil
}

// initDomains initializes domain layers (DAO, Service, Policy)
func (a *App) initDomains(ctx context.Context) error {
	attachments, err := storage.NewS3Storage(storage.S3Config{
		Endpoint:        a.cfg.S3.Endpoint,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
		Bucket:          a.cfg.S3.Bucket,
		Region:          a.cfg.S3.Region,
		PublicURL:       a.cfg.S3.PublicURL,
	})
	if err != nil {
		return fmt.Errorf("initializing attachment storage: %w", err)
	}

	chatService := service.New(
		dao.NewConversationPostgres(a.pg),
		dao.NewMessagePostgres(a.pg),
		a.feed,
		attachments,
		a.logger,
	)
	a.chatPolicy = policy.New(chatService)

	return nil
}

// newSession builds the session of one connected viewer. Every session owns
// its own broker so relevance state never leaks between viewers.
func (a *App) newSession(viewerID string) *session.Manager {
	rt := a.cfg.Realtime
	b := broker.New(a.feed, a.chatPolicy,
		broker.WithLogger(a.logger),
		broker.WithLookupTimeout(rt.LookupTimeout),
	)
	return session.NewManager(viewerID, b, a.chatPolicy, session.Config{
		PendingTimeout:       rt.PendingTimeout,
		ReconnectInitial:     rt.ReconnectInitial,
		ReconnectMax:         rt.ReconnectMax,
		ReconnectMaxAttempts: rt.ReconnectMaxAttempts,
		StaleAfter:           rt.StaleAfter,
		Transcript: transcript.Config{
			PageSize:            rt.PageSize,
			NearBottomThreshold: rt.NearBottomPx,
			StaleAfter:          rt.StaleAfter,
		},
	}, a.logger)
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() {
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)
	a.router.Handle("/metrics", promhttp.Handler())

	sockets := httpcontroller.NewChatSocketHandler(a.newSession, a.logger)

	a.router.Route("/api/v1", func(r chi.Router) {
		chatHandler := httpcontroller.NewChatHandler(a.chatPolicy, sockets, a.cfg.S3.MaxUploadSize, a.logger)
		chatHandler.RegisterRoutes(r)
	})
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// readyHandler reports whether the database and the realtime feed are reachable
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.pg.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "dependency", "postgres", "error", err)
		response.Unavailable(w, "database unavailable")
		return
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			response.Unavailable(w, "realtime feed unavailable")
			return
		}
	}

	response.OK(w, map[string]string{"status": "ready"})
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	// Channel to receive errors from server
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address())
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// infrastructure below ends their feed subscriptions.
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	a.closeInfrastructure()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis client failed", "error", err)
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
}
