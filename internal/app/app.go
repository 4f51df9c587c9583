// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signupdesk/mailroom/internal/campaigns"
	campaignspostgres "github.com/signupdesk/mailroom/internal/campaigns/postgres"
	"github.com/signupdesk/mailroom/internal/config"
	"github.com/signupdesk/mailroom/internal/mailqueue"
	mailqueuepostgres "github.com/signupdesk/mailroom/internal/mailqueue/postgres"
	"github.com/signupdesk/mailroom/internal/mailqueue/smtp"
	"github.com/signupdesk/mailroom/internal/pkg/ctxlog"
	"github.com/signupdesk/mailroom/internal/pkg/httputil"
	"github.com/signupdesk/mailroom/internal/pkg/metrics"
	"github.com/signupdesk/mailroom/internal/pkg/postgres"
	registrationspostgres "github.com/signupdesk/mailroom/internal/registrations/postgres"
	"github.com/signupdesk/mailroom/internal/version"
)

// App represents the application instance.
type App struct {
	config         *config.Config
	logger         *slog.Logger
	db             *pgxpool.Pool
	router         chi.Router
	server         *http.Server
	metricsServer  *http.Server
	backgroundStop context.CancelFunc

	deliveryWorker    *mailqueue.Worker
	campaignScheduler *campaigns.Scheduler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	backgroundCtx, backgroundStop := context.WithCancel(context.Background())

	app := &App{
		config:         cfg,
		logger:         logger,
		db:             db,
		backgroundStop: backgroundStop,
	}

	go app.collectDBMetrics(backgroundCtx)

	router, err := app.setup(backgroundCtx)
	if err != nil {
		db.Close()
		backgroundStop()
		return nil, fmt.Errorf("setup application: %w", err)
	}

	app.router = router
	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Router exposes the HTTP handler, mainly for tests that run the app behind
// an httptest server.
func (a *App) Router() chi.Router {
	return a.router
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. Background workers stop
// first so no entry is claimed after its worker loses the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.backgroundStop()

	if a.campaignScheduler != nil {
		a.campaignScheduler.Stop()
	}
	if a.deliveryWorker != nil {
		a.deliveryWorker.Stop()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()
	a.logger.Info("shutdown complete")

	return errors.Join(errs...)
}

// setup wires repositories, services, background workers and the router.
func (a *App) setup(ctx context.Context) (chi.Router, error) {
	queueRepo := mailqueuepostgres.NewRepository(a.db)
	campaignRepo := campaignspostgres.NewRepository(a.db)
	resolver := registrationspostgres.NewResolver(a.db)

	queueService := mailqueue.NewService(queueRepo)
	dispatcher := campaigns.NewDispatcher(campaignRepo, queueService, queueRepo, resolver)

	sender, err := smtp.NewSender(smtp.Config{
		Enabled:     a.config.SMTP.Enabled,
		Host:        a.config.SMTP.Host,
		Port:        a.config.SMTP.Port,
		User:        a.config.SMTP.User,
		Password:    a.config.SMTP.Password,
		FromAddress: a.config.SMTP.FromAddress,
		SendRate:    a.config.SMTP.SendRate,
	})
	if err != nil {
		return nil, fmt.Errorf("create smtp sender: %w", err)
	}

	a.deliveryWorker = mailqueue.NewWorker(mailqueue.WorkerConfig{
		BatchSize:         a.config.Queue.BatchSize,
		PollInterval:      a.config.Queue.PollInterval,
		SendTimeout:       a.config.Queue.SendTimeout,
		RetryDelay:        a.config.Queue.RetryDelay,
		MaxBackoff:        a.config.Queue.MaxBackoff,
		BackoffMultiplier: a.config.Queue.BackoffMultiplier,
		NumWorkers:        a.config.Queue.NumWorkers,
		StaleAfter:        a.config.Queue.StaleAfter,
	}, queueRepo, sender, dispatcher)
	if a.config.Queue.WorkerEnabled {
		a.deliveryWorker.Start(ctx)
	}

	a.campaignScheduler = campaigns.NewScheduler(campaigns.SchedulerConfig{
		PollInterval: a.config.Campaigns.PollInterval,
	}, campaignRepo, dispatcher)
	if a.config.Campaigns.SchedulerEnabled {
		a.campaignScheduler.Start(ctx)
	}

	go a.collectQueueMetrics(ctx, queueRepo)

	queueHandler := mailqueue.NewHandler(queueService)
	campaignsHandler := campaigns.NewHandler(dispatcher, queueService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(httputil.MetricsMiddleware)
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Route("/api/v1", func(r chi.Router) {
		queueHandler.RegisterRoutes(r)
		campaignsHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) collectDBMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo mailqueue.Repository) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := repo.GetStats(ctx)
			if err != nil {
				a.logger.Error("failed to collect queue metrics", "error", err)
				continue
			}
			mailqueue.RecordQueueStats(stats)
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
