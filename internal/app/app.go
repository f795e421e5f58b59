// Package app wires every long-lived collaborator — store, event bus, OAuth
// manager, integration registry, engine, dispatcher, scheduler, HTTP server —
// and runs the process in one of serve/worker/migrate mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/dsentr/dsentr/internal/api"
	"github.com/dsentr/dsentr/internal/audit"
	"github.com/dsentr/dsentr/internal/config"
	"github.com/dsentr/dsentr/internal/dispatcher"
	"github.com/dsentr/dsentr/internal/engine"
	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/httpserver"
	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/integrations/email"
	"github.com/dsentr/dsentr/internal/oauth"
	"github.com/dsentr/dsentr/internal/platform"
	"github.com/dsentr/dsentr/internal/scheduler"
	"github.com/dsentr/dsentr/internal/store"
	"github.com/dsentr/dsentr/internal/telemetry"
	"github.com/dsentr/dsentr/internal/version"
)

// Run is the main application entry point: it reads config, connects to
// infrastructure, and starts the mode named by cfg.Mode ("serve" or
// "worker"). The "migrate" mode is handled by the caller (cmd/dsentr) before
// Run is reached, since it needs its own exit code and no long-lived
// infrastructure.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting dsentr", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "dsentr", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.Domain()...)

	st := store.New(db)
	bus := eventbus.New(rdb, logger)
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	encryptionKey := cfg.OAuthTokenEncryptionKey
	if encryptionKey == "" {
		encryptionKey = cfg.APISecretsEncryptionKey
	}
	oauthMgr, err := oauth.New(st, auditWriter, encryptionKey, oauthCredentials(cfg))
	if err != nil {
		return fmt.Errorf("building oauth manager: %w", err)
	}

	registry := buildIntegrationRegistry(cfg)

	httpClient := &http.Client{Timeout: 60 * time.Second}
	eng := engine.New(engine.Deps{
		Store:      st,
		Registry:   registry,
		Secrets:    oauthMgr,
		HTTPClient: httpClient,
		Bus:        bus,
		Logger:     logger,
	})

	switch cfg.Mode {
	case "serve":
		return runServe(ctx, cfg, logger, db, rdb, metricsReg, st, bus, oauthMgr)
	case "worker":
		return runWorker(ctx, cfg, logger, st, bus, eng)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// oauthCredentials assembles the per-provider client id/secret pairs the
// OAuth manager needs to exchange a refresh token, from the environment. A
// provider with no configured credentials still gets an
// entry (refresh simply fails with a clear error rather than a nil map
// lookup panicking later).
func oauthCredentials(cfg *config.Config) map[string]oauth.ClientCredentials {
	return map[string]oauth.ClientCredentials{
		oauth.ProviderGoogle:    {ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret},
		oauth.ProviderMicrosoft: {ClientID: cfg.MicrosoftClientID, ClientSecret: cfg.MicrosoftClientSecret},
		oauth.ProviderAsana:     {ClientID: cfg.AsanaClientID, ClientSecret: cfg.AsanaClientSecret},
		oauth.ProviderSlack:     {ClientID: cfg.SlackClientID, ClientSecret: cfg.SlackClientSecret},
	}
}

// buildIntegrationRegistry registers every built-in adapter except the
// generic HTTP adapter, which the engine builds fresh per run so its
// egress check reflects that run's own workflow (internal/engine/traverse.go
// resolveAdapter).
func buildIntegrationRegistry(cfg *config.Config) *integrations.Registry {
	reg := integrations.NewRegistry()
	reg.Register("email", &email.Adapter{Config: email.Config{
		SendgridAPIBase: cfg.SendgridAPIBase,
		MailgunAPIBase:  cfg.MailgunAPIBase,
		AWSSESEndpoint:  cfg.AWSSESEndpoint,
	}})
	reg.Register("notion", &integrations.NotionAdapter{BaseURL: cfg.NotionAPIBase})
	reg.Register("slack", integrations.SlackAdapter{})
	return reg
}

// runServe starts the bearer-authenticated HTTP API: workflow CRUD, run
// lifecycle, dead-letter listing/requeue, SSE, and the public webhook
// trigger route. It blocks until ctx is canceled, then shuts
// the HTTP server down gracefully.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, st *store.Store, bus *eventbus.Bus, oauthMgr *oauth.Manager) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	handler := api.New(api.Deps{
		Store:         st,
		Bus:           bus,
		OAuth:         oauthMgr,
		Logger:        logger,
		WebhookSecret: cfg.WebhookSecret,
		DefaultQuota:  cfg.WorkspaceDefaultRunQuota,
	})
	handler.Mount(srv.APIRouter)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: the /events SSE stream is long-lived and closes on
		// client disconnect or server shutdown, not on a response deadline.
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker starts the dispatcher's worker pool and orphan sweeper, and the
// cluster-singleton scheduler tick loop. It blocks
// until ctx is canceled, draining in-flight runs per dispatcher.Config.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, st *store.Store, bus *eventbus.Bus, eng *engine.Engine) error {
	dispCfg := dispatcher.DefaultConfig()
	dispCfg.WorkerCount = cfg.WorkerCount
	dispCfg.LeaseSeconds = cfg.WorkerLeaseSeconds
	dispCfg.MaxRecoveries = cfg.MaxRecoveries
	dispCfg.DrainDeadline = time.Duration(cfg.DrainDeadlineSec) * time.Second

	disp := dispatcher.New(st, eng, bus, logger, dispCfg)
	sched := scheduler.New(st, st.Pool(), bus, logger, time.Duration(cfg.SchedulerTickMs)*time.Millisecond, cfg.WorkspaceDefaultRunQuota)

	errCh := make(chan error, 2)
	go func() {
		errCh <- disp.Run(ctx)
	}()
	go func() {
		errCh <- sched.Run(ctx)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
