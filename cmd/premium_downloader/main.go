package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/premium_downloader/internal/acquisition"
	"github.com/italolelis/premium_downloader/internal/cleanup"
	"github.com/italolelis/premium_downloader/internal/config"
	"github.com/italolelis/premium_downloader/internal/http/rest"
	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/manager"
	"github.com/italolelis/premium_downloader/internal/notifier"
	"github.com/italolelis/premium_downloader/internal/premium"
	"github.com/italolelis/premium_downloader/internal/storage"
	"github.com/italolelis/premium_downloader/internal/storage/sqlite"
	"github.com/italolelis/premium_downloader/internal/subscriber"
	"github.com/italolelis/premium_downloader/internal/supervisor"
	"github.com/italolelis/premium_downloader/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("premium downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	sqliteStore := sqlite.NewStore(database)

	if cfg.DefaultSimultaneousDownloads > 0 {
		if err := sqliteStore.SeedConfig(ctx, cfg.DefaultSimultaneousDownloads); err != nil {
			return fmt.Errorf("failed to seed config: %w", err)
		}
	}

	store := sqlite.NewInstrumentedStore(sqliteStore, tel)

	// =========================================================================
	// Start Premium Provider
	premiumOpts := []premium.Option{premium.WithPolling(cfg.Acquire.PollInterval, cfg.Acquire.Timeout)}

	if cfg.Putio.BaseURL != "" {
		baseURL, err := url.Parse(cfg.Putio.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid put.io base url: %w", err)
		}

		premiumOpts = append(premiumOpts, premium.WithBaseURL(baseURL))
	}

	provider := premium.NewInstrumentedClient(premium.NewClient(premiumOpts...), tel)
	worker := acquisition.NewWorker(provider, cfg.TargetDir)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Supervisors
	managers, subscribers := newRegistries(gctx, cfg, tel)

	managerOpts := []manager.Option{manager.WithTelemetry(tel)}
	if cfg.DiscordWebhookURL != "" {
		managerOpts = append(managerOpts, manager.WithNotifier(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)))
	}

	locate := func(accountID string) (manager.Mailbox, error) {
		m, _, err := managers.Start(supervisor.ManagerKey(accountID), func() (*manager.Manager, error) {
			return manager.New(accountID, store, provider, worker, managerOpts...), nil
		})
		if err != nil {
			return nil, err
		}

		return m, nil
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, store, subscribers, locate, tel)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, store, cfg.TargetDir, cfg.KeepDownloadedFor, cfg.CleanupInterval)
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	err = g.Wait()

	subscribers.Wait()
	managers.Wait()

	return err
}

// newRegistries builds the actor registries. Every actor stops once ctx is done,
// so a failing server or cleanup loop also brings the actors down.
func newRegistries(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
) (*supervisor.Registry[*manager.Manager], *supervisor.Registry[*subscriber.Subscriber]) {
	policy := supervisor.Policy{
		InitialInterval: cfg.Restart.InitialInterval,
		MaxInterval:     cfg.Restart.MaxInterval,
		MaxRestarts:     cfg.Restart.MaxRestarts,
		Window:          cfg.Restart.Window,
	}

	managers := supervisor.NewRegistry[*manager.Manager](ctx, "manager", policy, tel)
	subscribers := supervisor.NewRegistry[*subscriber.Subscriber](ctx, "subscriber", policy, tel)

	return managers, subscribers
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	store storage.Store,
	subscribers *supervisor.Registry[*subscriber.Subscriber],
	locate subscriber.Locator,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewHandler(store, subscribers, locate, cfg.Admin.Username, cfg.Admin.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "premium_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
