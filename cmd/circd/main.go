// Package main is the entrypoint for the circ circulation server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openlend/circ/internal/api"
	"github.com/openlend/circ/internal/cache"
	"github.com/openlend/circ/internal/circ"
	"github.com/openlend/circ/internal/config"
	"github.com/openlend/circ/internal/db"
	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/distributor/vendorhttp"
	"github.com/openlend/circ/internal/jobs"
	"github.com/openlend/circ/internal/metrics"
	"github.com/openlend/circ/internal/models"
	"github.com/openlend/circ/internal/notifications"
	"github.com/openlend/circ/internal/scheduler"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "circd",
		Short: "Digital circulation server for metered license pools",
		Long: `circd runs the circulation engine for a library's digital
collection: loans, holds, reservation windows, and reconciliation
against distributor platforms.

Configuration is read from environment variables; run 'circd serve'
to start the server.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("circd %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the circulation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := runServe(); code != 0 {
				return fmt.Errorf("server exited with code %d", code)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			logger := newLogger()
			cfg := config.LoadServerConfig()

			database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer database.Close()

			if err := database.Migrate(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			version, err := database.CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func runServe() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := newLogger()
	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Msg("Starting circulation server")

	cfg := config.LoadServerConfig()

	// Connect to database and apply migrations.
	database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to run database migrations")
		return 1
	}

	// Metrics registry shared by the engine and the /metrics endpoint.
	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	// Distributor fleet. The in-process adapter always registers so
	// pools seeded for evaluation keep working; the vendor adapter
	// joins when an endpoint is configured.
	fleet := distributor.NewRegistry()
	fleet.Register(distributor.NewMemory())
	if cfg.VendorBaseURL != "" {
		vendor, err := vendorhttp.New(vendorhttp.Config{
			BaseURL: cfg.VendorBaseURL,
			APIKey:  cfg.VendorAPIKey,
			Timeout: cfg.AdapterTimeout,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to configure vendor adapter")
			return 1
		}
		fleet.Register(vendor)
		logger.Info().Str("base_url", cfg.VendorBaseURL).Msg("Vendor adapter registered")
	}

	// Optional patron activity cache.
	var activityCache circ.ActivityCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		activityCache = cache.New(redisClient, cache.DefaultTTL, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Activity cache enabled")
	}

	// Notification service. An empty sink URL logs events without
	// delivering them.
	sender := notifications.NewWebhookSender(logger)
	notifier, err := notifications.NewService(database, sender, notifications.Config{
		WebhookURL:    cfg.NotifyWebhookURL,
		WebhookSecret: cfg.NotifyWebhookSecret,
		RequireHTTPS:  cfg.Environment == config.EnvProduction,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to configure notifications")
		return 1
	}

	// Background job queue. Constructed before the engine so circulation
	// transitions can hint reconcile passes through it.
	queue := jobs.NewQueue(database, jobs.DefaultQueueConfig(), logger)

	engine := circ.NewEngine(circ.Deps{
		Store:      database,
		Registry:   fleet,
		Notifier:   notifier,
		Cache:      activityCache,
		Metrics:    m,
		Reconciler: queue,
	}, circ.Config{
		DefaultLoanLimit:  cfg.DefaultLoanLimit,
		DefaultHoldLimit:  cfg.DefaultHoldLimit,
		MaxFines:          cfg.MaxFines,
		ReservationWindow: cfg.ReservationWindow,
		DriftTolerance:    cfg.DriftTolerance,
		DriftStreakLimit:  cfg.DriftStreak,
		Retry: distributor.RetryConfig{
			MaxAttempts: cfg.AdapterAttempts,
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
		},
	}, logger)

	queue.RegisterHandler(models.JobTypeReconcilePool, jobs.NewReconcileHandler(engine))
	queue.RegisterHandler(models.JobTypeSweepPool, jobs.NewSweepHandler(engine))
	queue.RegisterHandler(models.JobTypeExpireLoans,
		jobs.NewExpireLoansHandler(engine, database, notifier, nil, cfg.ExpiringLeadTime, logger))
	queue.RegisterHandler(models.JobTypeExpireReservations,
		jobs.NewExpireReservationsHandler(engine, database, nil, logger))
	queue.RegisterHandler(models.JobTypeSyncPatron, jobs.NewSyncPatronHandler(engine))
	if err := queue.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start job queue")
		return 1
	}
	defer queue.Stop()

	// Periodic reconcile and expiry passes.
	sched := scheduler.New(queue, database, scheduler.Config{
		ReconcileSchedule: cfg.ReconcileCron,
		ExpirySchedule:    cfg.ExpiryCron,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start scheduler")
		return 1
	}
	defer sched.Stop()

	router := api.NewRouter(api.Config{Version: Version}, engine, database, queue, registry, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Server stopped gracefully")
	return 0
}
