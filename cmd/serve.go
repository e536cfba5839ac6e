package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/scheduler"
	"github.com/teemow/inboxsync/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		Long: `Start the HTTP server receiving Gmail push notifications, the OAuth
connect flow and the manual sync endpoints, together with the periodic
watch renewal sweep.

Required configuration:
  GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET   OAuth client
  GOOGLE_REDIRECT_URL                      public URL of /oauth/gmail/callback
  GMAIL_TOPIC                              Pub/Sub topic Gmail publishes to

Without DATABASE_URL all state is kept in memory and lost on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			if err := cfg.validateServe(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	f := cmd.Flags()
	f.String("http-addr", server.DefaultAddr, "HTTP server address. Can also use HTTP_ADDR env var.")
	f.String("google-redirect-url", "", "OAuth redirect URL (https://host/oauth/gmail/callback). Can also use GOOGLE_REDIRECT_URL env var.")
	f.Bool("metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	f.String("metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")
	f.Duration("notification-timeout", 0, "Upper bound for processing one notification (default 2m). Can also use NOTIFICATION_TIMEOUT env var.")
	f.Duration("sweep-interval", 0, "Interval of the watch renewal sweep (default 6h). Can also use WATCH_SWEEP_INTERVAL env var.")
	f.Bool("trust-proxy", false, "Trust X-Forwarded-For when rate limiting the OAuth routes. Can also use HTTP_TRUST_PROXY env var.")
	f.Bool("migrate", false, "Apply the database schema on startup. Can also use DATABASE_MIGRATE env var.")

	bindFlags(f, map[string]string{
		"http.addr":            "http-addr",
		"google.redirect_url":  "google-redirect-url",
		"metrics.enabled":      "metrics-enabled",
		"metrics.addr":         "metrics-addr",
		"notification.timeout": "notification-timeout",
		"watch.sweep_interval": "sweep-interval",
		"http.trust_proxy":     "trust-proxy",
		"database.migrate":     "migrate",
	})
	return cmd
}

func runServe(cfg Config) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg)
	a, err := newApp(shutdownCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	serverContext := server.NewServerContext(shutdownCtx)
	for name, check := range a.checks {
		serverContext.AddCheck(name, check)
	}

	var metricsServer *server.MetricsServer
	if cfg.MetricsEnabled && a.instr.PrometheusHandler() != nil {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    cfg.MetricsAddr,
			InstrumentationProvider: a.instr,
			Logger:                  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
	}

	apiServer := server.New(server.Config{
		Addr:        cfg.HTTPAddr,
		RenewBuffer: cfg.RenewBuffer,
		OAuthRate:   cfg.OAuthRate,
		OAuthBurst:  cfg.OAuthBurst,
		TrustProxy:  cfg.TrustProxy,
	}, server.Deps{
		Notifications: a.dispatcher,
		Watches:       a.watches,
		Sync:          a.engine,
		Auth:          a.factory,
		Credentials:   a.repo,
		Channels:      a.store,
		Context:       serverContext,
		OpenBreakers:  a.connector.OpenBreakers,
		Metrics:       a.instr.Metrics(),
		Logger:        logger,
	})

	sweeps := scheduler.New(a.watches, cfg.SweepInterval, cfg.RenewBuffer, logger)
	sweeps.Start(serverContext.Context())

	errs := make(chan error, 2)
	go func() { errs <- apiServer.Start() }()
	if metricsServer != nil {
		go func() { errs <- metricsServer.Start() }()
	}

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
	case err = <-errs:
		if err != nil {
			logger.Error("server failed", logging.Err(err))
		}
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
	defer cancelShutdown()

	sweeps.Stop()
	if shutdownErr := apiServer.Shutdown(ctx); shutdownErr != nil {
		logger.Warn("api server shutdown failed", logging.Err(shutdownErr))
	}
	if metricsServer != nil {
		if shutdownErr := metricsServer.Shutdown(ctx); shutdownErr != nil {
			logger.Warn("metrics server shutdown failed", logging.Err(shutdownErr))
		}
	}
	serverContext.Shutdown()
	return err
}
