package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"

	"github.com/teemow/inboxsync/internal/blob"
	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/google"
	"github.com/teemow/inboxsync/internal/ingest"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/notification"
	"github.com/teemow/inboxsync/internal/server"
	"github.com/teemow/inboxsync/internal/store"
	"github.com/teemow/inboxsync/internal/transform"
	"github.com/teemow/inboxsync/internal/watch"
)

// app holds the wired collaborators shared by the commands.
type app struct {
	cfg    Config
	logger *slog.Logger
	instr  *instrumentation.Provider

	pool   *pgxpool.Pool
	valkey valkey.Client

	repo       *credentials.GmailRepository
	store      store.Store
	factory    *google.TokenFactory
	connector  *gmail.Connector
	engine     *ingest.Engine
	watches    *watch.Manager
	dispatcher *notification.Dispatcher
	checks     map[string]server.CheckFunc
}

func newLogger(cfg Config) *slog.Logger {
	return logging.NewLogger(cfg.LogLevel, cfg.LogFormat == "text")
}

// newApp opens the storage backends and builds the sync components.
// Close releases them.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]server.CheckFunc),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	telemetry := cfg.Telemetry
	telemetry.ServiceVersion = version
	a.instr, err = instrumentation.NewProvider(ctx, telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	metrics := a.instr.Metrics()

	cipher, err := credentials.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if len(cfg.EncryptionKey) == 0 {
		logger.Warn("credential encryption disabled, OAuth tokens are stored in plaintext")
	}

	var credStore credentials.Store
	if cfg.DatabaseURL != "" {
		a.pool, err = openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.checks["postgres"] = a.pool.Ping

		pgCreds := credentials.NewPostgresStore(a.pool)
		pgStore := store.NewPostgres(a.pool)
		if cfg.AutoMigrate {
			if err := migrate(ctx, pgCreds, pgStore); err != nil {
				return nil, err
			}
		}
		credStore, a.store = pgCreds, pgStore
	} else {
		logger.Warn("no database configured, using in-memory stores")
		credStore, a.store = credentials.NewMemoryStore(), store.NewMemory()
	}

	if cfg.Valkey.Addr != "" {
		a.valkey, err = credentials.NewValkeyClient(cfg.Valkey)
		if err != nil {
			return nil, err
		}
		client := a.valkey
		a.checks["valkey"] = func(ctx context.Context) error {
			return client.Do(ctx, client.B().Ping().Build()).Error()
		}
		credStore = credentials.NewCachedStore(credStore, a.valkey, cfg.Valkey, logger)
	}
	a.repo = credentials.NewGmailRepository(credStore, cipher)

	var blobs blob.Store
	if cfg.BlobDir != "" {
		blobs, err = blob.NewLocal(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
	} else {
		blobs = blob.NewMemory()
	}

	a.factory = google.NewTokenFactory(
		google.OAuthConfig(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		a.repo,
		google.WithMetrics(metrics),
		google.WithLogger(logger),
	)
	a.connector = gmail.NewConnector(a.factory, cfg.Breaker, metrics, logger)

	attachments := transform.NewAttachmentProcessor(blobs, a.store, metrics, logger)
	a.engine = ingest.NewEngine(a.connector, a.repo, a.store, attachments,
		ingest.WithConfig(cfg.Sync),
		ingest.WithMetrics(metrics),
		ingest.WithAuditLogger(instrumentation.NewAuditLoggerWithConfig(logger, telemetry.AuditLogging)),
		ingest.WithLogger(logger),
	)
	a.watches = watch.NewManager(a.connector, a.repo, cfg.Topic,
		watch.WithMetrics(metrics),
		watch.WithLogger(logger),
	)
	a.dispatcher = notification.NewDispatcher(a.repo, a.engine, cfg.NotifyTimeout, metrics, logger)
	return a, nil
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func migrate(ctx context.Context, ms ...migrator) error {
	for _, m := range ms {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	if a.valkey != nil {
		a.valkey.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.instr != nil {
		if err := a.instr.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("instrumentation shutdown failed", logging.Err(err))
		}
	}
}
