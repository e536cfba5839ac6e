package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/ingest"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/notification"
	"github.com/teemow/inboxsync/internal/watch"
)

const (
	// DefaultAddr is the default listen address of the API server.
	DefaultAddr = ":8080"

	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// NotificationHandler handles one Pub/Sub push body.
type NotificationHandler interface {
	Handle(ctx context.Context, body []byte) notification.Response
}

// WatchService manages push subscriptions.
type WatchService interface {
	Start(ctx context.Context, userID string) (watch.Result, error)
	Stop(ctx context.Context, userID string) (watch.Result, error)
	RenewIfNeeded(ctx context.Context, userID string, buffer time.Duration) (watch.Result, error)
}

// SyncService runs manual sync passes.
type SyncService interface {
	Backfill(ctx context.Context, userID string, projectID uuid.UUID, contactIDs []uuid.UUID) (ingest.Report, error)
	Resync(ctx context.Context, userID string) (ingest.Report, error)
}

// Authorizer runs the OAuth consent flow. *google.TokenFactory implements it.
type Authorizer interface {
	AuthURL(state string) string
	Authorize(ctx context.Context, userID, code string, reauth bool) (*credentials.GmailPayload, error)
}

// CredentialLoader reads stored credentials.
type CredentialLoader interface {
	Load(ctx context.Context, userID string) (*credentials.GmailPayload, error)
}

// ChannelConnector flips channels to connected once a credential exists.
type ChannelConnector interface {
	MarkChannelsConnected(ctx context.Context, userID, channelType string) (int64, error)
}

// Config holds the API server settings.
type Config struct {
	Addr string
	// RenewBuffer is used by /watch/renew when the request carries none.
	RenewBuffer time.Duration

	// OAuthRate and OAuthBurst limit each client on the /oauth routes.
	// A zero rate uses the defaults; a negative rate disables limiting.
	OAuthRate  float64
	OAuthBurst int
	TrustProxy bool
}

// Deps are the collaborators the routes delegate to.
type Deps struct {
	Notifications NotificationHandler
	Watches       WatchService
	Sync          SyncService
	Auth          Authorizer
	Credentials   CredentialLoader
	Channels      ChannelConnector

	Context      *ServerContext
	OpenBreakers func() []string
	Metrics      *instrumentation.Metrics
	Logger       *slog.Logger
}

// Server is the public HTTP API.
type Server struct {
	cfg        Config
	deps       Deps
	engine     *gin.Engine
	health     *HealthChecker
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RenewBuffer <= 0 {
		cfg.RenewBuffer = watch.DefaultRenewBuffer
	}
	if cfg.OAuthRate == 0 {
		cfg.OAuthRate = DefaultOAuthRate
	}
	if cfg.OAuthBurst <= 0 {
		cfg.OAuthBurst = DefaultOAuthBurst
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		health: NewHealthChecker(deps.Context, deps.OpenBreakers),
		logger: logging.WithComponent(deps.Logger, "http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery(), requestMetrics(s.deps.Metrics), requestLogger(s.logger))

	s.health.Register(r)

	r.POST("/notifications", s.handleNotification)

	oauth := r.Group("/oauth/gmail")
	if s.cfg.OAuthRate > 0 {
		oauth.Use(NewClientLimiter(s.cfg.OAuthRate, s.cfg.OAuthBurst, s.cfg.TrustProxy).Middleware())
	}
	{
		oauth.GET("/connect", s.handleConnect)
		oauth.GET("/reauth", s.handleReauth)
		oauth.GET("/callback", s.handleCallback)
	}

	w := r.Group("/watch")
	{
		w.POST("/start", s.handleWatchStart)
		w.POST("/stop", s.handleWatchStop)
		w.POST("/renew", s.handleWatchRenew)
	}

	r.POST("/backfill", s.handleBackfill)
	r.POST("/resync", s.handleResync)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Health returns the health checker, so shutdown can flip readiness.
func (s *Server) Health() *HealthChecker {
	return s.health
}

// Start serves until Shutdown. It blocks; http.ErrServerClosed is not
// reported as an error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	s.logger.Info("starting api server", slog.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down api server")
	return s.httpServer.Shutdown(ctx)
}
