package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
)

var (
	// ErrOAuthInvalid means the stored credential can no longer produce a
	// token. The user has to go through the connect flow again.
	ErrOAuthInvalid = errors.New("oauth credential is invalid")

	// ErrNotConnected means the user has no stored Gmail credential.
	ErrNotConnected = errors.New("gmail is not connected")
)

const operationRefresh = "token_refresh"

// Handle is an authenticated Gmail service together with the payload it
// was built from.
type Handle struct {
	Service   *gmail.Service
	Payload   *credentials.GmailPayload
	Refreshed bool
}

// TokenFactory turns stored credentials into authenticated Gmail services.
type TokenFactory struct {
	config     *oauth2.Config
	repo       *credentials.GmailRepository
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
	httpClient *http.Client
	apiOptions []option.ClientOption
	now        func() time.Time
}

// FactoryOption configures a TokenFactory.
type FactoryOption func(*TokenFactory)

// WithMetrics records token refreshes.
func WithMetrics(m *instrumentation.Metrics) FactoryOption {
	return func(f *TokenFactory) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *TokenFactory) { f.logger = l }
}

// WithHTTPClient sets the base HTTP client used for token refreshes and
// API calls.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *TokenFactory) { f.httpClient = c }
}

// WithAPIOptions appends options passed to gmail.NewService, such as a
// custom endpoint.
func WithAPIOptions(opts ...option.ClientOption) FactoryOption {
	return func(f *TokenFactory) { f.apiOptions = append(f.apiOptions, opts...) }
}

// WithClock overrides the time source used for the expiry check.
func WithClock(now func() time.Time) FactoryOption {
	return func(f *TokenFactory) { f.now = now }
}

// NewTokenFactory creates a factory refreshing tokens with config and
// persisting them through repo.
func NewTokenFactory(config *oauth2.Config, repo *credentials.GmailRepository, opts ...FactoryOption) *TokenFactory {
	f := &TokenFactory{
		config: config,
		repo:   repo,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.WithComponent(f.logger, "token_factory")
	return f
}

// Expired reports whether a token must be refreshed before use.
func Expired(expiry, now time.Time) bool {
	return !now.Before(expiry)
}

// Client returns an authenticated Gmail service for userID.
//
// An expired access token is refreshed first. When the refresh yields a
// different access token or expiry the new tokens are written back before
// the service is returned. A failed refresh is wrapped in ErrOAuthInvalid
// and not retried.
func (f *TokenFactory) Client(ctx context.Context, userID string) (*Handle, error) {
	payload, err := f.repo.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if payload == nil {
		return nil, ErrNotConnected
	}

	tok := tokenFromPayload(payload)
	refreshed := false

	if Expired(tok.Expiry, f.now()) {
		logger := logging.WithOperation(logging.WithUser(f.logger, userID), operationRefresh)
		fresh, err := f.refresh(ctx, tok)
		if err != nil {
			f.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultFailure)
			logger.Warn("token refresh failed", logging.Err(err))
			return nil, fmt.Errorf("%w: %v", ErrOAuthInvalid, err)
		}
		f.metrics.RecordOAuthTokenRefresh(ctx, instrumentation.OAuthResultSuccess)

		if tokenChanged(tok, fresh) {
			payload, err = f.persist(ctx, userID, fresh)
			if err != nil {
				return nil, err
			}
			refreshed = true
			logger.Debug("persisted refreshed token",
				slog.String("access_token", logging.SanitizeToken(fresh.AccessToken)),
				slog.Time("expiry", fresh.Expiry))
		}
		tok = fresh
	}

	svc, err := f.service(ctx, tok)
	if err != nil {
		return nil, err
	}
	return &Handle{Service: svc, Payload: payload, Refreshed: refreshed}, nil
}

func (f *TokenFactory) refresh(ctx context.Context, old *oauth2.Token) (*oauth2.Token, error) {
	if old.RefreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	// Only the refresh token is handed over so the source always calls the
	// token endpoint, whatever oauth2's own expiry margin thinks.
	src := f.config.TokenSource(ctx, &oauth2.Token{RefreshToken: old.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return nil, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	return fresh, nil
}

func (f *TokenFactory) persist(ctx context.Context, userID string, tok *oauth2.Token) (*credentials.GmailPayload, error) {
	p, err := f.repo.Modify(ctx, userID, func(p *credentials.GmailPayload) (bool, error) {
		p.Tokens = credentials.Tokens{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenType:    tok.TokenType,
			Expiry:       tok.Expiry,
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	return p, nil
}

func (f *TokenFactory) service(ctx context.Context, tok *oauth2.Token) (*gmail.Service, error) {
	opts := make([]option.ClientOption, 0, len(f.apiOptions)+1)
	if f.httpClient != nil {
		client := &http.Client{
			Transport: &oauth2.Transport{Source: oauth2.StaticTokenSource(tok), Base: f.httpClient.Transport},
			Timeout:   f.httpClient.Timeout,
		}
		opts = append(opts, option.WithHTTPClient(client))
	} else {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(tok)))
	}
	opts = append(opts, f.apiOptions...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

func tokenFromPayload(p *credentials.GmailPayload) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.Tokens.AccessToken,
		RefreshToken: p.Tokens.RefreshToken,
		TokenType:    p.Tokens.TokenType,
		Expiry:       p.Tokens.Expiry,
	}
}

func tokenChanged(old, fresh *oauth2.Token) bool {
	return old.AccessToken != fresh.AccessToken || !old.Expiry.Equal(fresh.Expiry)
}

// TokensFromOAuth converts an exchanged token for storage.
func TokensFromOAuth(tok *oauth2.Token) credentials.Tokens {
	return credentials.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}
