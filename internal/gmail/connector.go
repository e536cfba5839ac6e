package gmail

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/google"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
)

// ServiceFactory builds authenticated Gmail services. *google.TokenFactory
// implements it.
type ServiceFactory interface {
	Client(ctx context.Context, userID string) (*google.Handle, error)
}

// Connector opens Clients for users. Each user gets one circuit breaker
// that survives across sessions, so a mailbox that keeps failing stays
// isolated from the others.
type Connector struct {
	factory  ServiceFactory
	settings BreakerSettings
	metrics  *instrumentation.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewConnector creates a Connector.
func NewConnector(factory ServiceFactory, settings BreakerSettings, metrics *instrumentation.Metrics, logger *slog.Logger) *Connector {
	return &Connector{
		factory:  factory,
		settings: settings,
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Open implements Opener.
func (c *Connector) Open(ctx context.Context, userID string) (Provider, *credentials.GmailPayload, error) {
	h, err := c.factory.Client(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	client := NewClient(h.Service,
		WithBreaker(c.breaker(userID)),
		WithClientMetrics(c.metrics),
		WithClientLogger(logging.WithUser(c.logger, userID)),
	)
	return client, h.Payload, nil
}

func (c *Connector) breaker(userID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[userID]
	if !ok {
		cb = newBreaker("gmail-api:"+userID, c.settings, c.logger)
		c.breakers[userID] = cb
	}
	return cb
}

// OpenBreakers returns the users whose breaker is currently open.
func (c *Connector) OpenBreakers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for user, cb := range c.breakers {
		if cb.State() == gobreaker.StateOpen {
			out = append(out, user)
		}
	}
	return out
}
