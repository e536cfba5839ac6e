package gmail

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/teemow/inboxsync/internal/logging"
)

// BreakerSettings tunes the per-mailbox circuit breaker.
type BreakerSettings struct {
	// MaxRequests allowed while half-open.
	MaxRequests uint32
	// Interval after which closed-state counts reset.
	Interval time.Duration
	// Timeout the breaker stays open before probing again.
	Timeout time.Duration
	// ConsecutiveFailures that trip the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

func newBreaker(name string, s BreakerSettings, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s = DefaultBreakerSettings()
	}
	logger = logging.WithComponent(logger, "gmail_breaker")

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// countsAsSuccess keeps client-side failures from opening the breaker. Only
// server errors, throttling and transport failures count against Gmail.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	code := statusCode(err)
	switch {
	case code == http.StatusTooManyRequests:
		return false
	case code >= 400 && code < 500:
		return true
	default:
		return false
	}
}
