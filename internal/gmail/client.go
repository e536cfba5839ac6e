package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
)

const (
	me = "me"

	// messageListPageSize is the largest page messages.list accepts.
	messageListPageSize = 500
)

// Client wraps the Gmail Users service of one authenticated mailbox.
type Client struct {
	users   *gmailapi.UsersService
	breaker *gobreaker.CircuitBreaker
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBreaker shares a circuit breaker across clients of the same mailbox.
func WithBreaker(cb *gobreaker.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithClientMetrics records every call in the Google API metrics.
func WithClientMetrics(m *instrumentation.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps an authenticated Gmail service.
func NewClient(svc *gmailapi.Service, opts ...ClientOption) *Client {
	c := &Client{users: svc.Users}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithComponent(c.logger, "gmail_client")
	if c.breaker == nil {
		c.breaker = newBreaker("gmail-api", DefaultBreakerSettings(), c.logger)
	}
	return c
}

// call runs fn behind the breaker inside a span and records the outcome.
// Pass-level calls go through it: an open breaker stops a pass before it
// starts.
func (c *Client) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return c.observe(ctx, operation, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		return err
	})
}

// fetch runs a per-item read without the breaker. A pass that already
// started fetches every item; failures are reported per item and the
// caller decides whether the pass is complete.
func (c *Client) fetch(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return c.observe(ctx, operation, fn)
}

func (c *Client) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceGmail, operation)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	c.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceGmail, operation, status, time.Since(start))
	return err
}

// Profile returns the mailbox profile, including its current history id.
func (c *Client) Profile(ctx context.Context) (*gmailapi.Profile, error) {
	var out *gmailapi.Profile
	err := c.call(ctx, instrumentation.OperationProfile, func(ctx context.Context) error {
		var err error
		out, err = c.users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return out, nil
}

// ListHistory returns one page of added messages and added labels since
// startHistoryID. A 404 maps to ErrHistoryExpired.
func (c *Client) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmailapi.ListHistoryResponse, error) {
	var out *gmailapi.ListHistoryResponse
	err := c.call(ctx, instrumentation.OperationHistory, func(ctx context.Context) error {
		req := c.users.History.List(me).
			StartHistoryId(startHistoryID).
			HistoryTypes(HistoryMessageAdded, HistoryLabelAdded)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		var err error
		out, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: start %d: %v", ErrHistoryExpired, startHistoryID, err)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return out, nil
}

// Watch registers a push subscription for labelIDs on topicName.
func (c *Client) Watch(ctx context.Context, topicName string, labelIDs []string) (*gmailapi.WatchResponse, error) {
	var out *gmailapi.WatchResponse
	err := c.call(ctx, instrumentation.OperationWatch, func(ctx context.Context) error {
		var err error
		out, err = c.users.Watch(me, &gmailapi.WatchRequest{
			TopicName:         topicName,
			LabelIds:          labelIDs,
			LabelFilterAction: "include",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}
	return out, nil
}

// Stop deregisters the push subscription.
func (c *Client) Stop(ctx context.Context) error {
	err := c.call(ctx, instrumentation.OperationStop, func(ctx context.Context) error {
		return c.users.Stop(me).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}

// GetMessage retrieves a full Gmail message.
func (c *Client) GetMessage(ctx context.Context, id string) (*gmailapi.Message, error) {
	var out *gmailapi.Message
	err := c.fetch(ctx, instrumentation.OperationGet, func(ctx context.Context) error {
		var err error
		out, err = c.users.Messages.Get(me, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return out, nil
}

// ListMessageIDs pages through messages.list until max ids are collected
// or the result set ends.
func (c *Client) ListMessageIDs(ctx context.Context, query string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}

	var (
		ids       []string
		pageToken string
	)
	for len(ids) < max {
		size := int64(min(max-len(ids), messageListPageSize))
		var resp *gmailapi.ListMessagesResponse
		err := c.call(ctx, instrumentation.OperationSearch, func(ctx context.Context) error {
			req := c.users.Messages.List(me).Q(query).MaxResults(size)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// State returns the breaker state, for health reporting.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}
