// Package watch keeps Gmail push subscriptions registered.
//
// A subscription moves from inactive to active on Start, is renewed before
// it lapses by RenewIfNeeded (directly or through Sweep) and is cleared
// by Stop. Registering a subscription anchors the history cursor at the
// id Gmail returns.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
)

// DefaultRenewBuffer renews subscriptions expiring within a day.
const DefaultRenewBuffer = 24 * time.Hour

// Operation names used in metrics.
const (
	opStart = "start"
	opStop  = "stop"
	opRenew = "renew"
)

// Status is the outcome of a watch operation.
type Status string

const (
	StatusStarted       Status = "started"
	StatusAlreadyActive Status = "already_active"
	StatusRenewed       Status = "renewed"
	StatusActive        Status = "active"
	StatusStopped       Status = "stopped"
)

// Result describes the subscription after an operation.
type Result struct {
	Status     Status    `json:"status"`
	Expiration time.Time `json:"expiration,omitempty"`
	HistoryID  uint64    `json:"history_id,omitempty"`
}

// IsExpired reports whether a subscription expiring at expiration must be
// renewed now, given buffer of lead time: now + buffer >= expiration.
func IsExpired(expiration time.Time, buffer time.Duration, now time.Time) bool {
	return !now.Add(buffer).Before(expiration)
}

// Manager registers, renews and stops subscriptions.
type Manager struct {
	opener  gmail.Opener
	repo    *credentials.GmailRepository
	topic   string
	labels  []string
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records watch operations.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(w *Manager) { w.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Manager) { w.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Manager) { w.now = now }
}

// NewManager creates a Manager publishing to the Pub/Sub topic.
func NewManager(opener gmail.Opener, repo *credentials.GmailRepository, topic string, opts ...Option) *Manager {
	m := &Manager{
		opener: opener,
		repo:   repo,
		topic:  topic,
		labels: []string{gmail.LabelInbox, gmail.LabelSent},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithComponent(m.logger, "watch")
	return m
}

// Start registers a subscription unless an unexpired one is recorded, in
// which case no Gmail call is made.
func (m *Manager) Start(ctx context.Context, userID string) (Result, error) {
	provider, payload, err := m.opener.Open(ctx, userID)
	if err != nil {
		m.metrics.RecordWatchOperation(ctx, opStart, instrumentation.StatusError)
		return Result{}, fmt.Errorf("failed to open mailbox: %w", err)
	}
	if payload.HasWatch() && m.now().Before(payload.Watch.Expiration) {
		m.metrics.RecordWatchOperation(ctx, opStart, instrumentation.StatusSkipped)
		return Result{
			Status:     StatusAlreadyActive,
			Expiration: payload.Watch.Expiration,
			HistoryID:  payload.Account.HistoryID,
		}, nil
	}

	res, err := m.register(ctx, provider, userID)
	if err != nil {
		m.metrics.RecordWatchOperation(ctx, opStart, instrumentation.StatusError)
		return Result{}, err
	}
	m.metrics.RecordWatchOperation(ctx, opStart, instrumentation.StatusSuccess)
	res.Status = StatusStarted
	m.logger.Info("watch started", logging.Operation(opStart), logging.User(userID), slog.Time("expiration", res.Expiration))
	return res, nil
}

// register calls watch and records the subscription and cursor anchor.
func (m *Manager) register(ctx context.Context, provider gmail.Provider, userID string) (Result, error) {
	resp, err := provider.Watch(ctx, m.topic, m.labels)
	if err != nil {
		return Result{}, err
	}
	state := &credentials.WatchState{
		Expiration:     time.UnixMilli(resp.Expiration).UTC(),
		TopicName:      m.topic,
		StartHistoryID: resp.HistoryId,
	}

	p, err := m.repo.Modify(ctx, userID, func(p *credentials.GmailPayload) (bool, error) {
		p.Watch = state
		p.AdvanceCursor(resp.HistoryId)
		return true, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to save watch state: %w", err)
	}
	return Result{Expiration: state.Expiration, HistoryID: p.Account.HistoryID}, nil
}

// Stop deregisters the subscription and clears the recorded state.
func (m *Manager) Stop(ctx context.Context, userID string) (Result, error) {
	provider, _, err := m.opener.Open(ctx, userID)
	if err != nil {
		m.metrics.RecordWatchOperation(ctx, opStop, instrumentation.StatusError)
		return Result{}, fmt.Errorf("failed to open mailbox: %w", err)
	}
	if err := provider.Stop(ctx); err != nil {
		m.metrics.RecordWatchOperation(ctx, opStop, instrumentation.StatusError)
		return Result{}, err
	}
	_, err = m.repo.Modify(ctx, userID, func(p *credentials.GmailPayload) (bool, error) {
		if p.Watch == nil {
			return false, nil
		}
		p.Watch = nil
		return true, nil
	})
	if err != nil {
		m.metrics.RecordWatchOperation(ctx, opStop, instrumentation.StatusError)
		return Result{}, fmt.Errorf("failed to clear watch state: %w", err)
	}
	m.metrics.RecordWatchOperation(ctx, opStop, instrumentation.StatusSuccess)
	m.logger.Info("watch stopped", logging.Operation(opStop), logging.User(userID))
	return Result{Status: StatusStopped}, nil
}

// RenewIfNeeded re-registers the subscription when IsExpired holds for
// buffer. The old subscription is stopped first on a best-effort basis.
// A user without a recorded subscription gets a new one.
func (m *Manager) RenewIfNeeded(ctx context.Context, userID string, buffer time.Duration) (Result, error) {
	provider, payload, err := m.opener.Open(ctx, userID)
	if err != nil {
		m.metrics.RecordWatchOperation(ctx, opRenew, instrumentation.StatusError)
		return Result{}, fmt.Errorf("failed to open mailbox: %w", err)
	}

	if !payload.HasWatch() {
		res, err := m.register(ctx, provider, userID)
		if err != nil {
			m.metrics.RecordWatchOperation(ctx, opStart, instrumentation.StatusError)
			return Result{}, err
		}
		m.metrics.RecordWatchOperation(ctx, opStart, instrumentation.StatusSuccess)
		res.Status = StatusStarted
		return res, nil
	}

	if !IsExpired(payload.Watch.Expiration, buffer, m.now()) {
		m.metrics.RecordWatchOperation(ctx, opRenew, instrumentation.StatusSkipped)
		return Result{
			Status:     StatusActive,
			Expiration: payload.Watch.Expiration,
			HistoryID:  payload.Account.HistoryID,
		}, nil
	}

	if err := provider.Stop(ctx); err != nil {
		m.logger.Warn("failed to stop expiring watch", logging.Operation(opRenew), logging.User(userID), logging.Err(err))
	}
	res, err := m.register(ctx, provider, userID)
	if err != nil {
		m.metrics.RecordWatchOperation(ctx, opRenew, instrumentation.StatusError)
		return Result{}, err
	}
	m.metrics.RecordWatchOperation(ctx, opRenew, instrumentation.StatusSuccess)
	res.Status = StatusRenewed
	m.logger.Info("watch renewed", logging.Operation(opRenew), logging.User(userID), slog.Time("expiration", res.Expiration))
	return res, nil
}

// SweepReport counts the outcome of a renewal sweep.
type SweepReport struct {
	Checked int `json:"checked"`
	Renewed int `json:"renewed"`
	Active  int `json:"active"`
	Failed  int `json:"failed"`
}

// Sweep runs RenewIfNeeded for every user with a recorded subscription.
// A failing user is logged and counted without stopping the sweep.
func (m *Manager) Sweep(ctx context.Context, buffer time.Duration) (SweepReport, error) {
	var report SweepReport

	records, decodeErrs, err := m.repo.ListWatched(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list watched credentials: %w", err)
	}
	for _, err := range decodeErrs {
		report.Failed++
		m.logger.Error("unreadable credential", logging.Err(err))
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res, err := m.RenewIfNeeded(ctx, rec.UserID, buffer)
		if err != nil {
			report.Failed++
			m.logger.Warn("watch renewal failed", logging.User(rec.UserID), logging.Err(err))
			continue
		}
		switch res.Status {
		case StatusRenewed, StatusStarted:
			report.Renewed++
		default:
			report.Active++
		}
	}

	m.logger.Info("watch sweep finished",
		slog.Int("checked", report.Checked),
		slog.Int("renewed", report.Renewed),
		slog.Int("failed", report.Failed))
	return report, nil
}
