package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/ingest"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
)

// DefaultTimeout bounds the processing of one notification.
const DefaultTimeout = 2 * time.Minute

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the body acknowledged to Pub/Sub. It is always sent with
// HTTP 200 so the transport does not redeliver.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Processor runs the sync pipeline for one notification.
type Processor interface {
	ProcessNotification(ctx context.Context, userID, address string, storedCursor uint64) (ingest.Report, error)
}

// Dispatcher resolves notifications to users and runs the pipeline.
type Dispatcher struct {
	repo      *credentials.GmailRepository
	processor Processor
	timeout   time.Duration
	metrics   *instrumentation.Metrics
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. A non-positive timeout uses
// DefaultTimeout.
func NewDispatcher(repo *credentials.GmailRepository, processor Processor, timeout time.Duration, metrics *instrumentation.Metrics, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		repo:      repo,
		processor: processor,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logging.WithComponent(logger, "notifications"),
	}
}

// Handle processes one push body. Processing is detached from the
// caller's cancellation and bounded by the dispatcher timeout. Pipeline
// failures are logged and still acknowledged as success.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) Response {
	n, err := Decode(body)
	if err != nil {
		d.metrics.RecordNotification(ctx, instrumentation.NotificationMalformed)
		d.logger.Warn("dropping malformed notification", logging.Err(err))
		return Response{Status: StatusError, Message: "malformed notification"}
	}
	logger := d.logger.With(logging.UserHash(n.EmailAddress), logging.HistoryID(n.HistoryID))

	rec, err := d.repo.FindByAccount(ctx, n.EmailAddress)
	if err != nil {
		d.metrics.RecordNotification(ctx, instrumentation.NotificationFailed)
		logger.Error("failed to resolve account", logging.Err(err))
		return Response{Status: StatusSuccess, Message: "notification acknowledged"}
	}
	if rec == nil {
		d.metrics.RecordNotification(ctx, instrumentation.NotificationUnknown)
		logger.Debug("no credential for account")
		return Response{Status: StatusSuccess, Message: "no matching account"}
	}

	stored := rec.Payload.Account.HistoryID
	if stored == n.HistoryID {
		d.metrics.RecordNotification(ctx, instrumentation.NotificationNoop)
		return Response{Status: StatusSuccess, Message: "already up to date"}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	report, err := d.processor.ProcessNotification(pctx, rec.UserID, n.EmailAddress, stored)
	if err != nil {
		d.metrics.RecordNotification(ctx, instrumentation.NotificationFailed)
		logger.Error("notification processing failed", logging.User(rec.UserID), logging.Err(err))
		return Response{Status: StatusSuccess, Message: "notification acknowledged"}
	}

	d.metrics.RecordNotification(ctx, instrumentation.NotificationProcessed)
	logger.Info("notification processed",
		logging.User(rec.UserID),
		slog.Int("inserted", report.Inserted),
		slog.Bool("resynced", report.Resynced))
	return Response{Status: StatusSuccess, Message: "notification processed"}
}
