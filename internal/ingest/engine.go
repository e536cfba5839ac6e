package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/store"
	"github.com/teemow/inboxsync/internal/transform"
)

// Config tunes the engine. Zero values fall back to the defaults, except
// ContactInterval where zero disables pacing.
type Config struct {
	// CandidateCap bounds the history candidates per notification.
	CandidateCap int
	BatchSize    int
	// BatchConcurrency bounds concurrent message fetches within a batch.
	BatchConcurrency int
	// BackfillMax bounds the message ids searched per contact.
	BackfillMax int
	// ContactInterval paces backfill searches across contacts.
	ContactInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CandidateCap:     DefaultCandidateCap,
		BatchSize:        DefaultBatchSize,
		BatchConcurrency: DefaultBatchConcurrency,
		BackfillMax:      1000,
		ContactInterval:  300 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CandidateCap <= 0 {
		c.CandidateCap = d.CandidateCap
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	if c.BackfillMax <= 0 {
		c.BackfillMax = d.BackfillMax
	}
	if c.ContactInterval < 0 {
		c.ContactInterval = 0
	}
	return c
}

// Report summarizes one sync run.
type Report struct {
	Mode       string `json:"mode"`
	Candidates int    `json:"candidates"`
	Fetched    int    `json:"fetched"`
	Matched    int    `json:"matched"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
	HistoryID  uint64 `json:"history_id"`
	// Resynced is set when an expired cursor forced a full resync.
	Resynced bool `json:"resynced,omitempty"`
}

// Engine runs notification, backfill and resync passes for Gmail users.
type Engine struct {
	opener      gmail.Opener
	repo        *credentials.GmailRepository
	directory   store.Directory
	messages    store.Messages
	attachments *transform.AttachmentProcessor
	metrics     *instrumentation.Metrics
	audit       *instrumentation.AuditLogger
	logger      *slog.Logger
	cfg         Config
	limiter     *rate.Limiter
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMetrics records sync metrics.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditLogger emits one audit record per run.
func WithAuditLogger(a *instrumentation.AuditLogger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source for backfill windows.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the pipeline. Credentials are read and cursors written
// through repo; providers come from opener.
func NewEngine(opener gmail.Opener, repo *credentials.GmailRepository, st store.Store, attachments *transform.AttachmentProcessor, opts ...Option) *Engine {
	e := &Engine{
		opener:      opener,
		repo:        repo,
		directory:   st,
		messages:    st,
		attachments: attachments,
		cfg:         DefaultConfig(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.logger = logging.WithComponent(e.logger, "ingest")

	every := rate.Inf
	if e.cfg.ContactInterval > 0 {
		every = rate.Every(e.cfg.ContactInterval)
	}
	e.limiter = rate.NewLimiter(every, 1)
	return e
}

func (e *Engine) batcher() Batcher {
	return Batcher{Size: e.cfg.BatchSize, Concurrency: e.cfg.BatchConcurrency, Logger: e.logger}
}

// run wraps a pass in a span, the in-flight gauge, the run metrics and the
// audit record.
func (e *Engine) run(ctx context.Context, mode, userID, address string, fn func(ctx context.Context, r *Report) error) (Report, error) {
	attrs := instrumentation.NewSpanAttributeBuilder().WithUser(logging.AnonymizeEmail(address)).Build()
	ctx, span := instrumentation.StartSyncSpan(ctx, mode, attrs...)
	defer span.End()

	e.metrics.IncrementSyncRuns(ctx)
	defer e.metrics.DecrementSyncRuns(ctx)

	start := time.Now()
	audit := instrumentation.NewSyncRun(mode).WithUser(userID, address)

	r := Report{Mode: mode}
	err := fn(ctx, &r)

	span.SetAttributes(instrumentation.NewSpanAttributeBuilder().
		WithHistoryID(r.HistoryID).
		WithInserted(r.Inserted).
		Build()...)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		instrumentation.SetSpanError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	e.metrics.RecordSyncRun(ctx, mode, status, address, time.Since(start))
	e.metrics.RecordMessages(ctx, mode, instrumentation.MessageInserted, r.Inserted)
	e.metrics.RecordMessages(ctx, mode, instrumentation.MessageDuplicate, r.Duplicates)
	e.metrics.RecordMessages(ctx, mode, instrumentation.MessageFailed, r.Failed)

	e.audit.LogSyncRun(audit.
		WithCounts(r.Candidates, r.Matched, r.Inserted, r.Duplicates).
		WithHistoryID(r.HistoryID).
		WithSpanContext(ctx).
		Complete(err))
	return r, err
}

// ProcessNotification handles one mailbox change announced for userID.
// It reads the change log from storedCursor (or the stored credential's
// cursor when zero), stores matching messages and moves the cursor to the
// value the change log reported. The cursor is advanced on every
// successful path, including when nothing matched. When some candidates
// could not be fetched for a retryable reason, the fetched ones are still
// stored but the cursor stays and ErrIncompleteFetch is returned. An
// expired cursor triggers a resync.
func (e *Engine) ProcessNotification(ctx context.Context, userID, address string, storedCursor uint64) (Report, error) {
	return e.run(ctx, instrumentation.ModeNotification, userID, address, func(ctx context.Context, r *Report) error {
		provider, payload, err := e.opener.Open(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to open mailbox: %w", err)
		}
		start := storedCursor
		if start == 0 {
			start = payload.Account.HistoryID
		}
		userAddress := payload.Account.EmailAddress
		if userAddress == "" {
			userAddress = address
		}
		logger := logging.WithOperation(logging.WithUser(e.logger, userID), instrumentation.ModeNotification)

		delta, err := FetchDelta(ctx, provider, start, e.cfg.CandidateCap)
		for i := 0; i < delta.Pages; i++ {
			e.metrics.RecordHistoryPage(ctx)
		}
		if errors.Is(err, gmail.ErrHistoryExpired) {
			logger.Warn("history cursor expired, resyncing", logging.HistoryID(start))
			r.Resynced = true
			return e.resync(ctx, userID, userAddress, provider, r)
		}
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}

		r.Candidates = len(delta.MessageIDs)
		r.HistoryID = delta.HistoryID
		if r.Candidates == 0 {
			return e.advance(ctx, userID, delta.HistoryID)
		}

		index, err := BuildIndex(ctx, e.directory, userID, store.ChannelGmail)
		if err != nil {
			return err
		}
		if index.Len() == 0 {
			logger.Debug("no tracked contacts", slog.Int("candidates", r.Candidates))
			return e.advance(ctx, userID, delta.HistoryID)
		}

		res := e.batcher().Fetch(ctx, provider, delta.MessageIDs)
		r.Fetched = len(res.Messages)
		r.Failed += res.Failed()

		cache := make(attachmentCache)
		for _, msg := range res.Messages {
			for _, m := range index.Match(msg, userAddress) {
				r.Matched++
				e.ingest(ctx, provider, msg, m, userAddress, cache, r)
			}
		}

		logger.Info("processed notification",
			slog.Int("candidates", r.Candidates),
			slog.Int("matched", r.Matched),
			slog.Int("inserted", r.Inserted),
			logging.HistoryID(delta.HistoryID))
		if !res.Complete() {
			logger.Warn("keeping cursor, fetch incomplete",
				slog.Int("retry", len(res.Retry)),
				logging.HistoryID(start))
			return fmt.Errorf("%w: %d of %d candidates", ErrIncompleteFetch, len(res.Retry), r.Candidates)
		}
		return e.advance(ctx, userID, delta.HistoryID)
	})
}

// Resync resets the user's cursor to the mailbox's current history id and
// backfills every tracked contact.
func (e *Engine) Resync(ctx context.Context, userID string) (Report, error) {
	provider, payload, err := e.opener.Open(ctx, userID)
	if err != nil {
		return Report{Mode: instrumentation.ModeResync}, fmt.Errorf("failed to open mailbox: %w", err)
	}
	address := payload.Account.EmailAddress
	return e.run(ctx, instrumentation.ModeResync, userID, address, func(ctx context.Context, r *Report) error {
		r.Resynced = true
		return e.resync(ctx, userID, address, provider, r)
	})
}

func (e *Engine) resync(ctx context.Context, userID, userAddress string, provider gmail.Provider, r *Report) error {
	profile, err := provider.Profile(ctx)
	if err != nil {
		return fmt.Errorf("failed to read mailbox profile: %w", err)
	}
	r.HistoryID = profile.HistoryId
	if err := e.advance(ctx, userID, profile.HistoryId); err != nil {
		return err
	}

	projects, err := e.directory.ActiveProjects(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list active projects: %w", err)
	}
	for _, project := range projects {
		contacts, err := e.projectContacts(ctx, project.ID)
		if err != nil {
			return err
		}
		if err := e.backfill(ctx, provider, userAddress, project, contacts, r); err != nil {
			return err
		}
	}
	return nil
}

// Backfill imports past messages between the user and the given contacts
// of a project, from the project start date to now. An empty contactIDs
// backfills every contact of the project.
func (e *Engine) Backfill(ctx context.Context, userID string, projectID uuid.UUID, contactIDs []uuid.UUID) (Report, error) {
	project, err := e.directory.GetProject(ctx, userID, projectID)
	if err != nil {
		return Report{Mode: instrumentation.ModeBackfill}, fmt.Errorf("failed to load project: %w", err)
	}
	provider, payload, err := e.opener.Open(ctx, userID)
	if err != nil {
		return Report{Mode: instrumentation.ModeBackfill}, fmt.Errorf("failed to open mailbox: %w", err)
	}
	address := payload.Account.EmailAddress

	return e.run(ctx, instrumentation.ModeBackfill, userID, address, func(ctx context.Context, r *Report) error {
		contacts, err := e.projectContacts(ctx, project.ID)
		if err != nil {
			return err
		}
		if len(contactIDs) > 0 {
			contacts = selectContacts(contacts, contactIDs)
		}
		r.HistoryID = payload.Account.HistoryID
		return e.backfill(ctx, provider, address, *project, contacts, r)
	})
}

func (e *Engine) projectContacts(ctx context.Context, projectID uuid.UUID) ([]store.TrackedContact, error) {
	channels, err := e.directory.ConnectedChannels(ctx, []uuid.UUID{projectID}, store.ChannelGmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected channels: %w", err)
	}
	if len(channels) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(channels))
	for _, c := range channels {
		ids = append(ids, c.ID)
	}
	contacts, err := e.directory.TrackedContacts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked contacts: %w", err)
	}
	return contacts, nil
}

func selectContacts(contacts []store.TrackedContact, ids []uuid.UUID) []store.TrackedContact {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.TrackedContact
	for _, c := range contacts {
		if want[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

// BackfillQuery builds the search for messages exchanged with address
// between start and two days past now. A zero start searches all history.
func BackfillQuery(address string, start, now time.Time) string {
	q := fmt.Sprintf("(from:%s OR to:%s)", address, address)
	if !start.IsZero() {
		q += " after:" + start.Format("2006/01/02")
	}
	return q + " before:" + now.AddDate(0, 0, 2).Format("2006/01/02")
}

// backfill searches and stores messages contact by contact. Search
// failures are logged and skip the contact; fetch failures are counted.
// Backfill keeps no cursor, so a later backfill picks up what was missed.
func (e *Engine) backfill(ctx context.Context, provider gmail.Provider, userAddress string, project store.Project, contacts []store.TrackedContact, r *Report) error {
	cache := make(attachmentCache)
	for _, c := range contacts {
		if c.Address == "" {
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		query := BackfillQuery(credentials.NormalizeAddress(c.Address), project.StartDate, e.now())
		ids, err := provider.ListMessageIDs(ctx, query, e.cfg.BackfillMax)
		if err != nil {
			e.logger.Warn("backfill search failed",
				logging.Contact(c.ID.String()),
				logging.Err(err))
			continue
		}
		r.Candidates += len(ids)

		res := e.batcher().Fetch(ctx, provider, ids)
		r.Fetched += len(res.Messages)
		r.Failed += res.Failed()
		for _, msg := range res.Messages {
			if !IsFinal(msg.LabelIds) {
				continue
			}
			r.Matched++
			sender := transform.ParseAddress(transform.ParseHeaders(msg).Get(transform.HeaderFrom))
			e.ingest(ctx, provider, msg, Match{
				Contact:       c,
				IsFromContact: sender != credentials.NormalizeAddress(userAddress),
			}, userAddress, cache, r)
		}
		e.logger.Debug("backfilled contact",
			logging.Contact(c.ID.String()),
			slog.Int("found", len(ids)),
			slog.Int("failed", res.Failed()))
	}
	return nil
}

type attachmentKey struct {
	messageID string
	projectID uuid.UUID
}

// attachmentCache keeps attachments stored once per message and project
// when one message matches several contacts of the same project.
type attachmentCache map[attachmentKey][]store.Attachment

// ingest stores one (message, contact) pair and updates r. Known pairs are
// skipped before attachments are downloaded; the insert itself stays
// idempotent for concurrent runs.
func (e *Engine) ingest(ctx context.Context, provider gmail.Provider, msg *gmailapi.Message, m Match, userAddress string, cache attachmentCache, r *Report) {
	logger := e.logger.With(logging.MessageID(msg.Id), logging.Contact(m.Contact.ID.String()))

	exists, err := e.messages.MessageExists(ctx, msg.Id, m.Contact.ID)
	if err != nil {
		r.Failed++
		logger.Warn("failed to check message", logging.Err(err))
		return
	}
	if exists {
		r.Duplicates++
		return
	}

	out := transform.Transform(msg, m.Contact.ID, userAddress)
	out.IsFromContact = m.IsFromContact
	if e.attachments != nil {
		key := attachmentKey{msg.Id, m.Contact.ProjectID}
		stored, ok := cache[key]
		if !ok {
			stored = e.attachments.Process(ctx, provider, msg, m.Contact.ProjectID)
			cache[key] = stored
		}
		out.Attachments = stored
	}

	inserted, err := e.messages.InsertMessage(ctx, out)
	switch {
	case err != nil:
		r.Failed++
		logger.Warn("failed to store message", logging.Err(err))
	case inserted:
		r.Inserted++
	default:
		r.Duplicates++
	}
}

// advance moves the stored cursor forward to historyID.
func (e *Engine) advance(ctx context.Context, userID string, historyID uint64) error {
	if historyID == 0 {
		return nil
	}
	if _, err := e.repo.AdvanceCursor(ctx, userID, historyID); err != nil {
		return err
	}
	return nil
}
