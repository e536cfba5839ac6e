package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/logging"
)

// Batch defaults.
const (
	DefaultBatchSize        = 50
	DefaultBatchConcurrency = 10
)

// ErrIncompleteFetch is returned by a pass that could not fetch every
// candidate for a retryable reason. The cursor stays put so the range is
// read again.
var ErrIncompleteFetch = errors.New("message fetch incomplete")

// FetchResult is the outcome of a batch fetch.
type FetchResult struct {
	// Messages in the order of the requested ids.
	Messages []*gmailapi.Message
	// Skipped counts ids that failed permanently, such as messages deleted
	// since the change log listed them.
	Skipped int
	// Retry lists ids that failed transiently or were never attempted.
	Retry []string
}

// Complete reports whether no id needs another attempt.
func (r FetchResult) Complete() bool {
	return len(r.Retry) == 0
}

// Failed returns the number of ids not fetched.
func (r FetchResult) Failed() int {
	return r.Skipped + len(r.Retry)
}

// Batcher fetches full messages chunk by chunk. Within a chunk requests run
// concurrently up to Concurrency; a chunk completes before the next starts.
type Batcher struct {
	Size        int
	Concurrency int
	Logger      *slog.Logger
}

// BatchFetch fetches ids with the default Batcher.
func BatchFetch(ctx context.Context, p gmail.Provider, ids []string) FetchResult {
	return Batcher{}.Fetch(ctx, p, ids)
}

// Fetch fetches ids. A failed id never stops the others; it is logged and
// reported as skipped or to retry.
func (b Batcher) Fetch(ctx context.Context, p gmail.Provider, ids []string) FetchResult {
	size := b.Size
	if size <= 0 {
		size = DefaultBatchSize
	}
	limit := b.Concurrency
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := FetchResult{Messages: make([]*gmailapi.Message, 0, len(ids))}
	for i, chunk := range chunks(ids, size) {
		if ctx.Err() != nil {
			remaining := ids[i*size:]
			logger.Warn("batch fetch interrupted",
				slog.Int("chunk", i+1),
				slog.Int("remaining", len(remaining)),
				logging.Err(ctx.Err()))
			out.Retry = append(out.Retry, remaining...)
			break
		}
		results := fetchChunk(ctx, p, chunk, limit, logger)
		for _, id := range chunk {
			res := results[id]
			switch {
			case res.msg != nil:
				out.Messages = append(out.Messages, res.msg)
			case res.retry:
				out.Retry = append(out.Retry, id)
			default:
				out.Skipped++
			}
		}
		logger.Debug("fetched chunk",
			slog.Int("chunk", i+1),
			slog.Int("requested", len(chunk)),
			slog.Int("skipped", out.Skipped),
			slog.Int("retry", len(out.Retry)))
	}
	return out
}

type itemResult struct {
	msg   *gmailapi.Message
	retry bool
}

func fetchChunk(ctx context.Context, p gmail.Provider, ids []string, limit int, logger *slog.Logger) map[string]itemResult {
	var (
		mu      sync.Mutex
		results = make(map[string]itemResult, len(ids))
		g       errgroup.Group
	)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			msg, err := p.GetMessage(ctx, id)
			res := itemResult{msg: msg}
			if err != nil {
				res = itemResult{retry: gmail.IsRetryable(err)}
				logger.Warn("failed to fetch message",
					logging.MessageID(id),
					slog.Bool("retryable", res.retry),
					logging.Err(err))
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}
