package ingest

import (
	"context"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/gmail"
)

// DefaultCandidateCap bounds the candidates gathered per notification.
const DefaultCandidateCap = 500

// Delta is the outcome of one change-log pass.
type Delta struct {
	// HistoryID is the cursor reported by the last page read.
	HistoryID uint64
	// MessageIDs are unique, in order of first appearance.
	MessageIDs []string
	Pages      int
}

// FetchDelta pages through the change log from startHistoryID, collecting
// ids of added messages and of messages that gained a label. Paging stops
// when no page token is left or once limit candidates have been gathered;
// ids of the last page read are all kept. gmail.ErrHistoryExpired is
// returned unchanged so callers can fall back to a resync.
func FetchDelta(ctx context.Context, p gmail.Provider, startHistoryID uint64, limit int) (Delta, error) {
	if limit <= 0 {
		limit = DefaultCandidateCap
	}

	d := Delta{HistoryID: startHistoryID}
	seen := make(map[string]struct{})
	pageToken := ""
	for {
		page, err := p.ListHistory(ctx, startHistoryID, pageToken)
		if err != nil {
			return Delta{}, err
		}
		d.Pages++
		if page.HistoryId > d.HistoryID {
			d.HistoryID = page.HistoryId
		}
		for _, id := range historyMessageIDs(page.History) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			d.MessageIDs = append(d.MessageIDs, id)
		}

		if page.NextPageToken == "" || len(d.MessageIDs) >= limit {
			return d, nil
		}
		pageToken = page.NextPageToken
	}
}

func historyMessageIDs(records []*gmailapi.History) []string {
	var ids []string
	for _, h := range records {
		if h == nil {
			continue
		}
		for _, added := range h.MessagesAdded {
			if added != nil && added.Message != nil && added.Message.Id != "" {
				ids = append(ids, added.Message.Id)
			}
		}
		for _, labeled := range h.LabelsAdded {
			if labeled != nil && labeled.Message != nil && labeled.Message.Id != "" {
				ids = append(ids, labeled.Message.Id)
			}
		}
	}
	return ids
}
