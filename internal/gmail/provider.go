package gmail

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/teemow/inboxsync/internal/credentials"
)

// Label ids the engine cares about.
const (
	LabelInbox = "INBOX"
	LabelSent  = "SENT"
	LabelDraft = "DRAFT"
)

// History record types requested from the change log.
const (
	HistoryMessageAdded = "messageAdded"
	HistoryLabelAdded   = "labelAdded"
)

// ErrHistoryExpired is returned when the start history id is too old for
// Gmail to serve a change log from it.
var ErrHistoryExpired = errors.New("history id is no longer available")

// Provider is the Gmail surface used by the sync engine.
type Provider interface {
	Profile(ctx context.Context) (*gmailapi.Profile, error)
	// ListHistory returns one page of the change log starting at startHistoryID.
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmailapi.ListHistoryResponse, error)
	Watch(ctx context.Context, topicName string, labelIDs []string) (*gmailapi.WatchResponse, error)
	Stop(ctx context.Context) error
	GetMessage(ctx context.Context, id string) (*gmailapi.Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	// ListMessageIDs returns up to max message ids matching a search query.
	ListMessageIDs(ctx context.Context, query string, max int) ([]string, error)
}

// Opener opens a Provider for a user together with the stored payload the
// session was authenticated from.
type Opener interface {
	Open(ctx context.Context, userID string) (Provider, *credentials.GmailPayload, error)
}

// IsNotFound reports whether err is a Gmail 404.
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

// IsRetryable reports whether a failed call may succeed when repeated:
// throttling, server errors, an open breaker, transport failures and
// context errors. Other 4xx responses are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	code := statusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests, code >= 500:
		return true
	default:
		return false
	}
}

func statusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
