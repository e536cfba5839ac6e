// Package gmail wraps the Gmail users service for one authenticated
// mailbox.
//
// Provider is the narrow surface the sync engine and the watch manager
// depend on: the profile, the history change log, watch registration,
// message and attachment reads and message search. Client implements it
// on top of google.golang.org/api/gmail/v1. Every call runs inside an
// OpenTelemetry span and is recorded in the Google API metrics. Pass-level
// calls (profile, history, watch, search) also run behind the mailbox's
// circuit breaker; per-item message and attachment reads do not, so one
// failing item never cuts off the rest of a batch. IsRetryable tells
// callers which failures are worth another attempt.
//
// A history listing that Gmail answers with 404 surfaces as
// ErrHistoryExpired: the stored cursor is older than the mailbox keeps,
// and the caller has to resynchronise.
//
// Example usage:
//
//	handle, err := tokens.Client(ctx, userID)
//	if err != nil {
//	    return err
//	}
//	client := gmail.NewClient(handle.Service)
//	page, err := client.ListHistory(ctx, handle.Payload.Account.HistoryID, "")
package gmail
