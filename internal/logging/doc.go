// Package logging provides structured logging helpers for inboxsync.
//
// All components log through log/slog. This package keeps attribute names
// consistent and keeps PII out of the logs:
//
//	logger := logging.WithComponent(slog.Default(), "ingest")
//	logger.Info("delta processed",
//	    logging.UserHash(address),
//	    logging.HistoryID(cursor),
//	    logging.Status(logging.StatusSuccess))
//
// Mailbox addresses are hashed with AnonymizeEmail and tokens are reduced to
// their length with SanitizeToken.
package logging
