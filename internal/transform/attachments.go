package transform

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/blob"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
	"github.com/teemow/inboxsync/internal/store"
)

const (
	// MinAttachmentSize filters out signature images and similar noise.
	MinAttachmentSize = 1024

	maxFilenameLength = 150
	truncatedLength   = 140

	defaultFilename = "unknown_file"
	defaultMimeType = "application/octet-stream"
)

var unsafeFilename = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)

// AttachmentParts returns metadata for every part that carries an
// attachment id, is larger than MinAttachmentSize and is not an image.
func AttachmentParts(msg *gmailapi.Message) []store.Attachment {
	var out []store.Attachment
	if msg == nil || msg.Payload == nil {
		return out
	}

	stack := []*gmailapi.MessagePart{msg.Payload}
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if part == nil {
			continue
		}
		if len(part.Parts) > 0 {
			stack = append(stack, reversed(part.Parts)...)
			continue
		}
		if part.Body == nil || part.Body.AttachmentId == "" {
			continue
		}

		mimeType := part.MimeType
		if mimeType == "" {
			mimeType = defaultMimeType
		}
		if part.Body.Size <= MinAttachmentSize || strings.HasPrefix(mimeType, "image/") {
			continue
		}
		filename := part.Filename
		if filename == "" {
			filename = defaultFilename
		}
		out = append(out, store.Attachment{
			Filename:     filename,
			FileType:     mimeType,
			FileSize:     part.Body.Size,
			AttachmentID: part.Body.AttachmentId,
		})
	}
	return out
}

// SafeFilename makes name safe for object storage: reserved characters
// become underscores, names over 150 characters keep their first 140 plus
// the extension, and a _YYYYMMDD_HHMMSS suffix from now goes before the
// extension.
func SafeFilename(name string, now time.Time) string {
	safe := unsafeFilename.Replace(name)

	if utf8.RuneCountInString(safe) > maxFilenameLength {
		base, ext := splitExt(safe)
		safe = string([]rune(base)[:min(truncatedLength, utf8.RuneCountInString(base))]) + ext
	}

	base, ext := splitExt(safe)
	return base + "_" + now.Format("20060102_150405") + ext
}

// splitExt splits at the last dot. The returned extension includes the dot
// and is empty when there is none.
func splitExt(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	if i == len(name)-1 {
		return name[:i], ""
	}
	return name[:i], name[i:]
}

// AttachmentProcessor stores message attachments as project documents.
type AttachmentProcessor struct {
	blobs     blob.Store
	documents store.Documents
	metrics   *instrumentation.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewAttachmentProcessor creates a processor uploading to blobs and
// registering documents.
func NewAttachmentProcessor(blobs blob.Store, documents store.Documents, metrics *instrumentation.Metrics, logger *slog.Logger) *AttachmentProcessor {
	return &AttachmentProcessor{
		blobs:     blobs,
		documents: documents,
		metrics:   metrics,
		logger:    logging.WithComponent(logger, "attachments"),
		now:       time.Now,
	}
}

// Process downloads each qualifying attachment of msg, uploads it under
// projects/{projectID}/ and records a document. Failures skip the
// attachment; the returned metadata lists only stored files.
func (p *AttachmentProcessor) Process(ctx context.Context, provider gmail.Provider, msg *gmailapi.Message, projectID uuid.UUID) []store.Attachment {
	parts := AttachmentParts(msg)
	if len(parts) == 0 {
		return []store.Attachment{}
	}

	out := make([]store.Attachment, 0, len(parts))
	for _, part := range parts {
		stored, err := p.store(ctx, provider, msg.Id, part, projectID)
		if err != nil {
			p.metrics.RecordAttachment(ctx, instrumentation.StatusError)
			p.logger.Warn("skipping attachment",
				logging.MessageID(msg.Id),
				slog.String("attachment_id", part.AttachmentID),
				logging.Err(err))
			continue
		}
		p.metrics.RecordAttachment(ctx, instrumentation.StatusSuccess)
		out = append(out, stored)
	}
	return out
}

func (p *AttachmentProcessor) store(ctx context.Context, provider gmail.Provider, messageID string, part store.Attachment, projectID uuid.UUID) (store.Attachment, error) {
	data, err := provider.GetAttachment(ctx, messageID, part.AttachmentID)
	if err != nil {
		return part, err
	}
	if len(data) == 0 {
		return part, fmt.Errorf("attachment %s is empty", part.AttachmentID)
	}

	safeName := SafeFilename(part.Filename, p.now())
	res, err := p.blobs.Upload(ctx, projectID, data, safeName, part.FileType)
	if err != nil {
		return part, fmt.Errorf("failed to upload attachment: %w", err)
	}

	docID, err := p.documents.CreateDocument(ctx, &store.Document{
		ProjectID:        projectID,
		SafeFileName:     safeName,
		OriginalFileName: part.Filename,
		FileType:         part.FileType,
		FileSize:         int64(len(data)),
		FilePath:         res.Path,
		Source:           store.SourceEmail,
	})
	if err != nil {
		return part, fmt.Errorf("failed to create document: %w", err)
	}

	part.FileSize = int64(len(data))
	part.DocumentID = &docID
	return part, nil
}
