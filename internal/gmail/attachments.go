package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/instrumentation"
)

const (
	// MaxAttachmentSize defines the maximum attachment size in bytes (25MB)
	MaxAttachmentSize = 25 * 1024 * 1024
)

// GetAttachment downloads and decodes an attachment body.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if messageID == "" {
		return nil, fmt.Errorf("messageID is required")
	}
	if attachmentID == "" {
		return nil, fmt.Errorf("attachmentID is required")
	}

	var body *gmailapi.MessagePartBody
	err := c.fetch(ctx, instrumentation.OperationAttachment, func(ctx context.Context) error {
		var err error
		body, err = c.users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentID, err)
	}

	if body.Size > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment size %d exceeds maximum size %d", body.Size, MaxAttachmentSize)
	}

	data, err := DecodeData(body.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment data: %w", err)
	}
	return data, nil
}

// DecodeData decodes a body payload. Gmail sends base64url; padded and
// unpadded forms are accepted, and standard base64 is tried last.
func DecodeData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if out, err := base64.URLEncoding.DecodeString(data); err == nil {
		return out, nil
	}
	if out, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return out, nil
	}
	return base64.StdEncoding.DecodeString(data)
}
