package transform

import (
	"time"

	"github.com/google/uuid"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/store"
)

// Transform maps a full Gmail message onto a store.Message for contactID.
// Attachments are filled in separately by an AttachmentProcessor.
func Transform(msg *gmailapi.Message, contactID uuid.UUID, userAddress string) *store.Message {
	h := ParseHeaders(msg)
	bodies := ExtractBodies(msg.Payload)

	sender := ParseAddress(h.Get(HeaderFrom))
	return &store.Message{
		PlatformMessageID: msg.Id,
		ContactID:         contactID,
		ThreadID:          msg.ThreadId,
		SenderAccount:     sender,
		RecipientAccounts: ParseAddressList(h.Get(HeaderTo)),
		CCAccounts:        ParseAddressList(h.Get(HeaderCc)),
		Subject:           h.Get(HeaderSubject),
		BodyText:          StripQuotedText(bodies.Text),
		BodyHTML:          StripQuotedHTML(bodies.HTML),
		RegisteredAt:      RegisteredAt(msg),
		IsRead:            false,
		IsFromContact:     sender != credentials.NormalizeAddress(userAddress),
		Attachments:       []store.Attachment{},
	}
}

// RegisteredAt converts internalDate (epoch milliseconds) to UTC. Messages
// without one are stamped with the current time.
func RegisteredAt(msg *gmailapi.Message) time.Time {
	if msg.InternalDate == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(msg.InternalDate).UTC()
}
