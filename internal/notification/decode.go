// Package notification decodes Gmail Pub/Sub push deliveries and hands
// them to the sync pipeline.
package notification

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
)

// ErrMalformed is returned for push bodies that cannot be decoded.
var ErrMalformed = errors.New("malformed notification")

// Notification is the mailbox change announced by Gmail.
type Notification struct {
	EmailAddress string
	HistoryID    uint64
	// MessageID is the Pub/Sub delivery id, when present.
	MessageID string
}

type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailEvent struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    historyID `json:"historyId"`
}

// historyID accepts a JSON number or a numeric string.
type historyID uint64

func (h *historyID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid history id %q", data)
	}
	*h = historyID(v)
	return nil
}

// Decode parses a push body of the form
// {"message":{"data":base64({"emailAddress":...,"historyId":...})}}.
// Any failure wraps ErrMalformed.
func Decode(body []byte) (Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: missing message data", ErrMalformed)
	}

	raw, err := gmail.DecodeData(env.Message.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var ev gmailEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n := Notification{
		EmailAddress: credentials.NormalizeAddress(ev.EmailAddress),
		HistoryID:    uint64(ev.HistoryID),
		MessageID:    env.Message.MessageID,
	}
	if n.EmailAddress == "" || n.HistoryID == 0 {
		return Notification{}, fmt.Errorf("%w: missing emailAddress or historyId", ErrMalformed)
	}
	return n, nil
}
