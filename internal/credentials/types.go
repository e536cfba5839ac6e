package credentials

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Provider identifies the external service a credential belongs to.
type Provider string

const (
	// ProviderGmail is the only provider the sync engine talks to.
	ProviderGmail Provider = "gmail"
)

var (
	// ErrNotFound is returned by Update and Delete when no credential exists.
	ErrNotFound = errors.New("credential not found")

	// ErrConflict is returned by Update when the credential was written
	// since the caller read it.
	ErrConflict = errors.New("credential was modified concurrently")

	// ErrAlreadyExists is returned by Create when a credential is already stored.
	ErrAlreadyExists = errors.New("credential already exists")

	// ErrProviderMismatch is returned when a payload is decoded as the wrong provider.
	ErrProviderMismatch = errors.New("credential payload belongs to another provider")
)

// Credential is the store-agnostic envelope around a provider payload.
// Version starts at 1 and grows with every update.
type Credential struct {
	UserID    string          `json:"user_id"`
	Provider  Provider        `json:"provider"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Tokens holds the OAuth token pair of a credential.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
}

// AccountInfo describes the connected mailbox and its change-log cursor.
type AccountInfo struct {
	EmailAddress string `json:"email_address"`
	HistoryID    uint64 `json:"history_id"`
}

// WatchState is present while a push subscription is registered.
type WatchState struct {
	Expiration     time.Time `json:"expiration"`
	TopicName      string    `json:"topic_name"`
	StartHistoryID uint64    `json:"start_history_id"`
}

// GmailPayload is the typed payload stored for ProviderGmail.
type GmailPayload struct {
	Provider Provider    `json:"provider"`
	Tokens   Tokens      `json:"tokens"`
	Account  AccountInfo `json:"account"`
	Watch    *WatchState `json:"watch,omitempty"`
}

// AdvanceCursor moves the history cursor forward. A smaller or equal value
// is ignored so the cursor never goes backwards. It reports whether the
// cursor changed.
func (p *GmailPayload) AdvanceCursor(historyID uint64) bool {
	if historyID <= p.Account.HistoryID {
		return false
	}
	p.Account.HistoryID = historyID
	return true
}

// HasWatch reports whether a push subscription is recorded.
func (p *GmailPayload) HasWatch() bool {
	return p.Watch != nil
}

// indexView is the part of every payload the backends look at.
type indexView struct {
	Account struct {
		EmailAddress string `json:"email_address"`
	} `json:"account"`
	Watch json.RawMessage `json:"watch,omitempty"`
}

func viewOf(payload json.RawMessage) (indexView, error) {
	var v indexView
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("failed to read credential payload: %w", err)
	}
	return v, nil
}

func (v indexView) hasWatch() bool {
	w := strings.TrimSpace(string(v.Watch))
	return w != "" && w != "null"
}

// NormalizeAddress lower-cases and trims a mailbox address for comparisons.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
