package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a directory lookup has no match.
var ErrNotFound = errors.New("not found")

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// ChannelGmail is the channel type served by the sync engine.
const ChannelGmail = "gmail"

// Project groups the channels a user tracks.
type Project struct {
	ID        uuid.UUID     `json:"id"`
	UserID    string        `json:"user_id"`
	Name      string        `json:"name"`
	Status    ProjectStatus `json:"status"`
	StartDate time.Time     `json:"start_date"`
}

// Channel is a provider connection scoped to a project.
type Channel struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Type        string    `json:"channel_type"`
	IsConnected bool      `json:"is_connected"`
}

// Contact is an external party tracked on a channel.
type Contact struct {
	ID        uuid.UUID `json:"id"`
	ChannelID uuid.UUID `json:"channel_id"`
	Name      string    `json:"name,omitempty"`
	Address   string    `json:"account_identifier"`
}

// TrackedContact is a contact resolved together with its owning project.
type TrackedContact struct {
	Contact
	ProjectID uuid.UUID `json:"project_id"`
}

// Attachment is the metadata a Message keeps for each stored file.
type Attachment struct {
	Filename     string     `json:"filename"`
	FileType     string     `json:"file_type"`
	FileSize     int64      `json:"file_size"`
	AttachmentID string     `json:"attachment_id"`
	DocumentID   *uuid.UUID `json:"document_id,omitempty"`
}

// Message is one ingested email, keyed by (PlatformMessageID, ContactID).
type Message struct {
	ID                uuid.UUID    `json:"id"`
	PlatformMessageID string       `json:"platform_message_id"`
	ContactID         uuid.UUID    `json:"contact_id"`
	ThreadID          string       `json:"thread_id"`
	SenderAccount     string       `json:"sender_account"`
	RecipientAccounts []string     `json:"recipient_accounts"`
	CCAccounts        []string     `json:"cc_accounts"`
	Subject           string       `json:"subject"`
	BodyText          string       `json:"body_text"`
	BodyHTML          string       `json:"body_html"`
	RegisteredAt      time.Time    `json:"registered_at"`
	IsRead            bool         `json:"is_read"`
	IsFromContact     bool         `json:"is_from_contact"`
	Attachments       []Attachment `json:"attachments"`
	CreatedAt         time.Time    `json:"created_at"`
}

// DocumentSource records how a document entered the system.
type DocumentSource string

const (
	SourceEmail  DocumentSource = "email"
	SourceManual DocumentSource = "manual"
)

// Document is a stored file owned by a project.
type Document struct {
	ID               uuid.UUID      `json:"id"`
	ProjectID        uuid.UUID      `json:"project_id"`
	SafeFileName     string         `json:"safe_file_name"`
	OriginalFileName string         `json:"original_file_name"`
	FileType         string         `json:"file_type"`
	FileSize         int64          `json:"file_size"`
	FilePath         string         `json:"file_path"`
	Source           DocumentSource `json:"source"`
	CreatedAt        time.Time      `json:"created_at"`
}
