package store

import (
	"context"

	"github.com/google/uuid"
)

// Directory answers the project/channel/contact questions the sync engine asks.
// Managing those records is done elsewhere.
type Directory interface {
	// ActiveProjects returns the user's projects in the active state.
	ActiveProjects(ctx context.Context, userID string) ([]Project, error)
	// GetProject returns ErrNotFound when the project does not belong to the user.
	GetProject(ctx context.Context, userID string, projectID uuid.UUID) (*Project, error)
	// ConnectedChannels returns connected channels of channelType under the projects.
	ConnectedChannels(ctx context.Context, projectIDs []uuid.UUID, channelType string) ([]Channel, error)
	// TrackedContacts returns the contacts of the channels with their project ids.
	TrackedContacts(ctx context.Context, channelIDs []uuid.UUID) ([]TrackedContact, error)
	// MarkChannelsConnected flips is_connected on every channel of channelType the user owns.
	MarkChannelsConnected(ctx context.Context, userID, channelType string) (int64, error)
}

// Messages stores ingested messages.
type Messages interface {
	// InsertMessage stores m unless (PlatformMessageID, ContactID) already
	// exists. It reports whether a row was created.
	InsertMessage(ctx context.Context, m *Message) (bool, error)
	MessageExists(ctx context.Context, platformMessageID string, contactID uuid.UUID) (bool, error)
	SetRead(ctx context.Context, id uuid.UUID, read bool) error
	ListMessages(ctx context.Context, contactID uuid.UUID, limit int) ([]Message, error)
}

// Documents is the document registry.
type Documents interface {
	CreateDocument(ctx context.Context, d *Document) (uuid.UUID, error)
	DeleteDocument(ctx context.Context, id uuid.UUID) error
}

// Store bundles every repository the engine needs.
type Store interface {
	Directory
	Messages
	Documents
}
