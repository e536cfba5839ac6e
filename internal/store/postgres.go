package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables the engine reads and writes. The UNIQUE
// constraint on messages is what makes concurrent ingestion idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id         UUID PRIMARY KEY,
    user_id    TEXT NOT NULL,
    name       TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    start_date TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_projects_user_status ON projects(user_id, status);

CREATE TABLE IF NOT EXISTS channels (
    id           UUID PRIMARY KEY,
    project_id   UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    channel_type TEXT NOT NULL,
    is_connected BOOLEAN NOT NULL DEFAULT false,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_channels_project ON channels(project_id);

CREATE TABLE IF NOT EXISTS contacts (
    id                 UUID PRIMARY KEY,
    channel_id         UUID NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
    name               TEXT,
    account_identifier TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_channel ON contacts(channel_id);

CREATE TABLE IF NOT EXISTS messages (
    id                  UUID PRIMARY KEY,
    platform_message_id TEXT NOT NULL,
    contact_id          UUID NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    thread_id           TEXT,
    sender_account      TEXT NOT NULL,
    recipient_accounts  TEXT[] NOT NULL DEFAULT '{}',
    cc_accounts         TEXT[] NOT NULL DEFAULT '{}',
    subject             TEXT NOT NULL DEFAULT '',
    body_text           TEXT NOT NULL DEFAULT '',
    body_html           TEXT NOT NULL DEFAULT '',
    registered_at       TIMESTAMPTZ NOT NULL,
    is_read             BOOLEAN NOT NULL DEFAULT false,
    is_from_contact     BOOLEAN NOT NULL,
    attachments         JSONB NOT NULL DEFAULT '[]',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_messages_platform_contact UNIQUE (platform_message_id, contact_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_contact_registered ON messages(contact_id, registered_at DESC);

CREATE TABLE IF NOT EXISTS documents (
    id                 UUID PRIMARY KEY,
    project_id         UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    safe_file_name     TEXT NOT NULL,
    original_file_name TEXT,
    file_type          TEXT NOT NULL,
    file_size          BIGINT NOT NULL,
    file_path          TEXT NOT NULL,
    source             TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate applies Schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ActiveProjects implements Directory.
func (s *Postgres) ActiveProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, status, start_date
		FROM projects
		WHERE user_id = $1 AND status = $2
		ORDER BY id`, userID, string(ProjectActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetProject implements Directory.
func (s *Postgres) GetProject(ctx context.Context, userID string, projectID uuid.UUID) (*Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, status, start_date
		FROM projects
		WHERE id = $1 AND user_id = $2`, projectID, userID)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanProject(row pgx.Row) (*Project, error) {
	var (
		p      Project
		status string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &status, &p.StartDate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Status = ProjectStatus(status)
	return &p, nil
}

// ConnectedChannels implements Directory.
func (s *Postgres) ConnectedChannels(ctx context.Context, projectIDs []uuid.UUID, channelType string) ([]Channel, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, channel_type, is_connected
		FROM channels
		WHERE project_id = ANY($1) AND channel_type = $2 AND is_connected
		ORDER BY id`, projectIDs, channelType)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Type, &c.IsConnected); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TrackedContacts implements Directory.
func (s *Postgres) TrackedContacts(ctx context.Context, channelIDs []uuid.UUID) ([]TrackedContact, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.channel_id, COALESCE(c.name, ''), c.account_identifier, ch.project_id
		FROM contacts c
		JOIN channels ch ON ch.id = c.channel_id
		WHERE c.channel_id = ANY($1)
		ORDER BY c.id`, channelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var out []TrackedContact
	for rows.Next() {
		var c TrackedContact
		if err := rows.Scan(&c.ID, &c.ChannelID, &c.Name, &c.Address, &c.ProjectID); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkChannelsConnected implements Directory.
func (s *Postgres) MarkChannelsConnected(ctx context.Context, userID, channelType string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE channels SET is_connected = true
		WHERE channel_type = $2 AND NOT is_connected
		  AND project_id IN (SELECT id FROM projects WHERE user_id = $1)`, userID, channelType)
	if err != nil {
		return 0, fmt.Errorf("failed to mark channels connected: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertMessage implements Messages. ON CONFLICT DO NOTHING makes a
// duplicate a silent no-op even when two deliveries race.
func (s *Postgres) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (
			id, platform_message_id, contact_id, thread_id, sender_account,
			recipient_accounts, cc_accounts, subject, body_text, body_html,
			registered_at, is_read, is_from_contact, attachments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (platform_message_id, contact_id) DO NOTHING`,
		m.ID, m.PlatformMessageID, m.ContactID, m.ThreadID, m.SenderAccount,
		nonNil(m.RecipientAccounts), nonNil(m.CCAccounts), m.Subject, m.BodyText, m.BodyHTML,
		m.RegisteredAt, m.IsRead, m.IsFromContact, attachments)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MessageExists implements Messages.
func (s *Postgres) MessageExists(ctx context.Context, platformMessageID string, contactID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE platform_message_id = $1 AND contact_id = $2)`,
		platformMessageID, contactID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return exists, nil
}

// SetRead implements Messages.
func (s *Postgres) SetRead(ctx context.Context, id uuid.UUID, read bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET is_read = $2 WHERE id = $1`, id, read)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages implements Messages. Newest first.
func (s *Postgres) ListMessages(ctx context.Context, contactID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, platform_message_id, contact_id, COALESCE(thread_id, ''), sender_account,
		       recipient_accounts, cc_accounts, subject, body_text, body_html,
		       registered_at, is_read, is_from_contact, attachments, created_at
		FROM messages
		WHERE contact_id = $1
		ORDER BY registered_at DESC
		LIMIT $2`, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.PlatformMessageID, &m.ContactID, &m.ThreadID, &m.SenderAccount,
			&m.RecipientAccounts, &m.CCAccounts, &m.Subject, &m.BodyText, &m.BodyHTML,
			&m.RegisteredAt, &m.IsRead, &m.IsFromContact, &m.Attachments, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateDocument implements Documents.
func (s *Postgres) CreateDocument(ctx context.Context, d *Document) (uuid.UUID, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, project_id, safe_file_name, original_file_name, file_type, file_size, file_path, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ProjectID, d.SafeFileName, d.OriginalFileName, d.FileType, d.FileSize, d.FilePath, string(d.Source))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create document: %w", err)
	}
	return d.ID, nil
}

// DeleteDocument implements Documents.
func (s *Postgres) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
