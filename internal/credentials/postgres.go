package credentials

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the credential table. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS user_oauth_credentials (
    user_id    TEXT NOT NULL,
    provider   TEXT NOT NULL,
    payload    JSONB NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, provider)
);

ALTER TABLE user_oauth_credentials ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1;

CREATE INDEX IF NOT EXISTS idx_user_oauth_credentials_account
    ON user_oauth_credentials (provider, lower(payload->'account'->>'email_address'));
`

const credentialColumns = `user_id, provider, payload, version, created_at, updated_at`

// PostgresStore persists credentials in PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate credential schema: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, userID string, provider Provider) (*Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM user_oauth_credentials WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// Create implements Store. The primary key turns a concurrent second create into ErrAlreadyExists.
func (s *PostgresStore) Create(ctx context.Context, userID string, provider Provider, payload json.RawMessage) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO user_oauth_credentials (user_id, provider, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider) DO NOTHING
		RETURNING `+credentialColumns,
		userID, string(provider), []byte(payload))
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return c, nil
}

// Update implements Store. The version guard sits in the WHERE clause, so
// two writers holding the same version cannot both succeed.
func (s *PostgresStore) Update(ctx context.Context, userID string, provider Provider, payload json.RawMessage, version int64) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE user_oauth_credentials
		SET payload = $3, version = version + 1, updated_at = now()
		WHERE user_id = $1 AND provider = $2 AND version = $4
		RETURNING `+credentialColumns,
		userID, string(provider), []byte(payload), version)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrConflict(ctx, userID, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update credential: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) missOrConflict(ctx context.Context, userID string, provider Provider) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_oauth_credentials WHERE user_id = $1 AND provider = $2)`,
		userID, string(provider)).Scan(&exists)
	switch {
	case err != nil:
		return fmt.Errorf("failed to update credential: %w", err)
	case exists:
		return ErrConflict
	default:
		return ErrNotFound
	}
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, userID string, provider Provider) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_oauth_credentials WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByAccount implements Store.
func (s *PostgresStore) FindByAccount(ctx context.Context, provider Provider, emailAddress string) (*Credential, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM user_oauth_credentials
		WHERE provider = $1 AND lower(payload->'account'->>'email_address') = $2
		ORDER BY user_id
		LIMIT 1`,
		string(provider), NormalizeAddress(emailAddress))
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by account: %w", err)
	}
	return c, nil
}

// ListWithActiveWatch implements Store.
func (s *PostgresStore) ListWithActiveWatch(ctx context.Context, provider Provider) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM user_oauth_credentials
		WHERE provider = $1 AND jsonb_typeof(payload->'watch') = 'object'
		ORDER BY user_id`,
		string(provider))
	if err != nil {
		return nil, fmt.Errorf("failed to list watched credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return out, nil
}

func scanCredential(row pgx.Row) (*Credential, error) {
	var (
		c        Credential
		provider string
		payload  []byte
	)
	if err := row.Scan(&c.UserID, &provider, &payload, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Provider = Provider(provider)
	c.Payload = json.RawMessage(payload)
	return &c, nil
}
