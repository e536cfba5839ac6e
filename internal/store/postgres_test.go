package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("INBOXSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INBOXSYNC_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func seedPostgres(t *testing.T, pool *pgxpool.Pool, userID string) fixture {
	t.Helper()
	ctx := context.Background()
	fx := fixture{ProjectID: uuid.New(), ChannelID: uuid.New(), ContactID: uuid.New()}

	_, err := pool.Exec(ctx, `INSERT INTO projects (id, user_id, name, status, start_date) VALUES ($1, $2, 'Acme', 'active', $3)`,
		fx.ProjectID, userID, time.Now().AddDate(0, -1, 0))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO channels (id, project_id, channel_type, is_connected) VALUES ($1, $2, 'gmail', true)`,
		fx.ChannelID, fx.ProjectID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO contacts (id, channel_id, name, account_identifier) VALUES ($1, $2, 'Alice', 'alice@example.com')`,
		fx.ContactID, fx.ChannelID)
	require.NoError(t, err)
	return fx
}

func TestPostgresStore(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	s := NewPostgres(pool)
	require.NoError(t, s.Migrate(ctx))

	reset := func(t *testing.T) {
		_, err := pool.Exec(ctx, `TRUNCATE documents, messages, contacts, channels, projects`)
		require.NoError(t, err)
	}

	testMessagesContract(t, func(t *testing.T) (Store, fixture) {
		reset(t)
		return s, seedPostgres(t, pool, "u1")
	})

	t.Run("directory", func(t *testing.T) {
		reset(t)
		fx := seedPostgres(t, pool, "u1")

		projects, err := s.ActiveProjects(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, projects, 1)
		assert.Equal(t, fx.ProjectID, projects[0].ID)

		channels, err := s.ConnectedChannels(ctx, []uuid.UUID{fx.ProjectID}, ChannelGmail)
		require.NoError(t, err)
		require.Len(t, channels, 1)

		contacts, err := s.TrackedContacts(ctx, []uuid.UUID{fx.ChannelID})
		require.NoError(t, err)
		require.Len(t, contacts, 1)
		assert.Equal(t, "alice@example.com", contacts[0].Address)
		assert.Equal(t, fx.ProjectID, contacts[0].ProjectID)

		_, err = pool.Exec(ctx, `UPDATE channels SET is_connected = false`)
		require.NoError(t, err)
		n, err := s.MarkChannelsConnected(ctx, "u1", ChannelGmail)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetProject(ctx, "u2", fx.ProjectID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
