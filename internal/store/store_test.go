package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is a seeded project/channel/contact triple.
type fixture struct {
	ProjectID uuid.UUID
	ChannelID uuid.UUID
	ContactID uuid.UUID
}

func newMessage(platformID string, contactID uuid.UUID, at time.Time) *Message {
	return &Message{
		PlatformMessageID: platformID,
		ContactID:         contactID,
		ThreadID:          "t-" + platformID,
		SenderAccount:     "alice@example.com",
		RecipientAccounts: []string{"me@example.com"},
		Subject:           "Hello",
		BodyText:          "Hi there",
		RegisteredAt:      at,
		IsFromContact:     true,
		Attachments: []Attachment{
			{Filename: "report.pdf", FileType: "application/pdf", FileSize: 4096, AttachmentID: "att-1"},
		},
	}
}

// testMessagesContract covers the message and document semantics shared by
// every backend.
func testMessagesContract(t *testing.T, newStore func(t *testing.T) (Store, fixture)) {
	ctx := context.Background()

	t.Run("insert is idempotent per message and contact", func(t *testing.T) {
		s, fx := newStore(t)
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		created, err := s.InsertMessage(ctx, newMessage("m1", fx.ContactID, at))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.InsertMessage(ctx, newMessage("m1", fx.ContactID, at))
		require.NoError(t, err)
		assert.False(t, created)

		exists, err := s.MessageExists(ctx, "m1", fx.ContactID)
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = s.MessageExists(ctx, "m2", fx.ContactID)
		require.NoError(t, err)
		assert.False(t, exists)

		msgs, err := s.ListMessages(ctx, fx.ContactID, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "Hello", msgs[0].Subject)
		assert.Equal(t, []string{"me@example.com"}, msgs[0].RecipientAccounts)
		require.Len(t, msgs[0].Attachments, 1)
		assert.Equal(t, "report.pdf", msgs[0].Attachments[0].Filename)
		assert.True(t, msgs[0].RegisteredAt.Equal(at))
	})

	t.Run("list is newest first and limited", func(t *testing.T) {
		s, fx := newStore(t)
		base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"a", "b", "c"} {
			_, err := s.InsertMessage(ctx, newMessage(id, fx.ContactID, base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
		}

		msgs, err := s.ListMessages(ctx, fx.ContactID, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "c", msgs[0].PlatformMessageID)
		assert.Equal(t, "b", msgs[1].PlatformMessageID)
	})

	t.Run("set read", func(t *testing.T) {
		s, fx := newStore(t)
		m := newMessage("r1", fx.ContactID, time.Now().UTC())
		_, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)

		require.NoError(t, s.SetRead(ctx, m.ID, true))
		msgs, err := s.ListMessages(ctx, fx.ContactID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].IsRead)

		assert.ErrorIs(t, s.SetRead(ctx, uuid.New(), true), ErrNotFound)
	})

	t.Run("documents", func(t *testing.T) {
		s, fx := newStore(t)
		id, err := s.CreateDocument(ctx, &Document{
			ProjectID:        fx.ProjectID,
			SafeFileName:     "report_20240301_120000.pdf",
			OriginalFileName: "report.pdf",
			FileType:         "application/pdf",
			FileSize:         4096,
			FilePath:         "projects/" + fx.ProjectID.String() + "/report_20240301_120000.pdf",
			Source:           SourceEmail,
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)

		require.NoError(t, s.DeleteDocument(ctx, id))
		assert.ErrorIs(t, s.DeleteDocument(ctx, id), ErrNotFound)
	})
}

func seedMemory(m *Memory, userID string) fixture {
	p := m.AddProject(Project{UserID: userID, Name: "Acme", StartDate: time.Now().AddDate(0, -1, 0)})
	c := m.AddChannel(Channel{ProjectID: p.ID, IsConnected: true})
	ct := m.AddContact(Contact{ChannelID: c.ID, Name: "Alice", Address: "alice@example.com"})
	return fixture{ProjectID: p.ID, ChannelID: c.ID, ContactID: ct.ID}
}

func TestMemoryMessages(t *testing.T) {
	testMessagesContract(t, func(t *testing.T) (Store, fixture) {
		m := NewMemory()
		return m, seedMemory(m, "u1")
	})
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	active := m.AddProject(Project{UserID: "u1", Name: "Active"})
	archived := m.AddProject(Project{UserID: "u1", Name: "Old", Status: ProjectArchived})
	other := m.AddProject(Project{UserID: "u2", Name: "Other"})

	connected := m.AddChannel(Channel{ProjectID: active.ID, IsConnected: true})
	disconnected := m.AddChannel(Channel{ProjectID: active.ID})
	slack := m.AddChannel(Channel{ProjectID: active.ID, Type: "slack", IsConnected: true})
	m.AddChannel(Channel{ProjectID: archived.ID})
	m.AddChannel(Channel{ProjectID: other.ID})

	alice := m.AddContact(Contact{ChannelID: connected.ID, Address: "alice@example.com"})
	m.AddContact(Contact{ChannelID: slack.ID, Address: "U123"})

	t.Run("active projects", func(t *testing.T) {
		projects, err := m.ActiveProjects(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, projects, 1)
		assert.Equal(t, active.ID, projects[0].ID)
	})

	t.Run("get project checks ownership", func(t *testing.T) {
		p, err := m.GetProject(ctx, "u1", active.ID)
		require.NoError(t, err)
		assert.Equal(t, "Active", p.Name)

		_, err = m.GetProject(ctx, "u1", other.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("connected channels filter by type", func(t *testing.T) {
		channels, err := m.ConnectedChannels(ctx, []uuid.UUID{active.ID}, ChannelGmail)
		require.NoError(t, err)
		require.Len(t, channels, 1)
		assert.Equal(t, connected.ID, channels[0].ID)
	})

	t.Run("tracked contacts carry project", func(t *testing.T) {
		contacts, err := m.TrackedContacts(ctx, []uuid.UUID{connected.ID, disconnected.ID})
		require.NoError(t, err)
		require.Len(t, contacts, 1)
		assert.Equal(t, alice.ID, contacts[0].ID)
		assert.Equal(t, active.ID, contacts[0].ProjectID)
	})

	t.Run("mark channels connected only touches the user's gmail channels", func(t *testing.T) {
		n, err := m.MarkChannelsConnected(ctx, "u1", ChannelGmail)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = m.MarkChannelsConnected(ctx, "u1", ChannelGmail)
		require.NoError(t, err)
		assert.Zero(t, n)

		channels, err := m.ConnectedChannels(ctx, []uuid.UUID{other.ID}, ChannelGmail)
		require.NoError(t, err)
		assert.Empty(t, channels)
	})
}

func TestMemoryConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	fx := seedMemory(m, "u1")

	results := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		go func() {
			created, err := m.InsertMessage(ctx, newMessage("same", fx.ContactID, time.Now()))
			assert.NoError(t, err)
			results <- created
		}()
	}

	var created int
	for i := 0; i < 16; i++ {
		if <-results {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, m.MessageCount())
}
