package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type messageKey struct {
	platformID string
	contactID  uuid.UUID
}

// Memory is an in-process Store for tests and local runs.
type Memory struct {
	mu        sync.RWMutex
	projects  map[uuid.UUID]Project
	channels  map[uuid.UUID]Channel
	contacts  map[uuid.UUID]Contact
	messages  map[uuid.UUID]*Message
	natural   map[messageKey]uuid.UUID
	documents map[uuid.UUID]Document
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		projects:  make(map[uuid.UUID]Project),
		channels:  make(map[uuid.UUID]Channel),
		contacts:  make(map[uuid.UUID]Contact),
		messages:  make(map[uuid.UUID]*Message),
		natural:   make(map[messageKey]uuid.UUID),
		documents: make(map[uuid.UUID]Document),
	}
}

// AddProject seeds a project, assigning an id when missing.
func (m *Memory) AddProject(p Project) Project {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProjectActive
	}
	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()
	return p
}

// AddChannel seeds a channel.
func (m *Memory) AddChannel(c Channel) Channel {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Type == "" {
		c.Type = ChannelGmail
	}
	m.mu.Lock()
	m.channels[c.ID] = c
	m.mu.Unlock()
	return c
}

// AddContact seeds a contact.
func (m *Memory) AddContact(c Contact) Contact {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.mu.Lock()
	m.contacts[c.ID] = c
	m.mu.Unlock()
	return c
}

// ActiveProjects implements Directory.
func (m *Memory) ActiveProjects(_ context.Context, userID string) ([]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Project
	for _, p := range m.projects {
		if p.UserID == userID && p.Status == ProjectActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// GetProject implements Directory.
func (m *Memory) GetProject(_ context.Context, userID string, projectID uuid.UUID) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[projectID]
	if !ok || p.UserID != userID {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ConnectedChannels implements Directory.
func (m *Memory) ConnectedChannels(_ context.Context, projectIDs []uuid.UUID, channelType string) ([]Channel, error) {
	want := make(map[uuid.UUID]bool, len(projectIDs))
	for _, id := range projectIDs {
		want[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Channel
	for _, c := range m.channels {
		if want[c.ProjectID] && c.Type == channelType && c.IsConnected {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// TrackedContacts implements Directory.
func (m *Memory) TrackedContacts(_ context.Context, channelIDs []uuid.UUID) ([]TrackedContact, error) {
	want := make(map[uuid.UUID]bool, len(channelIDs))
	for _, id := range channelIDs {
		want[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TrackedContact
	for _, c := range m.contacts {
		if !want[c.ChannelID] {
			continue
		}
		out = append(out, TrackedContact{Contact: c, ProjectID: m.channels[c.ChannelID].ProjectID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// MarkChannelsConnected implements Directory.
func (m *Memory) MarkChannelsConnected(_ context.Context, userID, channelType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, c := range m.channels {
		p, ok := m.projects[c.ProjectID]
		if !ok || p.UserID != userID || c.Type != channelType || c.IsConnected {
			continue
		}
		c.IsConnected = true
		m.channels[id] = c
		n++
	}
	return n, nil
}

// InsertMessage implements Messages.
func (m *Memory) InsertMessage(_ context.Context, msg *Message) (bool, error) {
	key := messageKey{msg.PlatformMessageID, msg.ContactID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.natural[key]; ok {
		return false, nil
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	cp.Attachments = append([]Attachment(nil), msg.Attachments...)
	m.messages[cp.ID] = &cp
	m.natural[key] = cp.ID
	return true, nil
}

// MessageExists implements Messages.
func (m *Memory) MessageExists(_ context.Context, platformMessageID string, contactID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.natural[messageKey{platformMessageID, contactID}]
	return ok, nil
}

// SetRead implements Messages.
func (m *Memory) SetRead(_ context.Context, id uuid.UUID, read bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.IsRead = read
	return nil
}

// ListMessages implements Messages. Newest first.
func (m *Memory) ListMessages(_ context.Context, contactID uuid.UUID, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for _, msg := range m.messages {
		if msg.ContactID == contactID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateDocument implements Documents.
func (m *Memory) CreateDocument(_ context.Context, d *Document) (uuid.UUID, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.documents[d.ID] = *d
	m.mu.Unlock()
	return d.ID, nil
}

// DeleteDocument implements Documents.
func (m *Memory) DeleteDocument(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	delete(m.documents, id)
	return nil
}

// Documents returns a snapshot of stored documents.
func (m *Memory) Documents() []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.documents))
	for _, d := range m.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// MessageCount returns the number of stored messages.
func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
