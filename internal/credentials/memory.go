package credentials

import (
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

type memoryKey struct {
	userID   string
	provider Provider
}

// MemoryStore is an in-process Store used in tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[memoryKey]*Credential
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[memoryKey]*Credential),
		now:   time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string, provider Provider) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCredential(s.items[memoryKey{userID, provider}]), nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, userID string, provider Provider, payload json.RawMessage) (*Credential, error) {
	if _, err := viewOf(payload); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{userID, provider}
	if _, ok := s.items[key]; ok {
		return nil, ErrAlreadyExists
	}
	now := s.now().UTC()
	c := &Credential{
		UserID:    userID,
		Provider:  provider,
		Payload:   append(json.RawMessage(nil), payload...),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.items[key] = c
	return cloneCredential(c), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, userID string, provider Provider, payload json.RawMessage, version int64) (*Credential, error) {
	if _, err := viewOf(payload); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[memoryKey{userID, provider}]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Version != version {
		return nil, ErrConflict
	}
	c.Payload = append(json.RawMessage(nil), payload...)
	c.Version++
	c.UpdatedAt = s.now().UTC()
	return cloneCredential(c), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, userID string, provider Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{userID, provider}
	if _, ok := s.items[key]; !ok {
		return ErrNotFound
	}
	delete(s.items, key)
	return nil
}

// FindByAccount implements Store.
func (s *MemoryStore) FindByAccount(_ context.Context, provider Provider, emailAddress string) (*Credential, error) {
	want := NormalizeAddress(emailAddress)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.sorted(provider) {
		v, err := viewOf(c.Payload)
		if err != nil {
			continue
		}
		if NormalizeAddress(v.Account.EmailAddress) == want {
			return cloneCredential(c), nil
		}
	}
	return nil, nil
}

// ListWithActiveWatch implements Store.
func (s *MemoryStore) ListWithActiveWatch(_ context.Context, provider Provider) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Credential
	for _, c := range s.sorted(provider) {
		v, err := viewOf(c.Payload)
		if err != nil || !v.hasWatch() {
			continue
		}
		out = append(out, cloneCredential(c))
	}
	return out, nil
}

// sorted returns the provider's credentials ordered by user id. Callers hold the lock.
func (s *MemoryStore) sorted(provider Provider) []*Credential {
	out := make([]*Credential, 0, len(s.items))
	for k, c := range s.items {
		if k.provider == provider {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
