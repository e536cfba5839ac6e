package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGmailPayload_AdvanceCursor(t *testing.T) {
	p := &GmailPayload{Account: AccountInfo{HistoryID: 100}}

	assert.False(t, p.AdvanceCursor(90), "older cursor must be ignored")
	assert.Equal(t, uint64(100), p.Account.HistoryID)

	assert.False(t, p.AdvanceCursor(100))
	assert.True(t, p.AdvanceCursor(150))
	assert.Equal(t, uint64(150), p.Account.HistoryID)
}

func TestEncodeDecodeGmail_SealsTokens(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	in := &GmailPayload{
		Tokens:  Tokens{AccessToken: "access-secret", RefreshToken: "refresh-secret", Expiry: time.Now().UTC().Truncate(time.Second)},
		Account: AccountInfo{EmailAddress: "me@example.com", HistoryID: 42},
	}
	data, err := EncodeGmail(in, c)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "access-secret"))
	assert.False(t, strings.Contains(string(data), "refresh-secret"))
	assert.Equal(t, "access-secret", in.Tokens.AccessToken, "input must not be mutated")

	out, err := DecodeGmail(&Credential{Provider: ProviderGmail, Payload: data}, c)
	require.NoError(t, err)
	assert.Equal(t, "access-secret", out.Tokens.AccessToken)
	assert.Equal(t, "refresh-secret", out.Tokens.RefreshToken)
	assert.Equal(t, uint64(42), out.Account.HistoryID)
	assert.True(t, in.Tokens.Expiry.Equal(out.Tokens.Expiry))
}

func TestDecodeGmail_ProviderMismatch(t *testing.T) {
	_, err := DecodeGmail(&Credential{Provider: "outlook", Payload: json.RawMessage(`{}`)}, nil)
	assert.ErrorIs(t, err, ErrProviderMismatch)

	_, err = DecodeGmail(&Credential{Payload: json.RawMessage(`{"provider":"outlook"}`)}, nil)
	assert.ErrorIs(t, err, ErrProviderMismatch)
}

func TestGmailRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewGmailRepository(NewMemoryStore(), nil)

	p, err := repo.Load(ctx, "u")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, repo.Create(ctx, "u", &GmailPayload{
		Account: AccountInfo{EmailAddress: "me@example.com", HistoryID: 10},
	}))

	advanced, err := repo.AdvanceCursor(ctx, "u", 20)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = repo.AdvanceCursor(ctx, "u", 15)
	require.NoError(t, err)
	assert.False(t, advanced)

	rec, err := repo.FindByAccount(ctx, "ME@example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "u", rec.UserID)
	assert.Equal(t, uint64(20), rec.Payload.Account.HistoryID)

	_, err = repo.AdvanceCursor(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGmailRepository_ModifyWithoutChangeSkipsWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewGmailRepository(store, nil)
	require.NoError(t, repo.Create(ctx, "u", &GmailPayload{Account: AccountInfo{EmailAddress: "me@example.com"}}))

	before, err := store.Get(ctx, "u", ProviderGmail)
	require.NoError(t, err)

	_, err = repo.Modify(ctx, "u", func(p *GmailPayload) (bool, error) { return false, nil })
	require.NoError(t, err)

	after, err := store.Get(ctx, "u", ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Version, after.Version)
}

// interleavingStore runs between once after the first Get, before the
// caller gets to write.
type interleavingStore struct {
	*MemoryStore
	between func()
}

func (s *interleavingStore) Get(ctx context.Context, userID string, provider Provider) (*Credential, error) {
	c, err := s.MemoryStore.Get(ctx, userID, provider)
	if s.between != nil {
		between := s.between
		s.between = nil
		between()
	}
	return c, err
}

func TestGmailRepository_ModifyKeepsConcurrentCursor(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	other := NewGmailRepository(backing, nil)
	require.NoError(t, other.Create(ctx, "u", &GmailPayload{
		Tokens:  Tokens{AccessToken: "old"},
		Account: AccountInfo{EmailAddress: "me@example.com", HistoryID: 100},
	}))

	store := &interleavingStore{MemoryStore: backing}
	store.between = func() {
		advanced, err := other.AdvanceCursor(ctx, "u", 200)
		require.NoError(t, err)
		require.True(t, advanced)
	}
	repo := NewGmailRepository(store, nil)

	var runs int
	p, err := repo.Modify(ctx, "u", func(p *GmailPayload) (bool, error) {
		runs++
		p.Tokens.AccessToken = "fresh"
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs, "lost the race once, then re-read")
	assert.Equal(t, uint64(200), p.Account.HistoryID)

	stored, err := other.Load(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.Tokens.AccessToken)
	assert.Equal(t, uint64(200), stored.Account.HistoryID, "cursor never moves backwards")
}

func TestGmailRepository_AdvanceCursorAgainstNewerWriter(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	other := NewGmailRepository(backing, nil)
	require.NoError(t, other.Create(ctx, "u", &GmailPayload{Account: AccountInfo{HistoryID: 100}}))

	store := &interleavingStore{MemoryStore: backing, between: func() {
		_, err := other.AdvanceCursor(ctx, "u", 300)
		require.NoError(t, err)
	}}
	repo := NewGmailRepository(store, nil)

	advanced, err := repo.AdvanceCursor(ctx, "u", 200)
	require.NoError(t, err)
	assert.False(t, advanced)

	p, err := other.Load(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), p.Account.HistoryID)
}

func TestGmailRepository_ConcurrentWritersNeverRegressCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewGmailRepository(NewMemoryStore(), nil)
	require.NoError(t, repo.Create(ctx, "u", &GmailPayload{Account: AccountInfo{HistoryID: 1}}))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done []uint64
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 25; i++ {
				cursor := uint64(i*10 + w)
				_, err := repo.AdvanceCursor(ctx, "u", cursor)
				if errors.Is(err, ErrConflict) {
					continue
				}
				assert.NoError(t, err)
				mu.Lock()
				done = append(done, cursor)
				mu.Unlock()

				_, err = repo.Modify(ctx, "u", func(p *GmailPayload) (bool, error) {
					p.Tokens.AccessToken = fmt.Sprintf("token-%d-%d", w, i)
					return true, nil
				})
				if !errors.Is(err, ErrConflict) {
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()

	p, err := repo.Load(ctx, "u")
	require.NoError(t, err)
	for _, cursor := range done {
		assert.GreaterOrEqual(t, p.Account.HistoryID, cursor)
	}
}

func TestGmailRepository_ListWatched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := NewGmailRepository(store, nil)

	require.NoError(t, repo.Create(ctx, "watched", &GmailPayload{
		Account: AccountInfo{EmailAddress: "w@example.com"},
		Watch:   &WatchState{Expiration: time.Now().Add(time.Hour)},
	}))
	require.NoError(t, repo.Create(ctx, "idle", &GmailPayload{Account: AccountInfo{EmailAddress: "i@example.com"}}))
	_, err := store.Create(ctx, "broken", ProviderGmail, json.RawMessage(`{"provider":"outlook","watch":{}}`))
	require.NoError(t, err)

	recs, errs, err := repo.ListWatched(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "watched", recs[0].UserID)
	assert.Len(t, errs, 1)
}
