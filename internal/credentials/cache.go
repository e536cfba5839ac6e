package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/valkey-io/valkey-go"

	"github.com/teemow/inboxsync/internal/logging"
)

// DefaultCacheTTL bounds how long a cached credential may be served.
const DefaultCacheTTL = 5 * time.Minute

// CachedStore is a read-through Valkey cache in front of another Store.
//
// Only Get is cached. Writes go to the backing store first, then bump a
// per-credential generation and drop the cached entry. A fill only lands
// while the generation it started under is current, so a read that raced a
// write cannot park the old payload in the cache. Cache failures are logged
// and fall back to the backing store.
type CachedStore struct {
	next   Store
	client valkey.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// ValkeyConfig configures the Valkey connection.
type ValkeyConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewValkeyClient opens a Valkey client for the cache.
func NewValkeyClient(cfg ValkeyConfig) (valkey.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return client, nil
}

// NewCachedStore wraps next with a cache backed by client.
func NewCachedStore(next Store, client valkey.Client, cfg ValkeyConfig, logger *slog.Logger) *CachedStore {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "inboxsync:"
	}
	return &CachedStore{
		next:   next,
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logging.WithComponent(logger, "credential_cache"),
	}
}

// fillScript sets KEYS[1] to ARGV[1] with a TTL of ARGV[2] seconds, unless
// the generation in KEYS[2] moved away from ARGV[3].
var fillScript = valkey.NewLuaScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[3] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

func (s *CachedStore) key(userID string, provider Provider) string {
	return s.prefix + "cred:" + string(provider) + ":" + userID
}

func (s *CachedStore) genKey(userID string, provider Provider) string {
	return s.key(userID, provider) + ":gen"
}

// generation returns the current write generation, "0" when none was
// recorded and "" when it could not be read.
func (s *CachedStore) generation(ctx context.Context, userID string, provider Provider) string {
	gen, err := s.client.Do(ctx, s.client.B().Get().Key(s.genKey(userID, provider)).Build()).ToString()
	switch {
	case err == nil:
		return gen
	case valkey.IsValkeyNil(err):
		return "0"
	default:
		s.logger.Warn("credential cache generation read failed", logging.User(userID), logging.Err(err))
		return ""
	}
}

// Get implements Store.
func (s *CachedStore) Get(ctx context.Context, userID string, provider Provider) (*Credential, error) {
	key := s.key(userID, provider)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	switch {
	case err == nil:
		var c Credential
		if err := json.Unmarshal(data, &c); err == nil {
			return &c, nil
		}
		s.logger.Warn("dropping unreadable cache entry", logging.User(userID))
		s.invalidate(ctx, userID, provider)
	case !valkey.IsValkeyNil(err):
		s.logger.Warn("credential cache read failed", logging.User(userID), logging.Err(err))
	}

	gen := s.generation(ctx, userID, provider)
	c, err := s.next.Get(ctx, userID, provider)
	if err != nil || c == nil {
		return c, err
	}
	if gen != "" {
		s.fill(ctx, userID, provider, gen, c)
	}
	return c, nil
}

// Create implements Store.
func (s *CachedStore) Create(ctx context.Context, userID string, provider Provider, payload json.RawMessage) (*Credential, error) {
	c, err := s.next.Create(ctx, userID, provider, payload)
	s.invalidate(ctx, userID, provider)
	return c, err
}

// Update implements Store.
func (s *CachedStore) Update(ctx context.Context, userID string, provider Provider, payload json.RawMessage, version int64) (*Credential, error) {
	c, err := s.next.Update(ctx, userID, provider, payload, version)
	s.invalidate(ctx, userID, provider)
	return c, err
}

// Delete implements Store.
func (s *CachedStore) Delete(ctx context.Context, userID string, provider Provider) error {
	err := s.next.Delete(ctx, userID, provider)
	s.invalidate(ctx, userID, provider)
	return err
}

// FindByAccount implements Store. Reverse lookups are not cached.
func (s *CachedStore) FindByAccount(ctx context.Context, provider Provider, emailAddress string) (*Credential, error) {
	return s.next.FindByAccount(ctx, provider, emailAddress)
}

// ListWithActiveWatch implements Store.
func (s *CachedStore) ListWithActiveWatch(ctx context.Context, provider Provider) ([]*Credential, error) {
	return s.next.ListWithActiveWatch(ctx, provider)
}

func (s *CachedStore) fill(ctx context.Context, userID string, provider Provider, gen string, c *Credential) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	keys := []string{s.key(userID, provider), s.genKey(userID, provider)}
	args := []string{string(data), strconv.FormatInt(max(int64(s.ttl/time.Second), 1), 10), gen}
	if err := fillScript.Exec(ctx, s.client, keys, args).Error(); err != nil {
		s.logger.Warn("credential cache write failed", logging.User(c.UserID), logging.Err(err))
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string, provider Provider) {
	for _, res := range s.client.DoMulti(ctx,
		s.client.B().Incr().Key(s.genKey(userID, provider)).Build(),
		s.client.B().Del().Key(s.key(userID, provider)).Build(),
	) {
		if err := res.Error(); err != nil {
			s.logger.Warn("credential cache invalidation failed", logging.User(userID), logging.Err(err))
			return
		}
	}
}
