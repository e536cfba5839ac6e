package credentials

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// GmailRecord pairs a user with a decoded Gmail payload.
type GmailRecord struct {
	UserID  string
	Payload *GmailPayload
}

// EncodeGmail serialises a payload, sealing the tokens with c.
func EncodeGmail(p *GmailPayload, c *Cipher) (json.RawMessage, error) {
	out := *p
	out.Provider = ProviderGmail

	var err error
	if out.Tokens.AccessToken, err = c.Seal(p.Tokens.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}
	if out.Tokens.RefreshToken, err = c.Seal(p.Tokens.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gmail payload: %w", err)
	}
	return data, nil
}

// DecodeGmail parses a credential payload as Gmail and opens its tokens.
func DecodeGmail(cred *Credential, c *Cipher) (*GmailPayload, error) {
	if cred.Provider != "" && cred.Provider != ProviderGmail {
		return nil, fmt.Errorf("%w: %s", ErrProviderMismatch, cred.Provider)
	}

	var p GmailPayload
	if err := json.Unmarshal(cred.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode gmail payload: %w", err)
	}
	if p.Provider != "" && p.Provider != ProviderGmail {
		return nil, fmt.Errorf("%w: %s", ErrProviderMismatch, p.Provider)
	}
	p.Provider = ProviderGmail

	var err error
	if p.Tokens.AccessToken, err = c.Open(p.Tokens.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to open access token: %w", err)
	}
	if p.Tokens.RefreshToken, err = c.Open(p.Tokens.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to open refresh token: %w", err)
	}
	return &p, nil
}

// GmailRepository is the typed view of a Store for Gmail credentials.
type GmailRepository struct {
	store  Store
	cipher *Cipher
}

// NewGmailRepository wraps store. A nil cipher stores tokens in plaintext.
func NewGmailRepository(store Store, cipher *Cipher) *GmailRepository {
	if cipher == nil {
		cipher = &Cipher{}
	}
	return &GmailRepository{store: store, cipher: cipher}
}

// Load returns the user's payload, or nil when the user has not connected Gmail.
func (r *GmailRepository) Load(ctx context.Context, userID string) (*GmailPayload, error) {
	cred, err := r.store.Get(ctx, userID, ProviderGmail)
	if err != nil || cred == nil {
		return nil, err
	}
	return DecodeGmail(cred, r.cipher)
}

// Create stores a first payload for the user.
func (r *GmailRepository) Create(ctx context.Context, userID string, p *GmailPayload) error {
	data, err := EncodeGmail(p, r.cipher)
	if err != nil {
		return err
	}
	_, err = r.store.Create(ctx, userID, ProviderGmail, data)
	return err
}

// Delete removes the credential, used when a user re-authorizes from scratch.
func (r *GmailRepository) Delete(ctx context.Context, userID string) error {
	return r.store.Delete(ctx, userID, ProviderGmail)
}

// maxModifyAttempts bounds how often Modify re-reads after losing a race.
const maxModifyAttempts = 5

// Modify runs a read-modify-write cycle. The write only lands if nobody
// else wrote the credential since it was read; otherwise the payload is
// re-read and fn runs again, so fn must derive its changes from p alone.
// Nothing is written when fn reports changed=false. A missing credential
// yields ErrNotFound.
func (r *GmailRepository) Modify(ctx context.Context, userID string, fn func(p *GmailPayload) (changed bool, err error)) (*GmailPayload, error) {
	for attempt := 1; ; attempt++ {
		cred, err := r.store.Get(ctx, userID, ProviderGmail)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			return nil, ErrNotFound
		}
		p, err := DecodeGmail(cred, r.cipher)
		if err != nil {
			return nil, err
		}
		changed, err := fn(p)
		if err != nil {
			return nil, err
		}
		if !changed {
			return p, nil
		}
		data, err := EncodeGmail(p, r.cipher)
		if err != nil {
			return nil, err
		}
		_, err = r.store.Update(ctx, userID, ProviderGmail, data, cred.Version)
		if errors.Is(err, ErrConflict) && attempt < maxModifyAttempts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// AdvanceCursor moves the stored cursor forward to historyID. A cursor
// another writer already moved further is left alone.
func (r *GmailRepository) AdvanceCursor(ctx context.Context, userID string, historyID uint64) (bool, error) {
	var advanced bool
	_, err := r.Modify(ctx, userID, func(p *GmailPayload) (bool, error) {
		advanced = p.AdvanceCursor(historyID)
		return advanced, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance history cursor: %w", err)
	}
	return advanced, nil
}

// FindByAccount resolves the owner of a mailbox address. It returns a nil
// record when no credential matches.
func (r *GmailRepository) FindByAccount(ctx context.Context, emailAddress string) (*GmailRecord, error) {
	cred, err := r.store.FindByAccount(ctx, ProviderGmail, emailAddress)
	if err != nil || cred == nil {
		return nil, err
	}
	p, err := DecodeGmail(cred, r.cipher)
	if err != nil {
		return nil, err
	}
	return &GmailRecord{UserID: cred.UserID, Payload: p}, nil
}

// ListWatched returns every Gmail credential with a recorded watch.
// Payloads that fail to decode are returned as errors in the second slice
// so one corrupt record does not hide the others.
func (r *GmailRepository) ListWatched(ctx context.Context) ([]GmailRecord, []error, error) {
	creds, err := r.store.ListWithActiveWatch(ctx, ProviderGmail)
	if err != nil {
		return nil, nil, err
	}

	var (
		out  = make([]GmailRecord, 0, len(creds))
		errs []error
	)
	for _, cred := range creds {
		p, err := DecodeGmail(cred, r.cipher)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", cred.UserID, err))
			continue
		}
		out = append(out, GmailRecord{UserID: cred.UserID, Payload: p})
	}
	return out, errs, nil
}
