package credentials

import (
	"context"

	json "github.com/goccy/go-json"
)

// Store persists credential envelopes keyed by (user, provider).
//
// Get and FindByAccount return (nil, nil) when nothing matches; a missing
// credential is an expected state, not a failure.
//
// Update is a compare-and-swap: it replaces the payload only while the
// stored Version still equals version, and returns ErrConflict otherwise.
type Store interface {
	Get(ctx context.Context, userID string, provider Provider) (*Credential, error)
	Create(ctx context.Context, userID string, provider Provider, payload json.RawMessage) (*Credential, error)
	Update(ctx context.Context, userID string, provider Provider, payload json.RawMessage, version int64) (*Credential, error)
	Delete(ctx context.Context, userID string, provider Provider) error
	FindByAccount(ctx context.Context, provider Provider, emailAddress string) (*Credential, error)
	ListWithActiveWatch(ctx context.Context, provider Provider) ([]*Credential, error)
}

func cloneCredential(c *Credential) *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Payload = append(json.RawMessage(nil), c.Payload...)
	return &cp
}
