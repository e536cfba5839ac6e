package google

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/instrumentation"
	"github.com/teemow/inboxsync/internal/logging"
)

// AuthURL returns the consent URL for state using the factory's config.
func (f *TokenFactory) AuthURL(state string) string {
	return AuthURL(f.config, state)
}

// Authorize completes the connect flow for userID. The code is exchanged,
// the mailbox profile read, and a fresh credential stored with the cursor
// set to the profile's history id.
//
// A first connect fails with credentials.ErrAlreadyExists when a credential
// is present. A re-authorization deletes the old credential, watch state
// included, and stores the new one in its place.
func (f *TokenFactory) Authorize(ctx context.Context, userID, code string, reauth bool) (*credentials.GmailPayload, error) {
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	tok, err := Exchange(ctx, f.config, code)
	if err != nil {
		f.metrics.RecordOAuthConnect(ctx, instrumentation.OAuthResultFailure)
		return nil, err
	}

	svc, err := f.service(ctx, tok)
	if err != nil {
		f.metrics.RecordOAuthConnect(ctx, instrumentation.OAuthResultFailure)
		return nil, err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		f.metrics.RecordOAuthConnect(ctx, instrumentation.OAuthResultFailure)
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	payload := &credentials.GmailPayload{
		Provider: credentials.ProviderGmail,
		Tokens:   TokensFromOAuth(tok),
		Account: credentials.AccountInfo{
			EmailAddress: credentials.NormalizeAddress(profile.EmailAddress),
			HistoryID:    profile.HistoryId,
		},
	}

	if reauth {
		if err := f.repo.Delete(ctx, userID); err != nil && !errors.Is(err, credentials.ErrNotFound) {
			f.metrics.RecordOAuthConnect(ctx, instrumentation.OAuthResultFailure)
			return nil, fmt.Errorf("failed to reset credential: %w", err)
		}
	}
	if err := f.repo.Create(ctx, userID, payload); err != nil {
		f.metrics.RecordOAuthConnect(ctx, instrumentation.OAuthResultFailure)
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	f.metrics.RecordOAuthConnect(ctx, instrumentation.OAuthResultSuccess)
	f.logger.Info("gmail connected",
		logging.User(userID),
		logging.UserHash(payload.Account.EmailAddress),
		logging.HistoryID(payload.Account.HistoryID))
	return payload, nil
}
