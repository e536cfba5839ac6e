package google

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// reauthPrefix marks the OAuth state of a re-authorization request.
const reauthPrefix = "refresh_"

// Scopes are the scopes requested at consent time. Watch registration and
// history reads only need read access.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

// OAuthConfig returns the OAuth2 configuration for the Gmail connect flow.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     googleoauth.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
	}
}

// AuthURL returns the consent URL. Offline access with forced consent makes
// Google issue a refresh token on every grant.
func AuthURL(conf *oauth2.Config, state string) string {
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens.
func Exchange(ctx context.Context, conf *oauth2.Config, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange auth code: %w", err)
	}
	return tok, nil
}

// ReauthState returns the state value for a re-authorization of userID.
func ReauthState(userID string) string {
	return reauthPrefix + userID
}

// ParseState extracts the user from an OAuth state value and reports whether
// it requests re-authorization.
func ParseState(state string) (userID string, reauth bool) {
	if rest, ok := strings.CutPrefix(state, reauthPrefix); ok {
		return rest, true
	}
	return state, false
}
