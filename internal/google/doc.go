// Package google builds authenticated Gmail API services from stored
// credentials.
//
// TokenFactory is the only place an access token is refreshed. A refresh
// that changes the token is persisted before the service is returned, so
// a later run never starts from a stale token. The OAuth connect flow
// (consent URL, code exchange and the re-authorization state) lives here
// as well.
package google
