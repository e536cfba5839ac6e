// Package credentials persists one OAuth credential per (user, provider).
//
// The Store works on a generic envelope whose payload is opaque JSON, so the
// backends (memory, Postgres, the Valkey read-through cache) never need to
// know a provider's schema. Provider-specific code goes through a typed
// accessor such as GmailRepository, which decodes the payload into
// GmailPayload and encodes it back on every read-modify-write.
//
// Every payload follows one convention the backends rely on for lookups:
// the mailbox address lives at account.email_address and an active push
// subscription, if any, at watch.
package credentials
