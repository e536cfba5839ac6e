// Package cmd implements the command-line interface for inboxsync.
//
// This package provides the following commands:
//   - serve: run the HTTP server and the watch renewal scheduler
//   - sweep: renew expiring watch subscriptions once
//   - resync: reset a user's cursor and backfill all tracked contacts
//   - backfill: import past messages for the contacts of one project
//   - migrate: apply the Postgres schema
//   - version: display version information
package cmd
