// Package ingest runs the Gmail sync pipeline.
//
// A notification pass reads the mailbox change log from the stored cursor
// (FetchDelta), keeps only messages exchanged with tracked contacts
// (ContactIndex), fetches them in bounded batches (Batcher), transforms
// and stores them once per contact, and moves the cursor forward. When
// the cursor has aged out of Gmail's history, the engine resets it and
// backfills every tracked contact instead.
package ingest
