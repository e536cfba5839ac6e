package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/store"
	"github.com/teemow/inboxsync/internal/transform"
)

// ContactIndex maps lower-cased contact addresses to the tracked contacts
// using them. One address may be tracked in several projects.
type ContactIndex struct {
	byAddress map[string][]store.TrackedContact
	contacts  []store.TrackedContact
}

// NewContactIndex indexes contacts by address. Contacts without an
// address are dropped.
func NewContactIndex(contacts []store.TrackedContact) *ContactIndex {
	ix := &ContactIndex{byAddress: make(map[string][]store.TrackedContact)}
	for _, c := range contacts {
		addr := credentials.NormalizeAddress(c.Address)
		if addr == "" {
			continue
		}
		ix.byAddress[addr] = append(ix.byAddress[addr], c)
		ix.contacts = append(ix.contacts, c)
	}
	return ix
}

// BuildIndex resolves the user's active projects, their connected channels
// of channelType and the contacts on those channels.
func BuildIndex(ctx context.Context, dir store.Directory, userID, channelType string) (*ContactIndex, error) {
	projects, err := dir.ActiveProjects(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active projects: %w", err)
	}
	if len(projects) == 0 {
		return NewContactIndex(nil), nil
	}

	projectIDs := make([]uuid.UUID, 0, len(projects))
	for _, p := range projects {
		projectIDs = append(projectIDs, p.ID)
	}
	channels, err := dir.ConnectedChannels(ctx, projectIDs, channelType)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected channels: %w", err)
	}
	if len(channels) == 0 {
		return NewContactIndex(nil), nil
	}

	channelIDs := make([]uuid.UUID, 0, len(channels))
	for _, c := range channels {
		channelIDs = append(channelIDs, c.ID)
	}
	contacts, err := dir.TrackedContacts(ctx, channelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked contacts: %w", err)
	}
	return NewContactIndex(contacts), nil
}

// Len returns the number of indexed contacts.
func (ix *ContactIndex) Len() int {
	return len(ix.contacts)
}

// Contacts returns the indexed contacts.
func (ix *ContactIndex) Contacts() []store.TrackedContact {
	return ix.contacts
}

// Lookup returns the contacts tracking address.
func (ix *ContactIndex) Lookup(address string) []store.TrackedContact {
	return ix.byAddress[credentials.NormalizeAddress(address)]
}

// Match pairs a message with a tracked contact and the message direction.
type Match struct {
	Contact       store.TrackedContact
	IsFromContact bool
}

// IsFinal reports whether labels describe a delivered or sent message:
// not a draft, and in the inbox or the sent folder.
func IsFinal(labels []string) bool {
	var inbox, sent bool
	for _, l := range labels {
		switch l {
		case gmail.LabelDraft:
			return false
		case gmail.LabelInbox:
			inbox = true
		case gmail.LabelSent:
			sent = true
		}
	}
	return inbox || sent
}

// Match classifies msg against the index. A message from a tracked
// address matches its contacts as received. A message from the user
// matches the contacts of its To recipients as sent. Messages that are
// not final match nothing.
func (ix *ContactIndex) Match(msg *gmailapi.Message, userAddress string) []Match {
	if msg == nil || !IsFinal(msg.LabelIds) {
		return nil
	}
	h := transform.ParseHeaders(msg)
	from := transform.ParseAddress(h.Get(transform.HeaderFrom))
	if from == "" {
		return nil
	}

	if contacts := ix.byAddress[from]; len(contacts) > 0 {
		out := make([]Match, 0, len(contacts))
		for _, c := range contacts {
			out = append(out, Match{Contact: c, IsFromContact: true})
		}
		return out
	}

	if from != credentials.NormalizeAddress(userAddress) {
		return nil
	}
	var (
		out  []Match
		seen = make(map[uuid.UUID]bool)
	)
	for _, to := range transform.ParseAddressList(h.Get(transform.HeaderTo)) {
		for _, c := range ix.byAddress[to] {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, Match{Contact: c, IsFromContact: false})
		}
	}
	return out
}
