// Package gmailtest provides an in-memory Gmail provider for tests.
package gmailtest

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/teemow/inboxsync/internal/credentials"
	"github.com/teemow/inboxsync/internal/gmail"
	"github.com/teemow/inboxsync/internal/google"
)

// Fake is a scripted gmail.Provider. Exported fields may be set before use;
// the methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	EmailAddress string
	// ProfileHistoryID is returned by Profile.
	ProfileHistoryID uint64

	// Pages are served in order; the fake fills in NextPageToken.
	Pages      []*gmailapi.ListHistoryResponse
	HistoryErr error

	Messages    map[string]*gmailapi.Message
	MessageErrs map[string]error

	// Attachments are keyed by "messageID/attachmentID".
	Attachments map[string][]byte

	// Search answers ListMessageIDs. Nil returns no ids.
	Search func(query string) []string

	WatchHistoryID  uint64
	WatchExpiration time.Time
	WatchErr        error
	StopErr         error

	calls      map[string]int
	queries    []string
	watchTopic string
	watchLabel []string
}

// New returns an empty Fake for address.
func New(address string) *Fake {
	return &Fake{
		EmailAddress: address,
		Messages:     make(map[string]*gmailapi.Message),
		MessageErrs:  make(map[string]error),
		Attachments:  make(map[string][]byte),
	}
}

var _ gmail.Provider = (*Fake)(nil)

func (f *Fake) record(op string) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
}

// Calls returns how often op was called. TotalCalls sums all operations.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of provider calls made.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Queries returns the search queries received.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// LastWatch returns the topic and labels of the last Watch call.
func (f *Fake) LastWatch() (string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchTopic, f.watchLabel
}

// AddMessage stores msg for GetMessage.
func (f *Fake) AddMessage(msg *gmailapi.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages[msg.Id] = msg
}

// Profile implements gmail.Provider.
func (f *Fake) Profile(context.Context) (*gmailapi.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("profile")
	return &gmailapi.Profile{EmailAddress: f.EmailAddress, HistoryId: f.ProfileHistoryID}, nil
}

// ListHistory implements gmail.Provider.
func (f *Fake) ListHistory(_ context.Context, _ uint64, pageToken string) (*gmailapi.ListHistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("history")

	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(pageToken, "page-"))
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
		idx = n
	}
	if idx >= len(f.Pages) {
		return &gmailapi.ListHistoryResponse{HistoryId: f.ProfileHistoryID}, nil
	}
	page := *f.Pages[idx]
	page.NextPageToken = ""
	if idx+1 < len(f.Pages) {
		page.NextPageToken = "page-" + strconv.Itoa(idx+1)
	}
	return &page, nil
}

// Watch implements gmail.Provider.
func (f *Fake) Watch(_ context.Context, topicName string, labelIDs []string) (*gmailapi.WatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("watch")

	if f.WatchErr != nil {
		return nil, f.WatchErr
	}
	f.watchTopic = topicName
	f.watchLabel = append([]string(nil), labelIDs...)
	return &gmailapi.WatchResponse{
		HistoryId:  f.WatchHistoryID,
		Expiration: f.WatchExpiration.UnixMilli(),
	}, nil
}

// Stop implements gmail.Provider.
func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	return f.StopErr
}

// GetMessage implements gmail.Provider.
func (f *Fake) GetMessage(_ context.Context, id string) (*gmailapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get")

	if err := f.MessageErrs[id]; err != nil {
		return nil, err
	}
	msg, ok := f.Messages[id]
	if !ok {
		return nil, NotFound("message " + id)
	}
	return msg, nil
}

// NotFound returns the error Gmail answers for a missing entity.
func NotFound(what string) error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: what + " not found"}
}

// ServerError returns a transient Gmail backend error.
func ServerError() error {
	return &googleapi.Error{Code: http.StatusInternalServerError, Message: "backend error"}
}

// GetAttachment implements gmail.Provider.
func (f *Fake) GetAttachment(_ context.Context, messageID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("attachment")

	data, ok := f.Attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, NotFound("attachment " + attachmentID)
	}
	return data, nil
}

// ListMessageIDs implements gmail.Provider.
func (f *Fake) ListMessageIDs(_ context.Context, query string, max int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("search")
	f.queries = append(f.queries, query)

	if f.Search == nil {
		return nil, nil
	}
	ids := f.Search(query)
	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// Opener serves Fakes for users whose credential exists in repo.
type Opener struct {
	repo      *credentials.GmailRepository
	mu        sync.Mutex
	providers map[string]*Fake
	errs      map[string]error
}

// NewOpener creates an Opener backed by repo.
func NewOpener(repo *credentials.GmailRepository) *Opener {
	return &Opener{
		repo:      repo,
		providers: make(map[string]*Fake),
		errs:      make(map[string]error),
	}
}

// Set registers the provider returned for userID.
func (o *Opener) Set(userID string, f *Fake) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers[userID] = f
}

// Fail makes Open return err for userID.
func (o *Opener) Fail(userID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs[userID] = err
}

// Open implements gmail.Opener.
func (o *Opener) Open(ctx context.Context, userID string) (gmail.Provider, *credentials.GmailPayload, error) {
	o.mu.Lock()
	err := o.errs[userID]
	f := o.providers[userID]
	o.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}
	p, err := o.repo.Load(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, google.ErrNotConnected
	}
	if f == nil {
		return nil, nil, fmt.Errorf("no fake provider for %s", userID)
	}
	return f, p, nil
}

// Added builds a history page adding the given message ids.
func Added(historyID uint64, ids ...string) *gmailapi.ListHistoryResponse {
	h := &gmailapi.History{Id: historyID}
	for _, id := range ids {
		h.MessagesAdded = append(h.MessagesAdded, &gmailapi.HistoryMessageAdded{Message: &gmailapi.Message{Id: id}})
	}
	return &gmailapi.ListHistoryResponse{HistoryId: historyID, History: []*gmailapi.History{h}}
}

// Labeled builds a history page with labelAdded records for the ids.
func Labeled(historyID uint64, label string, ids ...string) *gmailapi.ListHistoryResponse {
	h := &gmailapi.History{Id: historyID}
	for _, id := range ids {
		h.LabelsAdded = append(h.LabelsAdded, &gmailapi.HistoryLabelAdded{
			Message:  &gmailapi.Message{Id: id},
			LabelIds: []string{label},
		})
	}
	return &gmailapi.ListHistoryResponse{HistoryId: historyID, History: []*gmailapi.History{h}}
}

// Message describes a test message.
type Message struct {
	ID       string
	ThreadID string
	Labels   []string
	From     string
	To       string
	Cc       string
	Subject  string
	Text     string
	HTML     string
	Date     time.Time
	// Attachments become extra parts with an attachment id.
	Attachments []Attachment
}

// Attachment describes an attachment part.
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
}

// Build converts m into a full-format Gmail message.
func (m Message) Build() *gmailapi.Message {
	headers := []*gmailapi.MessagePartHeader{
		{Name: "From", Value: m.From},
		{Name: "To", Value: m.To},
		{Name: "Subject", Value: m.Subject},
	}
	if m.Cc != "" {
		headers = append(headers, &gmailapi.MessagePartHeader{Name: "Cc", Value: m.Cc})
	}
	date := m.Date
	if date.IsZero() {
		date = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	root := &gmailapi.MessagePart{MimeType: "multipart/mixed", Headers: headers}
	body := &gmailapi.MessagePart{MimeType: "multipart/alternative"}
	if m.Text != "" {
		body.Parts = append(body.Parts, textPart("text/plain", m.Text))
	}
	if m.HTML != "" {
		body.Parts = append(body.Parts, textPart("text/html", m.HTML))
	}
	root.Parts = append(root.Parts, body)
	for _, a := range m.Attachments {
		root.Parts = append(root.Parts, &gmailapi.MessagePart{
			MimeType: a.MimeType,
			Filename: a.Filename,
			Body:     &gmailapi.MessagePartBody{AttachmentId: a.ID, Size: a.Size},
		})
	}

	labels := append([]string(nil), m.Labels...)
	sort.Strings(labels)
	threadID := m.ThreadID
	if threadID == "" {
		threadID = "t-" + m.ID
	}
	return &gmailapi.Message{
		Id:           m.ID,
		ThreadId:     threadID,
		LabelIds:     labels,
		InternalDate: date.UnixMilli(),
		Payload:      root,
	}
}

func textPart(mimeType, s string) *gmailapi.MessagePart {
	return &gmailapi.MessagePart{
		MimeType: mimeType,
		Body:     &gmailapi.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte(s)), Size: int64(len(s))},
	}
}
