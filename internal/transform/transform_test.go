package transform

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/blob"
	"github.com/teemow/inboxsync/internal/gmail/gmailtest"
	"github.com/teemow/inboxsync/internal/store"
)

func encode(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Alice Smith" <Alice@Example.com>`, "alice@example.com"},
		{"bob@example.com", "bob@example.com"},
		{"  Carol <carol@example.com>  ", "carol@example.com"},
		{"Broken, Name <dave@example.com>", "dave@example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAddress(tt.in))
		})
	}
}

func TestParseAddressList(t *testing.T) {
	assert.Equal(t, []string{"a@example.com", "b@example.com"},
		ParseAddressList(`A <A@example.com>, b@example.com`))
	assert.Equal(t, []string{"x@example.com", "y@example.com"},
		ParseAddressList(`x@example.com, Y <y@example.com> trailing`))
	assert.Empty(t, ParseAddressList(""))
}

func TestParseHeaders(t *testing.T) {
	msg := &gmailapi.Message{Payload: &gmailapi.MessagePart{Headers: []*gmailapi.MessagePartHeader{
		{Name: "SUBJECT", Value: "first"},
		{Name: "Subject", Value: "second"},
		{Name: "from", Value: "a@example.com"},
	}}}
	h := ParseHeaders(msg)
	assert.Equal(t, "first", h.Get("subject"))
	assert.Equal(t, "a@example.com", h.Get("From"))
	assert.Empty(t, ParseHeaders(&gmailapi.Message{}))
}

func TestExtractBodies(t *testing.T) {
	t.Run("nested multipart keeps first of each", func(t *testing.T) {
		payload := &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmailapi.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmailapi.MessagePart{
						{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: encode("plain one")}},
						{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: encode("<p>html one</p>")}},
					},
				},
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: encode("plain two")}},
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: encode("<p>html two</p>")}},
			},
		}
		b := ExtractBodies(payload)
		assert.Equal(t, "plain one", b.Text)
		assert.Equal(t, "<p>html one</p>", b.HTML)
	})

	t.Run("single part html", func(t *testing.T) {
		b := ExtractBodies(&gmailapi.MessagePart{MimeType: "text/html; charset=utf-8", Body: &gmailapi.MessagePartBody{Data: encode("<b>hi</b>")}})
		assert.Equal(t, "<b>hi</b>", b.HTML)
		assert.Empty(t, b.Text)
	})

	t.Run("single part unknown type falls back to text", func(t *testing.T) {
		b := ExtractBodies(&gmailapi.MessagePart{MimeType: "application/x-custom", Body: &gmailapi.MessagePartBody{Data: encode("raw")}})
		assert.Equal(t, "raw", b.Text)
	})

	t.Run("undecodable part skipped", func(t *testing.T) {
		payload := &gmailapi.MessagePart{MimeType: "multipart/alternative", Parts: []*gmailapi.MessagePart{
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: "!!!"}},
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: encode("second")}},
		}}
		assert.Equal(t, "second", ExtractBodies(payload).Text)
	})

	assert.Equal(t, Bodies{}, ExtractBodies(nil))
}

func TestStripQuotedText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"reply header", "Thanks!\n\nOn Mon, 1 Jan 2024 Bob <b@example.com> wrote:\n> old", "Thanks!"},
		{"original message", "See below\n----- Original Message -----\nFrom: x", "See below"},
		{"forwarded", "FYI\n---------- Forwarded Message ----------\nstuff", "FYI"},
		{"outlook header block", "Hi\n\nFrom: Bob\nSent: Monday\nTo: Alice\nSubject: x", "Hi"},
		{"quote markers", "Answer\n> question\n> more", "Answer"},
		{"no quote", "Just a note.\n", "Just a note."},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripQuotedText(tt.in))
		})
	}
}

func TestStripQuotedHTML(t *testing.T) {
	in := `<div>Reply text</div><div></div><blockquote class="q">old
stuff</blockquote><div class="gmail_quote">quoted</div><br><br>  <br>end`
	out := StripQuotedHTML(in)
	assert.Equal(t, "<div>Reply text</div><br><br>end", out)
	assert.NotContains(t, StripQuotedHTML(`<p>Hi</p><p>On Tue, Bob wrote:</p>`), "wrote:")
	assert.Empty(t, StripQuotedHTML(""))
}

func TestTransform(t *testing.T) {
	contact := uuid.New()
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := gmailtest.Message{
		ID:      "m1",
		Labels:  []string{"INBOX"},
		From:    "Alice <Alice@Example.com>",
		To:      "me@example.com, Other <other@example.com>",
		Cc:      "cc@example.com",
		Subject: "Quote",
		Text:    "Here is the quote.\n\nOn Fri, me wrote:\n> please",
		HTML:    "<p>Here is the quote.</p><blockquote>please</blockquote>",
		Date:    date,
	}.Build()

	got := Transform(msg, contact, "Me@Example.com")
	assert.Equal(t, "m1", got.PlatformMessageID)
	assert.Equal(t, contact, got.ContactID)
	assert.Equal(t, "t-m1", got.ThreadID)
	assert.Equal(t, "alice@example.com", got.SenderAccount)
	assert.Equal(t, []string{"me@example.com", "other@example.com"}, got.RecipientAccounts)
	assert.Equal(t, []string{"cc@example.com"}, got.CCAccounts)
	assert.Equal(t, "Quote", got.Subject)
	assert.Equal(t, "Here is the quote.", got.BodyText)
	assert.Equal(t, "<p>Here is the quote.</p>", got.BodyHTML)
	assert.Equal(t, date, got.RegisteredAt)
	assert.False(t, got.IsRead)
	assert.True(t, got.IsFromContact)

	sent := gmailtest.Message{ID: "m2", From: "me@example.com", To: "alice@example.com"}.Build()
	assert.False(t, Transform(sent, contact, "me@example.com").IsFromContact)
}

func TestSafeFilename(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)

	assert.Equal(t, "report_20240301_090507.pdf", SafeFilename("report.pdf", now))
	assert.Equal(t, "a_b_c_d_e_f_g_h_i__20240301_090507.txt", SafeFilename(`a<b>c:d"e/f\g|h?i*.txt`, now))
	assert.Equal(t, "README_20240301_090507", SafeFilename("README", now))
	assert.Equal(t, "archive.tar_20240301_090507.gz", SafeFilename("archive.tar.gz", now))

	long := strings.Repeat("x", 200) + ".docx"
	got := SafeFilename(long, now)
	assert.Equal(t, strings.Repeat("x", 140)+"_20240301_090507.docx", got)

	exact := strings.Repeat("y", 150)
	assert.Equal(t, exact+"_20240301_090507", SafeFilename(exact, now))
}

func TestAttachmentParts(t *testing.T) {
	msg := gmailtest.Message{
		ID: "m1",
		Attachments: []gmailtest.Attachment{
			{ID: "a1", Filename: "contract.pdf", MimeType: "application/pdf", Size: 4096},
			{ID: "a2", Filename: "logo.png", MimeType: "image/png", Size: 50000},
			{ID: "a3", Filename: "tiny.txt", MimeType: "text/plain", Size: 1024},
			{ID: "a4", Filename: "", MimeType: "", Size: 2048},
		},
	}.Build()

	parts := AttachmentParts(msg)
	require.Len(t, parts, 2)
	assert.Equal(t, "contract.pdf", parts[0].Filename)
	assert.Equal(t, "a1", parts[0].AttachmentID)
	assert.Equal(t, int64(4096), parts[0].FileSize)
	assert.Equal(t, "unknown_file", parts[1].Filename)
	assert.Equal(t, "application/octet-stream", parts[1].FileType)
}

type failingDocuments struct{ store.Documents }

func (failingDocuments) CreateDocument(context.Context, *store.Document) (uuid.UUID, error) {
	return uuid.Nil, errors.New("registry down")
}

func TestAttachmentProcessor_Process(t *testing.T) {
	ctx := context.Background()
	project := uuid.New()
	now := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)

	fake := gmailtest.New("me@example.com")
	fake.Attachments["m1/a1"] = []byte(strings.Repeat("p", 3000))
	msg := gmailtest.Message{
		ID: "m1",
		Attachments: []gmailtest.Attachment{
			{ID: "a1", Filename: "contract.pdf", MimeType: "application/pdf", Size: 4096},
			{ID: "missing", Filename: "gone.pdf", MimeType: "application/pdf", Size: 4096},
		},
	}.Build()

	blobs := blob.NewMemory()
	docs := store.NewMemory()
	p := NewAttachmentProcessor(blobs, docs, nil, nil)
	p.now = func() time.Time { return now }

	got := p.Process(ctx, fake, msg, project)
	require.Len(t, got, 1)
	assert.Equal(t, "contract.pdf", got[0].Filename)
	assert.Equal(t, int64(3000), got[0].FileSize)
	require.NotNil(t, got[0].DocumentID)

	documents := docs.Documents()
	require.Len(t, documents, 1)
	d := documents[0]
	assert.Equal(t, *got[0].DocumentID, d.ID)
	assert.Equal(t, project, d.ProjectID)
	assert.Equal(t, "contract_20240301_090507.pdf", d.SafeFileName)
	assert.Equal(t, "contract.pdf", d.OriginalFileName)
	assert.Equal(t, store.SourceEmail, d.Source)
	assert.Equal(t, "projects/"+project.String()+"/contract_20240301_090507.pdf", d.FilePath)

	obj, ok := blobs.Get(d.FilePath)
	require.True(t, ok)
	assert.Equal(t, "application/pdf", obj.ContentType)

	t.Run("document failure skips attachment", func(t *testing.T) {
		p := NewAttachmentProcessor(blob.NewMemory(), failingDocuments{}, nil, nil)
		assert.Empty(t, p.Process(ctx, fake, msg, project))
	})

	t.Run("no attachments", func(t *testing.T) {
		before := fake.Calls("attachment")
		plain := gmailtest.Message{ID: "m2", Text: "hi"}.Build()
		assert.Empty(t, p.Process(ctx, fake, plain, project))
		assert.Equal(t, before, fake.Calls("attachment"))
	})
}
