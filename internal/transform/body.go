package transform

import (
	"regexp"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxsync/internal/gmail"
)

const (
	mimeText  = "text/plain"
	mimeHTML  = "text/html"
	multipart = "multipart/"
)

// Bodies are the decoded message bodies.
type Bodies struct {
	Text string
	HTML string
}

// ExtractBodies walks the MIME tree depth first, in document order, and
// keeps the first text/plain and the first text/html part. A payload
// without parts is used directly; an unknown type is treated as text.
// Parts that fail to decode are skipped.
func ExtractBodies(payload *gmailapi.MessagePart) Bodies {
	var b Bodies
	if payload == nil {
		return b
	}

	if len(payload.Parts) == 0 {
		data := decodePart(payload)
		switch {
		case data == "":
		case strings.Contains(payload.MimeType, mimeHTML):
			b.HTML = data
		default:
			b.Text = data
		}
		return b
	}

	stack := reversed(payload.Parts)
	for len(stack) > 0 && (b.Text == "" || b.HTML == "") {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if part == nil {
			continue
		}
		if strings.HasPrefix(part.MimeType, multipart) {
			stack = append(stack, reversed(part.Parts)...)
			continue
		}
		switch part.MimeType {
		case mimeText:
			if b.Text == "" {
				b.Text = decodePart(part)
			}
		case mimeHTML:
			if b.HTML == "" {
				b.HTML = decodePart(part)
			}
		}
	}
	return b
}

// reversed returns parts in reverse so that popping from the end of the
// stack visits them in their original order.
func reversed(parts []*gmailapi.MessagePart) []*gmailapi.MessagePart {
	out := make([]*gmailapi.MessagePart, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = p
	}
	return out
}

func decodePart(part *gmailapi.MessagePart) string {
	if part.Body == nil || part.Body.Data == "" {
		return ""
	}
	data, err := gmail.DecodeData(part.Body.Data)
	if err != nil {
		return ""
	}
	return string(data)
}

var (
	htmlQuotes = []*regexp.Regexp{
		regexp.MustCompile(`(?s)<blockquote.*?>.*?</blockquote>`),
		regexp.MustCompile(`(?s)<div class=["']gmail_quote["'].*?>.*?</div>`),
		regexp.MustCompile(`(?s)<div class=["']gmail_quote.*?>.*?</div>`),
		regexp.MustCompile(`(?s)<div class=["']reply.*?>.*?</div>`),
		regexp.MustCompile(`(?is)On.*?wrote:`),
		regexp.MustCompile(`<div>\s*</div>`),
	}
	htmlBreaks = regexp.MustCompile(`<br>\s*<br>\s*<br>`)

	// Body text is cut at the first match of each marker in turn.
	textMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?im)On .* wrote:`),
		regexp.MustCompile(`(?im)-+\s*Original Message\s*-+`),
		regexp.MustCompile(`(?im)-+\s*Forwarded Message\s*-+`),
		regexp.MustCompile(`(?im)^From:.*$\n^Sent:.*$\n^To:`),
		regexp.MustCompile(`(?im)^>.*$`),
		regexp.MustCompile(`(?im)^On.*at.*$`),
	}
)

// StripQuotedHTML removes quoted replies and reply headers from an HTML body.
func StripQuotedHTML(content string) string {
	if content == "" {
		return content
	}
	for _, re := range htmlQuotes {
		content = re.ReplaceAllString(content, "")
	}
	content = htmlBreaks.ReplaceAllString(content, "<br><br>")
	return strings.TrimSpace(content)
}

// StripQuotedText truncates a plain-text body before the quoted reply.
func StripQuotedText(content string) string {
	if content == "" {
		return content
	}
	for _, re := range textMarkers {
		if loc := re.FindStringIndex(content); loc != nil {
			content = strings.TrimSpace(content[:loc[0]])
		}
	}
	return strings.TrimSpace(content)
}
