package transform

import (
	"net/mail"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
)

// Header names read from a message.
const (
	HeaderFrom    = "from"
	HeaderTo      = "to"
	HeaderCc      = "cc"
	HeaderSubject = "subject"
)

// Headers holds the top-level headers of a message keyed by lower-cased
// name. The first occurrence of a name wins.
type Headers map[string]string

// ParseHeaders builds a Headers map from msg.
func ParseHeaders(msg *gmailapi.Message) Headers {
	h := make(Headers)
	if msg == nil || msg.Payload == nil {
		return h
	}
	for _, mph := range msg.Payload.Headers {
		name := strings.ToLower(mph.Name)
		if _, ok := h[name]; !ok {
			h[name] = mph.Value
		}
	}
	return h
}

// Get returns the value of name, case-insensitively.
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// ParseAddress extracts the bare, lower-cased address from a header value
// such as `"Alice" <Alice@Example.com>`. Values net/mail rejects are parsed
// leniently.
func ParseAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(lenientAddress(value))
}

// ParseAddressList extracts every address of a To or Cc header.
func ParseAddressList(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	if list, err := mail.ParseAddressList(value); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}

	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if addr := lenientAddress(part); addr != "" {
			out = append(out, strings.ToLower(addr))
		}
	}
	return out
}

// lenientAddress takes the text between angle brackets if present, else
// the whole trimmed value.
func lenientAddress(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.LastIndex(value, "<"); i >= 0 {
		rest := value[i+1:]
		if j := strings.Index(rest, ">"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest)
	}
	return strings.Trim(value, `"' `)
}
