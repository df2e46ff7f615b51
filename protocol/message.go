// Package protocol holds the HTTP/1.x message model, the push tokenizer that
// reads it off the wire, the Framer that turns tokenizer events into whole
// messages, and the serializers that put messages back on the wire.
package protocol

import (
	"strings"

	"github.com/nczempin/httploop/urlutil"
)

// Kind selects which messages a Framer or Parser produces.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

func (k Kind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// Header is one header line. Arrival order is preserved.
type Header struct {
	Key   string
	Value string
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value for key, compared case-insensitively.
func (h Headers) Get(key string) string {
	for _, kv := range h {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value
		}
	}
	return ""
}

// Values returns every value for key in arrival order.
func (h Headers) Values(key string) []string {
	var out []string
	for _, kv := range h {
		if strings.EqualFold(kv.Key, key) {
			out = append(out, kv.Value)
		}
	}
	return out
}

// Has reports whether key is present.
func (h Headers) Has(key string) bool {
	for _, kv := range h {
		if strings.EqualFold(kv.Key, key) {
			return true
		}
	}
	return false
}

// Add appends a header line.
func (h *Headers) Add(key, value string) {
	*h = append(*h, Header{Key: key, Value: value})
}

// Set replaces every line for key with a single one.
func (h *Headers) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Del removes every line for key.
func (h *Headers) Del(key string) {
	out := (*h)[:0]
	for _, kv := range *h {
		if !strings.EqualFold(kv.Key, key) {
			out = append(out, kv)
		}
	}
	*h = out
}

// Message is the part shared by requests and responses.
type Message struct {
	Headers    Headers
	ProtoMajor int
	ProtoMinor int
	Body       []byte

	// ShouldKeepAlive is set once, when the message is known complete.
	ShouldKeepAlive bool
}

// Proto returns the version as it appears on the wire.
func (m *Message) Proto() string {
	switch {
	case m.ProtoMajor == 1 && m.ProtoMinor == 0:
		return "HTTP/1.0"
	default:
		return "HTTP/1.1"
	}
}

// Request is an HTTP request.
type Request struct {
	Message
	Method string
	URL    string

	// ParsedURL is filled in by the Framer, or lazily by the serializer.
	ParsedURL *urlutil.URL
}

// NewRequest returns an HTTP/1.1 request without headers or body.
func NewRequest(method, url string) *Request {
	return &Request{
		Message: Message{ProtoMajor: 1, ProtoMinor: 1},
		Method:  method,
		URL:     url,
	}
}

// Path returns the parsed path, or "" when the URL was not parsed.
func (r *Request) Path() string {
	if r.ParsedURL == nil {
		return ""
	}
	return r.ParsedURL.Path
}

// Response is an HTTP response.
type Response struct {
	Message
	StatusCode int
	Reason     string
}

// NewResponse returns an HTTP/1.1 response carrying body.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		Message:    Message{ProtoMajor: 1, ProtoMinor: 1, Body: body},
		StatusCode: status,
	}
}

// bodyless reports whether a response with this status never carries a body.
func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}
