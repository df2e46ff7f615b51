package protocol

import (
	"strings"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/urlutil"
)

// TokenizerFactory builds the tokenizer a Framer drives.
type TokenizerFactory func(kind Kind, cb Callbacks) Tokenizer

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithTokenizer replaces the production Parser.
func WithTokenizer(factory TokenizerFactory) FramerOption {
	return func(f *Framer) { f.factory = factory }
}

// WithParseErrorHook registers fn to observe the sticky error once.
func WithParseErrorHook(fn func(err *httperrors.HttpError)) FramerOption {
	return func(f *Framer) { f.onError = fn }
}

// Framer turns a byte stream into a queue of complete messages of one kind.
type Framer struct {
	kind    Kind
	sink    *diag.Sink
	factory TokenizerFactory
	tok     Tokenizer
	onError func(err *httperrors.HttpError)
	err     *httperrors.HttpError

	// message under construction
	url       []byte
	reason    []byte
	headers   Headers
	field     []byte
	value     []byte
	inField   bool
	body      []byte
	interim   bool
	skipBody  bool
	expecting []string

	requests  []*Request
	responses []*Response
}

// NewFramer returns a Framer producing messages of kind.
func NewFramer(kind Kind, sink *diag.Sink, opts ...FramerOption) *Framer {
	f := &Framer{kind: kind, sink: sink}
	for _, opt := range opts {
		opt(f)
	}
	if f.factory == nil {
		f.factory = func(kind Kind, cb Callbacks) Tokenizer { return NewParser(kind, cb) }
	}
	f.tok = f.factory(kind, f)
	return f
}

// NewRequestFramer returns a Framer producing requests.
func NewRequestFramer(sink *diag.Sink, opts ...FramerOption) *Framer {
	return NewFramer(KindRequest, sink, opts...)
}

// NewResponseFramer returns a Framer producing responses.
func NewResponseFramer(sink *diag.Sink, opts ...FramerOption) *Framer {
	return NewFramer(KindResponse, sink, opts...)
}

// Kind returns the message kind the framer produces.
func (f *Framer) Kind() Kind { return f.kind }

// Read feeds one chunk of the stream. A zero-length data marks EOF, which
// completes a response whose body runs until the connection closes. Once Read
// fails the framer is unusable and returns the same error.
func (f *Framer) Read(data []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tok.Execute(data)
	if err != nil {
		f.err = asParseError(err, f.tok.Errno())
		if f.onError != nil {
			f.onError(f.err)
		}
		return n, f.err
	}
	return n, nil
}

// Err returns the sticky error, if any.
func (f *Framer) Err() error {
	if f.err == nil {
		return nil
	}
	return f.err
}

// ExpectResponse records the method of a request written on the connection
// so the matching response is framed correctly. Responses to HEAD have no
// body whatever their headers say.
func (f *Framer) ExpectResponse(method string) {
	if f.kind != KindResponse {
		f.sink.Fatalf("ExpectResponse on a %s framer", f.kind)
		return
	}
	f.expecting = append(f.expecting, method)
}

// NextRequest pops the oldest complete request, or returns nil.
func (f *Framer) NextRequest() *Request {
	if f.kind != KindRequest {
		f.sink.Fatalf("NextRequest on a %s framer", f.kind)
		return nil
	}
	if len(f.requests) == 0 {
		return nil
	}
	req := f.requests[0]
	f.requests[0] = nil
	f.requests = f.requests[1:]
	return req
}

// NextResponse pops the oldest complete response, or returns nil.
func (f *Framer) NextResponse() *Response {
	if f.kind != KindResponse {
		f.sink.Fatalf("NextResponse on a %s framer", f.kind)
		return nil
	}
	if len(f.responses) == 0 {
		return nil
	}
	resp := f.responses[0]
	f.responses[0] = nil
	f.responses = f.responses[1:]
	return resp
}

func (f *Framer) OnMessageBegin() error {
	f.url = f.url[:0]
	f.reason = f.reason[:0]
	f.headers = nil
	f.field = f.field[:0]
	f.value = f.value[:0]
	f.inField = false
	f.body = nil
	f.interim = false
	f.skipBody = false
	return nil
}

func (f *Framer) OnURL(data []byte) error {
	f.url = append(f.url, data...)
	return nil
}

func (f *Framer) OnStatus(data []byte) error {
	f.reason = append(f.reason, data...)
	return nil
}

func (f *Framer) OnHeaderField(data []byte) error {
	if !f.inField {
		f.commitHeader()
		f.inField = true
	}
	f.field = append(f.field, data...)
	return nil
}

func (f *Framer) OnHeaderValue(data []byte) error {
	f.inField = false
	f.value = append(f.value, data...)
	return nil
}

func (f *Framer) commitHeader() {
	if len(f.field) == 0 {
		return
	}
	f.headers = append(f.headers, Header{
		Key:   string(f.field),
		Value: strings.TrimRight(string(f.value), " \t"),
	})
	f.field = f.field[:0]
	f.value = f.value[:0]
}

func (f *Framer) OnHeadersComplete() (bool, error) {
	f.commitHeader()
	f.inField = false
	if f.kind == KindRequest {
		return false, nil
	}
	status := f.tok.StatusCode()
	if status >= 100 && status < 200 && status != 101 {
		f.interim = true
		return true, nil
	}
	if len(f.expecting) > 0 && strings.EqualFold(f.expecting[0], "HEAD") {
		f.skipBody = true
	}
	return f.skipBody, nil
}

func (f *Framer) OnBody(data []byte) error {
	f.body = append(f.body, data...)
	return nil
}

func (f *Framer) OnMessageComplete() error {
	msg := Message{
		Headers:         f.headers,
		ProtoMajor:      f.tok.HTTPMajor(),
		ProtoMinor:      f.tok.HTTPMinor(),
		Body:            f.body,
		ShouldKeepAlive: f.tok.ShouldKeepAlive(),
	}
	f.headers = nil
	f.body = nil

	if f.kind == KindRequest {
		method := f.tok.Method()
		raw := string(f.url)
		parsed, err := urlutil.Parse(raw, method == "CONNECT")
		if err != nil {
			e := httperrors.NewParseError(httperrors.ParseInvalidURL, "invalid request target "+raw, nil)
			e.UnderlyingErr = err
			return e
		}
		f.requests = append(f.requests, &Request{
			Message:   msg,
			Method:    method,
			URL:       raw,
			ParsedURL: parsed,
		})
		return nil
	}

	if f.interim {
		return nil
	}
	if len(f.expecting) > 0 {
		f.expecting = f.expecting[1:]
	}
	f.responses = append(f.responses, &Response{
		Message:    msg,
		StatusCode: f.tok.StatusCode(),
		Reason:     string(f.reason),
	})
	return nil
}

func asParseError(err error, errno httperrors.ParseErrno) *httperrors.HttpError {
	if he, ok := err.(*httperrors.HttpError); ok {
		return he
	}
	e := httperrors.NewParseError(errno, "tokenizer failed", nil)
	e.UnderlyingErr = err
	return e
}
