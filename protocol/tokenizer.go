package protocol

import httperrors "github.com/nczempin/httploop/errors"

// Callbacks receives tokenizer events. Byte slices alias the buffer passed to
// Execute and are only valid during the call. URL, status, header field and
// header value may each arrive in several consecutive pieces.
type Callbacks interface {
	OnMessageBegin() error
	OnURL(data []byte) error
	OnStatus(data []byte) error
	OnHeaderField(data []byte) error
	OnHeaderValue(data []byte) error
	// OnHeadersComplete may return skipBody to frame the message without a
	// body regardless of its headers, as for a response to HEAD.
	OnHeadersComplete() (skipBody bool, err error)
	OnBody(data []byte) error
	OnMessageComplete() error
}

// Tokenizer is a push parser for HTTP/1.x byte streams.
type Tokenizer interface {
	// Execute consumes data, firing callbacks. A zero-length data signals
	// EOF. After an error every later call returns the same error.
	Execute(data []byte) (int, error)

	// The accessors below describe the message whose headers completed last.
	Method() string
	StatusCode() int
	HTTPMajor() int
	HTTPMinor() int
	ShouldKeepAlive() bool

	// Errno is ParseOK until Execute fails.
	Errno() httperrors.ParseErrno
}
