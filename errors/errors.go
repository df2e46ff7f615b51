package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"syscall"
)

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorLoop
	ErrorProtocol
	ErrorInvalidArgument
	ErrorHandler
	ErrorClosed
	ErrorInternal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorNone:
		return "No error"
	case ErrorLoop:
		return "Loop error"
	case ErrorProtocol:
		return "Protocol error"
	case ErrorInvalidArgument:
		return "Invalid argument"
	case ErrorHandler:
		return "Handler error"
	case ErrorClosed:
		return "Closed"
	case ErrorInternal:
		return "Internal error"
	default:
		return "Unknown error"
	}
}

// LoopError identifies which loop-capability operation failed
type LoopError int

const (
	LoopErrorNone LoopError = iota
	LoopErrorTCPInit
	LoopErrorBind
	LoopErrorListen
	LoopErrorAccept
	LoopErrorConnect
	LoopErrorReadStart
	LoopErrorRead
	LoopErrorWrite
	LoopErrorClose
	LoopErrorResolve
	LoopErrorDriverInit
)

var loopErrorNames = map[LoopError]string{
	LoopErrorNone:      "none",
	LoopErrorTCPInit:   "tcp_init",
	LoopErrorBind:      "bind",
	LoopErrorListen:    "listen",
	LoopErrorAccept:    "accept",
	LoopErrorConnect:   "connect",
	LoopErrorReadStart: "read_start",
	LoopErrorRead:      "read",
	LoopErrorWrite:     "write",
	LoopErrorClose:     "close",
	LoopErrorResolve:   "resolve",
	LoopErrorDriverInit:"driver_init",
}

func (e LoopError) String() string {
	if s, ok := loopErrorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("loop_error(%d)", int(e))
}

// ParseErrno is the errno-style failure code reported by the tokenizer
type ParseErrno int

const (
	ParseOK ParseErrno = iota
	ParseInvalidEOFState
	ParseHeaderOverflow
	ParseInvalidVersion
	ParseInvalidStatus
	ParseInvalidMethod
	ParseInvalidURL
	ParseInvalidHeaderToken
	ParseInvalidContentLength
	ParseUnexpectedContentLength
	ParseInvalidTransferEncoding
	ParseInvalidChunkSize
	ParseInvalidConstant
	ParseLFExpected
	ParseStrict
	ParseCallback
)

var parseErrnoNames = [...]string{
	ParseOK:                      "HPE_OK",
	ParseInvalidEOFState:         "HPE_INVALID_EOF_STATE",
	ParseHeaderOverflow:          "HPE_HEADER_OVERFLOW",
	ParseInvalidVersion:          "HPE_INVALID_VERSION",
	ParseInvalidStatus:           "HPE_INVALID_STATUS",
	ParseInvalidMethod:           "HPE_INVALID_METHOD",
	ParseInvalidURL:              "HPE_INVALID_URL",
	ParseInvalidHeaderToken:      "HPE_INVALID_HEADER_TOKEN",
	ParseInvalidContentLength:    "HPE_INVALID_CONTENT_LENGTH",
	ParseUnexpectedContentLength: "HPE_UNEXPECTED_CONTENT_LENGTH",
	ParseInvalidTransferEncoding: "HPE_INVALID_TRANSFER_ENCODING",
	ParseInvalidChunkSize:        "HPE_INVALID_CHUNK_SIZE",
	ParseInvalidConstant:         "HPE_INVALID_CONSTANT",
	ParseLFExpected:              "HPE_LF_EXPECTED",
	ParseStrict:                  "HPE_STRICT",
	ParseCallback:                "HPE_CB_ERROR",
}

func (e ParseErrno) String() string {
	if int(e) >= 0 && int(e) < len(parseErrnoNames) {
		return parseErrnoNames[e]
	}
	return fmt.Sprintf("HPE_UNKNOWN(%d)", int(e))
}

// Location points at the place in an input a failure was detected.
type Location struct {
	// Offset is the byte offset inside the chunk handed to the parser.
	Offset int
	// Snippet is a short excerpt of the input around Offset.
	Snippet string
}

func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Snippet == "" {
		return fmt.Sprintf("offset %d", l.Offset)
	}
	return fmt.Sprintf("offset %d near %q", l.Offset, l.Snippet)
}

// HttpError is the diagnostic error value produced by every failure path
type HttpError struct {
	Type          ErrorType
	LoopErr       LoopError
	ParseErrno    ParseErrno
	OSErrno       syscall.Errno
	Message       string
	Location      *Location
	UnderlyingErr error
}

// Error implements the error interface
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	var b strings.Builder
	b.WriteString(e.Type.String())
	switch e.Type {
	case ErrorLoop:
		fmt.Fprintf(&b, " (%s", e.LoopErr)
		if e.OSErrno != 0 {
			fmt.Fprintf(&b, ", errno %d", int(e.OSErrno))
		}
		b.WriteString(")")
	case ErrorProtocol:
		fmt.Fprintf(&b, " (%s)", e.ParseErrno)
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Location != nil {
		b.WriteString(" at ")
		b.WriteString(e.Location.String())
	}
	if e.UnderlyingErr != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.UnderlyingErr)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// Is reports sentinel equality by type and message so that wrapped copies of a
// sentinel still match it.
func (e *HttpError) Is(target error) bool {
	t, ok := target.(*HttpError)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.UnderlyingErr == nil && t.Type == e.Type && t.Message == e.Message &&
		t.LoopErr == e.LoopErr && t.ParseErrno == e.ParseErrno
}

var (
	// ErrNoHandler is wrapped by every routing miss.
	ErrNoHandler = &HttpError{Type: ErrorHandler, Message: "no handler"}
	// ErrConnectionClosed is reported to transactions still waiting when their connection goes away.
	ErrConnectionClosed = &HttpError{Type: ErrorClosed, Message: "connection closed"}
	// ErrShuttingDown is the close reason used when a core tears its connections down.
	ErrShuttingDown = &HttpError{Type: ErrorClosed, Message: "shutting down"}
)

// NewLoopError creates a new loop-capability error. A syscall.Errno anywhere in
// the cause chain is captured into OSErrno.
func NewLoopError(code LoopError, message string, underlying error) *HttpError {
	e := &HttpError{
		Type:          ErrorLoop,
		LoopErr:       code,
		Message:       message,
		UnderlyingErr: underlying,
	}
	var errno syscall.Errno
	if underlying != nil && stderrors.As(underlying, &errno) {
		e.OSErrno = errno
	}
	return e
}

// NewParseError creates a new protocol error carrying the tokenizer errno
func NewParseError(errno ParseErrno, message string, loc *Location) *HttpError {
	return &HttpError{
		Type:       ErrorProtocol,
		ParseErrno: errno,
		Message:    message,
		Location:   loc,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// NewHandlerError creates an application failure travelling through a response callback
func NewHandlerError(message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorHandler,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewClosedError reports a transaction cut short by its connection closing.
// The cause, when present, is the reason the connection closed.
func NewClosedError(message string, cause error) *HttpError {
	return &HttpError{
		Type:          ErrorClosed,
		Message:       message,
		UnderlyingErr: cause,
	}
}

// NewInternalError creates an invariant-violation error
func NewInternalError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInternal,
		Message: message,
	}
}

// TypeOf returns the ErrorType of the first HttpError in err's chain.
func TypeOf(err error) ErrorType {
	var he *HttpError
	if stderrors.As(err, &he) {
		return he.Type
	}
	return ErrorNone
}
