package protocol

import (
	stderrors "errors"
	"strconv"
	"strings"

	httperrors "github.com/nczempin/httploop/errors"
	"golang.org/x/net/http/httpguts"
)

// MaxHeaderBytes bounds the start line plus header section of one message.
const MaxHeaderBytes = 80 * 1024

const (
	maxMethodLen     = 24
	maxSpecialValue  = 4096
	maxChunkSize     = 1 << 60
	snippetRadius    = 12
	contentLengthKey = "content-length"
	transferEncKey   = "transfer-encoding"
	connectionKey    = "connection"
)

const (
	stateStart int8 = iota
	stateMethod
	stateURLBefore
	stateURL
	stateVersion
	stateVersionMajor
	stateVersionDot
	stateVersionMinor
	stateStatusBefore
	stateStatusCode
	stateStatusAfter
	stateReasonBefore
	stateReason
	stateLineLF

	stateHeaderFieldBefore
	stateHeaderField
	stateHeaderValueBefore
	stateHeaderValue
	stateHeaderValueLF
	stateHeadersLF

	// body states follow; everything above counts against MaxHeaderBytes
	stateBodyIdentity
	stateBodyEOF
	stateChunkSizeBefore
	stateChunkSize
	stateChunkExt
	stateChunkSizeLF
	stateChunkData
	stateChunkDataCR
	stateChunkDataLF
	stateTrailerBefore
	stateTrailerLine
	stateTrailerLineLF
	stateTrailersLF
)

type specialHeader int8

const (
	hdrOther specialHeader = iota
	hdrContentLength
	hdrTransferEncoding
	hdrConnection
)

var (
	versionPrefix = []byte("HTTP/")
	foldSpace     = []byte(" ")
)

// Parser is the production Tokenizer: a byte-at-a-time state machine that
// never revisits consumed input. Spans still open at the end of a chunk are
// reported as partial events and continued on the next Execute.
type Parser struct {
	kind  Kind
	cb    Callbacks
	state int8
	err   *httperrors.HttpError
	errno httperrors.ParseErrno

	headerBytes int
	constIdx    int

	method     []byte
	methodStr  string
	statusCode int
	major      int
	minor      int
	keepAlive  bool

	sawHeader bool
	field     []byte
	special   specialHeader
	value     []byte

	contentLength int64
	chunked       bool
	teSeen        bool
	connection    []string

	remaining int64
}

// NewParser returns a parser for kind delivering events to cb.
func NewParser(kind Kind, cb Callbacks) *Parser {
	return &Parser{kind: kind, cb: cb, contentLength: -1}
}

func (p *Parser) Method() string { return p.methodStr }

func (p *Parser) StatusCode() int { return p.statusCode }

func (p *Parser) HTTPMajor() int { return p.major }

func (p *Parser) HTTPMinor() int { return p.minor }

func (p *Parser) ShouldKeepAlive() bool { return p.keepAlive }

func (p *Parser) Errno() httperrors.ParseErrno { return p.errno }

func (p *Parser) nextState(state int8) {
	p.state = state
}

func (p *Parser) inSpan() bool {
	switch p.state {
	case stateURL, stateReason, stateHeaderField, stateHeaderValue:
		return true
	}
	return false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isTokenChar(c byte) bool { return c < 0x80 && httpguts.IsTokenRune(rune(c)) }

func isValueChar(c byte) bool { return c == '\t' || (c >= 0x20 && c != 0x7f) }

func isURLChar(c byte) bool { return c > 0x20 && c != 0x7f }

// Execute implements Tokenizer.
func (p *Parser) Execute(data []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if len(data) == 0 {
		return 0, p.finish()
	}

	mark := -1
	if p.inSpan() {
		mark = 0
	}

	for i := 0; i < len(data); i++ {
		c := data[i]
		if p.state < stateBodyIdentity && p.state != stateStart {
			p.headerBytes++
			if p.headerBytes > MaxHeaderBytes {
				return p.fail(httperrors.ParseHeaderOverflow, "header section too large", data, i)
			}
		}

		switch p.state {
		case stateStart:
			if c == '\r' || c == '\n' {
				continue
			}
			if err := p.begin(); err != nil {
				return p.failCallback(err, data, i)
			}
			p.headerBytes = 0
			if p.kind == KindRequest {
				p.nextState(stateMethod)
			} else {
				p.nextState(stateVersion)
			}
			i--

		case stateMethod:
			if c == ' ' {
				if len(p.method) == 0 {
					return p.fail(httperrors.ParseInvalidMethod, "empty method", data, i)
				}
				p.methodStr = string(p.method)
				p.nextState(stateURLBefore)
				continue
			}
			if !isTokenChar(c) || len(p.method) >= maxMethodLen {
				return p.fail(httperrors.ParseInvalidMethod, "invalid method", data, i)
			}
			p.method = append(p.method, c)

		case stateURLBefore:
			if !isURLChar(c) {
				return p.fail(httperrors.ParseInvalidURL, "invalid request target", data, i)
			}
			mark = i
			p.nextState(stateURL)

		case stateURL:
			if c == ' ' {
				if err := p.cb.OnURL(data[mark:i]); err != nil {
					return p.failCallback(err, data, i)
				}
				mark = -1
				p.constIdx = 0
				p.nextState(stateVersion)
				continue
			}
			if c == '\r' || c == '\n' {
				return p.fail(httperrors.ParseInvalidVersion, "missing HTTP version", data, i)
			}
			if !isURLChar(c) {
				return p.fail(httperrors.ParseInvalidURL, "invalid request target", data, i)
			}

		case stateVersion:
			if c != versionPrefix[p.constIdx] {
				if p.kind == KindResponse && p.constIdx == 0 {
					return p.fail(httperrors.ParseInvalidConstant, "expected HTTP/", data, i)
				}
				return p.fail(httperrors.ParseInvalidVersion, "expected HTTP/", data, i)
			}
			p.constIdx++
			if p.constIdx == len(versionPrefix) {
				p.nextState(stateVersionMajor)
			}

		case stateVersionMajor:
			if c != '1' {
				return p.fail(httperrors.ParseInvalidVersion, "unsupported HTTP major version", data, i)
			}
			p.major = 1
			p.nextState(stateVersionDot)

		case stateVersionDot:
			if c != '.' {
				return p.fail(httperrors.ParseInvalidVersion, "invalid HTTP version", data, i)
			}
			p.nextState(stateVersionMinor)

		case stateVersionMinor:
			if c != '0' && c != '1' {
				return p.fail(httperrors.ParseInvalidVersion, "unsupported HTTP minor version", data, i)
			}
			p.minor = int(c - '0')
			if p.kind == KindRequest {
				p.nextState(stateReasonBefore)
			} else {
				p.nextState(stateStatusBefore)
			}

		case stateStatusBefore:
			if c != ' ' {
				return p.fail(httperrors.ParseInvalidStatus, "expected space after version", data, i)
			}
			p.statusCode = 0
			p.constIdx = 0
			p.nextState(stateStatusCode)

		case stateStatusCode:
			if !isDigit(c) {
				return p.fail(httperrors.ParseInvalidStatus, "invalid status code", data, i)
			}
			p.statusCode = p.statusCode*10 + int(c-'0')
			p.constIdx++
			if p.constIdx == 3 {
				if p.statusCode < 100 {
					return p.fail(httperrors.ParseInvalidStatus, "invalid status code", data, i)
				}
				p.nextState(stateStatusAfter)
			}

		case stateStatusAfter:
			switch c {
			case ' ':
				p.nextState(stateReasonBefore)
			case '\r':
				p.nextState(stateLineLF)
			default:
				return p.fail(httperrors.ParseInvalidStatus, "invalid status code", data, i)
			}

		case stateReasonBefore:
			if c == '\r' {
				p.nextState(stateLineLF)
				continue
			}
			if p.kind == KindRequest {
				return p.fail(httperrors.ParseInvalidVersion, "expected CRLF after version", data, i)
			}
			if !isValueChar(c) {
				return p.fail(httperrors.ParseInvalidStatus, "invalid reason phrase", data, i)
			}
			mark = i
			p.nextState(stateReason)

		case stateReason:
			if c == '\r' {
				if err := p.cb.OnStatus(data[mark:i]); err != nil {
					return p.failCallback(err, data, i)
				}
				mark = -1
				p.nextState(stateLineLF)
				continue
			}
			if !isValueChar(c) {
				return p.fail(httperrors.ParseInvalidStatus, "invalid reason phrase", data, i)
			}

		case stateLineLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after start line", data, i)
			}
			p.nextState(stateHeaderFieldBefore)

		case stateHeaderFieldBefore:
			switch {
			case c == '\r':
				p.endHeader()
				p.nextState(stateHeadersLF)
			case c == ' ' || c == '\t':
				if !p.sawHeader {
					return p.fail(httperrors.ParseInvalidHeaderToken, "continuation line without header", data, i)
				}
				// obs-fold: the continuation joins the previous value after one SP
				if err := p.cb.OnHeaderValue(foldSpace); err != nil {
					return p.failCallback(err, data, i)
				}
				p.appendSpecial(' ')
				p.nextState(stateHeaderValueBefore)
			case isTokenChar(c):
				p.endHeader()
				p.sawHeader = true
				p.field = append(p.field[:0], lower(c))
				mark = i
				p.nextState(stateHeaderField)
			default:
				return p.fail(httperrors.ParseInvalidHeaderToken, "invalid header field", data, i)
			}

		case stateHeaderField:
			if c == ':' {
				if err := p.cb.OnHeaderField(data[mark:i]); err != nil {
					return p.failCallback(err, data, i)
				}
				mark = -1
				p.special = classify(p.field)
				p.value = p.value[:0]
				p.nextState(stateHeaderValueBefore)
				continue
			}
			if !isTokenChar(c) {
				return p.fail(httperrors.ParseInvalidHeaderToken, "invalid header field", data, i)
			}
			if len(p.field) <= len(transferEncKey) {
				p.field = append(p.field, lower(c))
			}

		case stateHeaderValueBefore:
			if c == ' ' || c == '\t' {
				continue
			}
			if c == '\r' {
				// an empty value still ends the field for the receiver
				if err := p.cb.OnHeaderValue(data[i:i]); err != nil {
					return p.failCallback(err, data, i)
				}
				p.nextState(stateHeaderValueLF)
				continue
			}
			if !isValueChar(c) {
				return p.fail(httperrors.ParseInvalidHeaderToken, "invalid header value", data, i)
			}
			mark = i
			p.appendSpecial(c)
			p.nextState(stateHeaderValue)

		case stateHeaderValue:
			if c == '\r' {
				if err := p.cb.OnHeaderValue(data[mark:i]); err != nil {
					return p.failCallback(err, data, i)
				}
				mark = -1
				p.nextState(stateHeaderValueLF)
				continue
			}
			if !isValueChar(c) {
				return p.fail(httperrors.ParseInvalidHeaderToken, "invalid header value", data, i)
			}
			if !p.appendSpecial(c) {
				return p.fail(httperrors.ParseHeaderOverflow, "header value too large", data, i)
			}

		case stateHeaderValueLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after header value", data, i)
			}
			p.nextState(stateHeaderFieldBefore)

		case stateHeadersLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after headers", data, i)
			}
			if errno, msg := p.headersComplete(); errno != httperrors.ParseOK {
				return p.fail(errno, msg, data, i)
			}
			skip, err := p.cb.OnHeadersComplete()
			if err != nil {
				return p.failCallback(err, data, i)
			}
			if err := p.startBody(skip); err != nil {
				return p.failCallback(err, data, i)
			}

		case stateBodyIdentity:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			if err := p.cb.OnBody(data[i : i+int(n)]); err != nil {
				return p.failCallback(err, data, i)
			}
			p.remaining -= n
			i += int(n) - 1
			if p.remaining == 0 {
				if err := p.complete(); err != nil {
					return p.failCallback(err, data, i)
				}
			}

		case stateBodyEOF:
			if err := p.cb.OnBody(data[i:]); err != nil {
				return p.failCallback(err, data, i)
			}
			i = len(data) - 1

		case stateChunkSizeBefore:
			v, ok := unhex(c)
			if !ok {
				return p.fail(httperrors.ParseInvalidChunkSize, "invalid chunk size", data, i)
			}
			p.remaining = int64(v)
			p.nextState(stateChunkSize)

		case stateChunkSize:
			if v, ok := unhex(c); ok {
				if p.remaining > (maxChunkSize-int64(v))/16 {
					return p.fail(httperrors.ParseInvalidChunkSize, "chunk size overflow", data, i)
				}
				p.remaining = p.remaining*16 + int64(v)
				continue
			}
			switch c {
			case ';', ' ', '\t':
				p.nextState(stateChunkExt)
			case '\r':
				p.nextState(stateChunkSizeLF)
			default:
				return p.fail(httperrors.ParseInvalidChunkSize, "invalid chunk size", data, i)
			}

		case stateChunkExt:
			if c == '\r' {
				p.nextState(stateChunkSizeLF)
			}

		case stateChunkSizeLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after chunk size", data, i)
			}
			if p.remaining == 0 {
				p.nextState(stateTrailerBefore)
			} else {
				p.nextState(stateChunkData)
			}

		case stateChunkData:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			if err := p.cb.OnBody(data[i : i+int(n)]); err != nil {
				return p.failCallback(err, data, i)
			}
			p.remaining -= n
			i += int(n) - 1
			if p.remaining == 0 {
				p.nextState(stateChunkDataCR)
			}

		case stateChunkDataCR:
			if c != '\r' {
				return p.fail(httperrors.ParseStrict, "expected CRLF after chunk data", data, i)
			}
			p.nextState(stateChunkDataLF)

		case stateChunkDataLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after chunk data", data, i)
			}
			p.nextState(stateChunkSizeBefore)

		case stateTrailerBefore:
			if c == '\r' {
				p.nextState(stateTrailersLF)
			} else {
				p.nextState(stateTrailerLine)
			}

		case stateTrailerLine:
			if c == '\r' {
				p.nextState(stateTrailerLineLF)
			}

		case stateTrailerLineLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after trailer", data, i)
			}
			p.nextState(stateTrailerBefore)

		case stateTrailersLF:
			if c != '\n' {
				return p.fail(httperrors.ParseLFExpected, "expected LF after trailers", data, i)
			}
			if err := p.complete(); err != nil {
				return p.failCallback(err, data, i)
			}
		}
	}

	if mark >= 0 && mark < len(data) && p.inSpan() {
		if err := p.emitSpan(data[mark:]); err != nil {
			return p.failCallback(err, data, len(data)-1)
		}
	}
	return len(data), nil
}

func (p *Parser) emitSpan(b []byte) error {
	switch p.state {
	case stateURL:
		return p.cb.OnURL(b)
	case stateReason:
		return p.cb.OnStatus(b)
	case stateHeaderField:
		return p.cb.OnHeaderField(b)
	case stateHeaderValue:
		return p.cb.OnHeaderValue(b)
	}
	return nil
}

func (p *Parser) finish() error {
	switch p.state {
	case stateStart:
		return nil
	case stateBodyEOF:
		if err := p.complete(); err != nil {
			_, err = p.failCallback(err, nil, 0)
			return err
		}
		return nil
	}
	p.errno = httperrors.ParseInvalidEOFState
	p.err = httperrors.NewParseError(p.errno, "stream ended inside a message", nil)
	return p.err
}

func (p *Parser) begin() error {
	p.method = p.method[:0]
	p.methodStr = ""
	p.statusCode = 0
	p.major, p.minor = 0, 0
	p.keepAlive = false
	p.constIdx = 0
	p.sawHeader = false
	p.special = hdrOther
	p.value = p.value[:0]
	p.contentLength = -1
	p.chunked = false
	p.teSeen = false
	p.connection = p.connection[:0]
	p.remaining = 0
	return p.cb.OnMessageBegin()
}

func (p *Parser) appendSpecial(c byte) bool {
	if p.special == hdrOther {
		return true
	}
	if len(p.value) >= maxSpecialValue {
		return false
	}
	p.value = append(p.value, c)
	return true
}

// endHeader folds the value of the header just finished into the framing
// state. It runs when the next field starts, so obs-fold continuations are
// already included.
func (p *Parser) endHeader() {
	if p.special == hdrOther {
		return
	}
	v := strings.TrimSpace(string(p.value))
	switch p.special {
	case hdrContentLength:
		n, err := strconv.ParseInt(v, 10, 63)
		if err != nil || n < 0 || (p.contentLength >= 0 && p.contentLength != n) {
			p.contentLength = -2
		} else if p.contentLength != -2 {
			p.contentLength = n
		}
	case hdrTransferEncoding:
		p.teSeen = true
		codings := strings.Split(v, ",")
		p.chunked = strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
	case hdrConnection:
		p.connection = append(p.connection, v)
	}
	p.special = hdrOther
	p.value = p.value[:0]
}

func (p *Parser) headersComplete() (httperrors.ParseErrno, string) {
	if p.contentLength == -2 {
		return httperrors.ParseInvalidContentLength, "invalid Content-Length"
	}
	if p.teSeen && p.contentLength >= 0 {
		return httperrors.ParseUnexpectedContentLength, "Content-Length with Transfer-Encoding"
	}
	if p.kind == KindRequest && p.teSeen && !p.chunked {
		return httperrors.ParseInvalidTransferEncoding, "request transfer coding must end in chunked"
	}

	if p.minor == 0 {
		p.keepAlive = httpguts.HeaderValuesContainsToken(p.connection, "keep-alive")
	} else {
		p.keepAlive = !httpguts.HeaderValuesContainsToken(p.connection, "close")
	}
	return httperrors.ParseOK, ""
}

func (p *Parser) startBody(skip bool) error {
	switch {
	case skip || (p.kind == KindResponse && bodyless(p.statusCode)):
		return p.complete()
	case p.chunked:
		p.nextState(stateChunkSizeBefore)
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.nextState(stateBodyIdentity)
	case p.contentLength == 0 || p.kind == KindRequest:
		return p.complete()
	default:
		// response delimited by connection close
		p.keepAlive = false
		p.nextState(stateBodyEOF)
	}
	return nil
}

func (p *Parser) complete() error {
	p.nextState(stateStart)
	return p.cb.OnMessageComplete()
}

func (p *Parser) fail(errno httperrors.ParseErrno, msg string, data []byte, i int) (int, error) {
	p.errno = errno
	p.err = httperrors.NewParseError(errno, msg, locate(data, i))
	return i, p.err
}

// failCallback reports a callback error. A protocol error from the callback
// keeps its own errno; anything else becomes a callback error.
func (p *Parser) failCallback(err error, data []byte, i int) (int, error) {
	var he *httperrors.HttpError
	if stderrors.As(err, &he) && he.Type == httperrors.ErrorProtocol {
		p.errno = he.ParseErrno
		p.err = &httperrors.HttpError{
			Type:          httperrors.ErrorProtocol,
			ParseErrno:    he.ParseErrno,
			Message:       he.Message,
			Location:      locate(data, i),
			UnderlyingErr: he.UnderlyingErr,
		}
		return i, p.err
	}
	p.errno = httperrors.ParseCallback
	p.err = httperrors.NewParseError(p.errno, "callback failed", locate(data, i))
	p.err.UnderlyingErr = err
	return i, p.err
}

func locate(data []byte, i int) *httperrors.Location {
	lo, hi := i-snippetRadius, i+snippetRadius
	if lo < 0 {
		lo = 0
	}
	if hi > len(data) {
		hi = len(data)
	}
	if i > len(data) {
		i = len(data)
	}
	return &httperrors.Location{Offset: i, Snippet: string(data[lo:hi])}
}

func classify(field []byte) specialHeader {
	switch string(field) {
	case contentLengthKey:
		return hdrContentLength
	case transferEncKey:
		return hdrTransferEncoding
	case connectionKey:
		return hdrConnection
	}
	return hdrOther
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
