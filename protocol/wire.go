package protocol

import (
	"net/http"
	"strconv"
	"strings"

	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/urlutil"
	"golang.org/x/net/http/httpguts"
)

var crlf = []byte("\r\n")

// AppendRequest serializes req onto dst. A Host header is added from the URL
// when absent, and Content-Length always reflects Body.
func AppendRequest(dst []byte, req *Request) ([]byte, error) {
	if req == nil {
		return dst, httperrors.NewInvalidArgumentError("nil request")
	}
	if !validToken(req.Method) {
		return dst, httperrors.NewInvalidArgumentError("invalid method " + strconv.Quote(req.Method))
	}
	u := req.ParsedURL
	if u == nil {
		parsed, err := urlutil.Parse(req.URL, req.Method == "CONNECT")
		if err != nil {
			return dst, err
		}
		u = parsed
		req.ParsedURL = parsed
	}
	if err := validHeaders(req.Headers); err != nil {
		return dst, err
	}

	target := u.RequestURI()
	if req.Method == "CONNECT" {
		target = u.Host + ":" + u.Port
	}

	dst = append(dst, req.Method...)
	dst = append(dst, ' ')
	dst = append(dst, target...)
	dst = append(dst, ' ')
	dst = append(dst, req.Proto()...)
	dst = append(dst, crlf...)

	if !req.Headers.Has("Host") && u.Host != "" {
		dst = appendHeader(dst, "Host", u.Authority())
	}
	dst = appendHeaders(dst, req.Headers, false)
	if len(req.Body) > 0 || methodSendsBody(req.Method) {
		dst = appendHeader(dst, "Content-Length", strconv.Itoa(len(req.Body)))
	}
	dst = append(dst, crlf...)
	dst = append(dst, req.Body...)
	return dst, nil
}

// AppendResponse serializes resp onto dst. Connection is derived from
// resp.ShouldKeepAlive: "close" when the connection will not persist,
// "keep-alive" for a persistent HTTP/1.0 exchange. With omitBody, as in a
// reply to HEAD, Content-Length describes Body but Body is not written.
func AppendResponse(dst []byte, resp *Response, omitBody bool) ([]byte, error) {
	if resp == nil {
		return dst, httperrors.NewInvalidArgumentError("nil response")
	}
	if resp.StatusCode < 100 || resp.StatusCode > 999 {
		return dst, httperrors.NewInvalidArgumentError("invalid status code " + strconv.Itoa(resp.StatusCode))
	}
	if err := validHeaders(resp.Headers); err != nil {
		return dst, err
	}
	reason := resp.Reason
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	if strings.ContainsAny(reason, "\r\n") {
		return dst, httperrors.NewInvalidArgumentError("invalid reason phrase")
	}

	dst = append(dst, resp.Proto()...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(resp.StatusCode), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, crlf...)

	dst = appendHeaders(dst, resp.Headers, true)
	switch {
	case !resp.ShouldKeepAlive:
		dst = appendHeader(dst, "Connection", "close")
	case resp.ProtoMinor == 0:
		dst = appendHeader(dst, "Connection", "keep-alive")
	}
	if !bodyless(resp.StatusCode) {
		dst = appendHeader(dst, "Content-Length", strconv.Itoa(len(resp.Body)))
	}
	dst = append(dst, crlf...)
	if !omitBody && !bodyless(resp.StatusCode) {
		dst = append(dst, resp.Body...)
	}
	return dst, nil
}

// appendHeaders writes h, leaving out the framing headers the serializer owns.
func appendHeaders(dst []byte, h Headers, ownConnection bool) []byte {
	for _, kv := range h {
		switch strings.ToLower(kv.Key) {
		case "content-length", "transfer-encoding":
			continue
		case "connection":
			if ownConnection {
				continue
			}
		}
		dst = appendHeader(dst, kv.Key, kv.Value)
	}
	return dst
}

func appendHeader(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, crlf...)
}

func validHeaders(h Headers) error {
	for _, kv := range h {
		if !httpguts.ValidHeaderFieldName(kv.Key) {
			return httperrors.NewInvalidArgumentError("invalid header name " + strconv.Quote(kv.Key))
		}
		if !httpguts.ValidHeaderFieldValue(kv.Value) {
			return httperrors.NewInvalidArgumentError("invalid value for header " + kv.Key)
		}
	}
	return nil
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func methodSendsBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}
