package handler

import (
	"strings"

	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/urlutil"
)

// hopHeaders are meaningful for a single connection only.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward returns a Handler relaying each request to the origin in base
// through upstream, typically a client. The request path is appended to
// base's path.
func Forward(upstream Handler, base string) (Handler, error) {
	u, err := urlutil.Parse(base, false)
	if err != nil {
		return nil, err
	}
	if _, _, err := u.HostService(); err != nil {
		return nil, err
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	prefix := scheme + "://" + u.Authority() + strings.TrimSuffix(u.Path, "/")

	return HandlerFunc(func(req *protocol.Request, onResponse ResponseFunc) {
		target := req.URL
		if req.ParsedURL != nil {
			target = req.ParsedURL.RequestURI()
		}
		out := protocol.NewRequest(req.Method, prefix+target)
		out.Body = req.Body
		for _, h := range req.Headers {
			if strings.EqualFold(h.Key, "Host") || isHop(h.Key) {
				continue
			}
			out.Headers = append(out.Headers, h)
		}
		stripConnectionTokens(&out.Headers, req.Headers)

		upstream.AsyncHandle(out, func(resp *protocol.Response, err error) {
			if err != nil {
				onResponse(nil, httperrors.NewHandlerError("upstream "+prefix+" failed", err))
				return
			}
			connection := resp.Headers.Values("Connection")
			for _, key := range hopHeaders {
				resp.Headers.Del(key)
			}
			stripConnectionTokens(&resp.Headers, protocol.Headers{{Key: "Connection", Value: strings.Join(connection, ",")}})
			onResponse(resp, nil)
		})
	}), nil
}

func isHop(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// stripConnectionTokens removes headers named by from's Connection header.
func stripConnectionTokens(h *protocol.Headers, from protocol.Headers) {
	for _, v := range from.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				h.Del(token)
			}
		}
	}
}
