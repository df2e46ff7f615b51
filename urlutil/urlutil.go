// Package urlutil splits request targets into their components.
package urlutil

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	httperrors "github.com/nczempin/httploop/errors"
)

// URL is a parsed request target.
type URL struct {
	Scheme     string
	UserInfo   string
	Host       string
	Port       string
	Path       string
	Parameters string
	Query      string
	Fragment   string
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// Parse parses raw. In connect mode raw must be an authority (host:port), as
// in a CONNECT request line; otherwise it may be an absolute URL or an
// origin-form path. A target starting with "/" is always origin form.
func Parse(raw string, connectMode bool) (*URL, error) {
	if raw == "" {
		return nil, httperrors.NewInvalidArgumentError("empty URL")
	}
	if connectMode {
		host, port, err := net.SplitHostPort(raw)
		if err != nil || host == "" || !validPort(port) {
			return nil, httperrors.NewInvalidArgumentError("invalid CONNECT target " + strconv.Quote(raw))
		}
		return &URL{Host: host, Port: port}, nil
	}

	var u *url.URL
	var err error
	if strings.HasPrefix(raw, "/") {
		// Origin form: a leading "//" is part of the path, never an authority.
		target, fragment, _ := strings.Cut(raw, "#")
		if u, err = url.ParseRequestURI(target); err == nil {
			u.Fragment = fragment
		}
	} else {
		u, err = url.Parse(raw)
	}
	if err != nil {
		return nil, &httperrors.HttpError{
			Type:          httperrors.ErrorInvalidArgument,
			Message:       "invalid URL " + strconv.Quote(raw),
			UnderlyingErr: err,
		}
	}
	if u.Opaque != "" {
		return nil, httperrors.NewInvalidArgumentError("opaque URL not supported: " + strconv.Quote(raw))
	}

	out := &URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     u.Hostname(),
		Port:     u.Port(),
		Query:    u.RawQuery,
		Fragment: u.Fragment,
	}
	if u.User != nil {
		out.UserInfo = u.User.String()
	}
	if out.Port != "" && !validPort(out.Port) {
		return nil, httperrors.NewInvalidArgumentError("invalid port in " + strconv.Quote(raw))
	}

	path := u.EscapedPath()
	// ;params belong to the last segment only.
	last := strings.LastIndexByte(path, '/')
	if i := strings.IndexByte(path[last+1:], ';'); i >= 0 {
		out.Parameters = path[last+1+i+1:]
		path = path[:last+1+i]
	}
	out.Path = path
	return out, nil
}

func validPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n <= 65535
}

// HostService returns the host and service to resolve. The service defaults
// from the scheme when the URL carries no port.
func (u *URL) HostService() (host, service string, err error) {
	if u.Host == "" {
		return "", "", httperrors.NewInvalidArgumentError("URL has no host")
	}
	if u.Port != "" {
		return u.Host, u.Port, nil
	}
	if p, ok := defaultPorts[u.Scheme]; ok {
		return u.Host, p, nil
	}
	if u.Scheme == "" {
		return u.Host, "80", nil
	}
	return "", "", httperrors.NewInvalidArgumentError("unsupported scheme " + strconv.Quote(u.Scheme))
}

// RequestURI returns the origin-form target: path, parameters and query.
func (u *URL) RequestURI() string {
	var b strings.Builder
	if u.Path == "" {
		b.WriteByte('/')
	} else {
		b.WriteString(u.Path)
	}
	if u.Parameters != "" {
		b.WriteByte(';')
		b.WriteString(u.Parameters)
	}
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	return b.String()
}

// Authority returns host[:port] suitable for a Host header. The port is
// omitted when it is the scheme default.
func (u *URL) Authority() string {
	host := u.Host
	if strings.IndexByte(host, ':') >= 0 {
		host = "[" + host + "]"
	}
	if u.Port == "" || defaultPorts[u.Scheme] == u.Port {
		return host
	}
	return host + ":" + u.Port
}
