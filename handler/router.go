package handler

import (
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/urlutil"
)

type route struct {
	path    string
	handler Handler
}

// PathRouter dispatches on the exact request path. A path mapped to a nil
// Handler is a no-op route: the request is accepted and never answered by
// the router. Unmapped paths go to the default handler, if any.
type PathRouter struct {
	routes []route
	index  map[string]int
	def    Handler
}

// NewPathRouter returns a router without routes or default.
func NewPathRouter() *PathRouter {
	return &PathRouter{index: make(map[string]int)}
}

// Handle maps path to h, replacing an earlier mapping in place.
func (r *PathRouter) Handle(path string, h Handler) *PathRouter {
	if i, ok := r.index[path]; ok {
		r.routes[i].handler = h
		return r
	}
	r.index[path] = len(r.routes)
	r.routes = append(r.routes, route{path: path, handler: h})
	return r
}

// HandleFunc maps path to fn.
func (r *PathRouter) HandleFunc(path string, fn func(*protocol.Request, ResponseFunc)) *PathRouter {
	return r.Handle(path, HandlerFunc(fn))
}

// SetDefault sets the handler for unmapped paths. nil removes it.
func (r *PathRouter) SetDefault(h Handler) {
	r.def = h
}

// Paths returns the mapped paths in registration order.
func (r *PathRouter) Paths() []string {
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.path
	}
	return out
}

func (r *PathRouter) AsyncHandle(req *protocol.Request, onResponse ResponseFunc) {
	if req.ParsedURL == nil {
		if u, err := urlutil.Parse(req.URL, req.Method == "CONNECT"); err == nil {
			req.ParsedURL = u
		}
	}
	path := req.Path()
	if i, ok := r.index[path]; ok {
		if h := r.routes[i].handler; h != nil {
			h.AsyncHandle(req, onResponse)
		}
		return
	}
	if r.def != nil {
		r.def.AsyncHandle(req, onResponse)
		return
	}
	onResponse(nil, httperrors.NewHandlerError("no handler for path "+path, httperrors.ErrNoHandler))
}
