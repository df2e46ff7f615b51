// Package handler defines the capability through which the server dispatches
// requests and through which the client is itself invoked.
package handler

import (
	"time"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/protocol"
)

// ResponseFunc receives the outcome of one request: a response or an error,
// never both and never neither. It is called exactly once, on the loop
// goroutine, possibly long after AsyncHandle returned.
type ResponseFunc func(resp *protocol.Response, err error)

// Handler answers requests asynchronously.
type Handler interface {
	AsyncHandle(req *protocol.Request, onResponse ResponseFunc)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *protocol.Request, onResponse ResponseFunc)

func (f HandlerFunc) AsyncHandle(req *protocol.Request, onResponse ResponseFunc) {
	f(req, onResponse)
}

// Once guards fn: a second call, or a call carrying both or neither of
// response and error, is reported to sink as an invariant violation. When the
// fatal handler returns, a malformed first call still reaches fn with an
// error so the waiting side completes.
func Once(sink *diag.Sink, fn ResponseFunc) ResponseFunc {
	called := false
	return func(resp *protocol.Response, err error) {
		if called {
			sink.Fatalf("response callback invoked twice")
			return
		}
		called = true
		switch {
		case resp == nil && err == nil:
			sink.Fatalf("response callback invoked without response or error")
			fn(nil, httperrors.NewInternalError("handler completed without response or error"))
			return
		case resp != nil && err != nil:
			sink.Fatalf("response callback invoked with both response and error")
			fn(nil, err)
			return
		}
		fn(resp, err)
	}
}

// Static answers every request with a fresh copy of a fixed response.
func Static(status int, body []byte, headers ...protocol.Header) Handler {
	return HandlerFunc(func(req *protocol.Request, onResponse ResponseFunc) {
		resp := protocol.NewResponse(status, append([]byte(nil), body...))
		resp.Headers = append(resp.Headers, headers...)
		onResponse(resp, nil)
	})
}

// Delayed defers h by d using a loop timer, so the response is produced out
// of the call stack that delivered the request.
func Delayed(l loop.Loop, d time.Duration, h Handler) Handler {
	return HandlerFunc(func(req *protocol.Request, onResponse ResponseFunc) {
		l.StartTimer(d, func() { h.AsyncHandle(req, onResponse) })
	})
}
