package handler

import (
	stderrors "errors"
	"testing"

	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/protocol"
)

type captureUpstream struct {
	got  *protocol.Request
	resp *protocol.Response
	err  error
}

func (c *captureUpstream) AsyncHandle(req *protocol.Request, onResponse ResponseFunc) {
	c.got = req
	if c.err != nil {
		onResponse(nil, c.err)
		return
	}
	onResponse(c.resp, nil)
}

func TestForwardRewritesTarget(t *testing.T) {
	resp := protocol.NewResponse(200, []byte("upstream"))
	resp.Headers.Add("Connection", "close, X-Secret")
	resp.Headers.Add("X-Secret", "1")
	resp.Headers.Add("Keep-Alive", "timeout=5")
	resp.Headers.Add("Content-Type", "text/plain")
	up := &captureUpstream{resp: resp}

	h, err := Forward(up, "http://backend.internal:8080/api/")
	if err != nil {
		t.Fatal(err)
	}
	req := protocol.NewRequest("POST", "/users?limit=5")
	req.Body = []byte("payload")
	req.Headers.Add("Host", "front.example")
	req.Headers.Add("Connection", "keep-alive, X-Trace")
	req.Headers.Add("X-Trace", "abc")
	req.Headers.Add("Accept", "*/*")

	r := NewPathRouter()
	r.SetDefault(h)
	var rec recorder
	r.AsyncHandle(req, rec.fn)

	if up.got == nil {
		t.Fatal("upstream not called")
	}
	if up.got.URL != "http://backend.internal:8080/api/users?limit=5" {
		t.Errorf("upstream URL = %q", up.got.URL)
	}
	if up.got.Method != "POST" || string(up.got.Body) != "payload" {
		t.Errorf("method %s body %q", up.got.Method, up.got.Body)
	}
	for _, key := range []string{"Host", "Connection", "X-Trace"} {
		if up.got.Headers.Has(key) {
			t.Errorf("upstream request kept %s", key)
		}
	}
	if up.got.Headers.Get("Accept") != "*/*" {
		t.Errorf("end-to-end header dropped")
	}

	if rec.calls != 1 || rec.resp == nil {
		t.Fatalf("calls %d resp %v", rec.calls, rec.resp)
	}
	for _, key := range []string{"Connection", "X-Secret", "Keep-Alive"} {
		if rec.resp.Headers.Has(key) {
			t.Errorf("response kept %s", key)
		}
	}
	if rec.resp.Headers.Get("Content-Type") != "text/plain" {
		t.Errorf("content type dropped")
	}
}

func TestForwardWrapsUpstreamError(t *testing.T) {
	cause := httperrors.NewLoopError(httperrors.LoopErrorConnect, "refused", nil)
	h, err := Forward(&captureUpstream{err: cause}, "http://backend")
	if err != nil {
		t.Fatal(err)
	}
	var rec recorder
	h.AsyncHandle(protocol.NewRequest("GET", "/"), rec.fn)
	if httperrors.TypeOf(rec.err) != httperrors.ErrorHandler {
		t.Fatalf("err type = %v", httperrors.TypeOf(rec.err))
	}
	if !stderrors.Is(rec.err, cause) {
		t.Fatalf("cause lost: %v", rec.err)
	}
}

func TestForwardRejectsBadBase(t *testing.T) {
	for _, base := range []string{"", "/relative", "ftp://host/"} {
		if _, err := Forward(&captureUpstream{}, base); err == nil {
			t.Errorf("Forward(%q) accepted", base)
		}
	}
}

func TestForwardKeepsDoubleSlashPath(t *testing.T) {
	up := &captureUpstream{resp: protocol.NewResponse(200, nil)}
	h, err := Forward(up, "http://backend.internal:8080/api")
	if err != nil {
		t.Fatal(err)
	}
	r := NewPathRouter()
	r.SetDefault(h)
	var rec recorder
	r.AsyncHandle(protocol.NewRequest("GET", "//evil/alpha"), rec.fn)
	if up.got == nil {
		t.Fatal("upstream not called")
	}
	if up.got.URL != "http://backend.internal:8080/api//evil/alpha" {
		t.Errorf("upstream URL = %q", up.got.URL)
	}
}
