package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nczempin/httploop/client"
	"github.com/nczempin/httploop/diag"
	"github.com/nczempin/httploop/handler"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/loop/looptest"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/server"
	"github.com/prometheus/client_golang/prometheus"
)

func TestSplitAssignment(t *testing.T) {
	path, value, err := splitAssignment("route", "/json={\"a\":\"b=c\"}")
	if err != nil || path != "/json" || value != `{"a":"b=c"}` {
		t.Fatalf("got %q %q %v", path, value, err)
	}
	for _, bad := range []string{"json=x", "/json", ""} {
		if _, _, err := splitAssignment("route", bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

type recordingUpstream struct {
	urls []string
}

func (u *recordingUpstream) AsyncHandle(req *protocol.Request, onResponse handler.ResponseFunc) {
	u.urls = append(u.urls, req.URL)
	onResponse(protocol.NewResponse(200, []byte("upstream")), nil)
}

// handle routes a GET for url and returns what arrived synchronously.
func handle(h handler.Handler, url string) (resp *protocol.Response, calls int, err error) {
	h.AsyncHandle(protocol.NewRequest("GET", url), func(r *protocol.Response, e error) {
		resp, err = r, e
		calls++
	})
	return resp, calls, err
}

func TestBuildRouter(t *testing.T) {
	up := &recordingUpstream{}
	o := &serveOptions{
		routes:  []string{`/json={"hello":"world"}`, "/text=hi"},
		proxies: []string{"/api=http://10.0.0.2:9000/base/"},
	}
	r, err := buildRouter(looptest.New(), o, up)
	if err != nil {
		t.Fatal(err)
	}

	resp, calls, err := handle(r, "/json")
	if calls != 1 || err != nil || string(resp.Body) != `{"hello":"world"}` || resp.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("/json: %+v %v %d", resp, err, calls)
	}
	resp, _, _ = handle(r, "/text")
	if resp.Headers.Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Fatalf("/text headers %v", resp.Headers)
	}
	resp, _, err = handle(r, "/api?x=1")
	if err != nil || string(resp.Body) != "upstream" {
		t.Fatalf("/api: %+v %v", resp, err)
	}
	if len(up.urls) != 1 || up.urls[0] != "http://10.0.0.2:9000/base/api?x=1" {
		t.Fatalf("forwarded %v", up.urls)
	}
	if _, calls, err := handle(r, "/missing"); calls != 1 || err == nil {
		t.Fatalf("/missing: %v %d", err, calls)
	}

	o.notFound = "nope"
	r, err = buildRouter(looptest.New(), o, up)
	if err != nil {
		t.Fatal(err)
	}
	if resp, _, err := handle(r, "/missing"); err != nil || resp.StatusCode != 404 {
		t.Fatalf("/missing with default: %+v %v", resp, err)
	}
}

func TestBuildRouterRejectsBadFlags(t *testing.T) {
	for _, o := range []*serveOptions{
		{routes: []string{"nopath"}},
		{proxies: []string{"/api"}},
		{proxies: []string{"/api=://bad"}},
	} {
		if _, err := buildRouter(looptest.New(), o, &recordingUpstream{}); err == nil {
			t.Errorf("%+v accepted", o)
		}
	}
}

func TestDelayedRoute(t *testing.T) {
	l := looptest.New()
	r, err := buildRouter(l, &serveOptions{routes: []string{"/slow=done"}, delay: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, calls, _ := handle(r, "/slow")
	if calls != 0 {
		t.Fatal("delayed route answered immediately")
	}
	var body string
	r.AsyncHandle(protocol.NewRequest("GET", "/slow"), func(resp *protocol.Response, err error) {
		body = string(resp.Body)
	})
	l.Advance(time.Second)
	l.RunPending()
	if body != "done" {
		t.Fatalf("body = %q", body)
	}
}

type inlinePoster struct{}

func (inlinePoster) Post(fn func()) { fn() }

type stalledPoster struct{}

func (stalledPoster) Post(func()) {}

type liveObject struct{ name string }

func (o *liveObject) Describe() map[string]any { return map[string]any{"name": o.name} }

func TestAdminLive(t *testing.T) {
	live := registry.New()
	obj := &liveObject{name: "conn-1"}
	registry.Register(live, "server-connection", obj)

	rec := httptest.NewRecorder()
	adminRouter(prometheus.NewRegistry(), live, inlinePoster{}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/live", nil))
	runtime.KeepAlive(obj)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var got liveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 1 || got.Objects[0].Kind != "server-connection" || got.Objects[0].State["name"] != "conn-1" {
		t.Fatalf("got %+v", got)
	}
}

func TestAdminLiveLoopStalled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/debug/live", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	liveHandler(registry.New(), stalledPoster{}).ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestAdminMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "httploop_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := httptest.NewRecorder()
	adminRouter(reg, registry.New(), inlinePoster{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "httploop_test_total 1") {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	adminRouter(reg, registry.New(), inlinePoster{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestRequestsFromFlags(t *testing.T) {
	o := &getOptions{method: "post", headers: []string{"Content-Type: application/json", "X-A:b"}, data: "{}"}
	reqs, err := o.requests([]string{"http://a/", "http://b/"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 2 || reqs[0].Method != "POST" || string(reqs[1].Body) != "{}" {
		t.Fatalf("reqs = %+v", reqs)
	}
	if reqs[0].Headers.Get("X-A") != "b" || reqs[0].Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("headers = %v", reqs[0].Headers)
	}
	o.headers = []string{"no-colon"}
	if _, err := o.requests([]string{"http://a/"}); err == nil {
		t.Fatal("bad header accepted")
	}
}

func TestFetch(t *testing.T) {
	l := looptest.New()
	router, err := buildRouter(l, &serveOptions{routes: []string{`/json={"hello":"world"}`}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := server.Create(l, router, server.WithHost("127.0.0.1"), server.WithPort(8080), server.WithSink(diag.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.InitAsync(nil); err != nil {
		t.Fatal(err)
	}
	cli, err := client.Create(l, client.WithSink(diag.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	destroyed := false
	if err := cli.InitAsync(func() { destroyed = true }); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	failures := -1
	fetch(cli, []*protocol.Request{
		protocol.NewRequest("GET", "http://127.0.0.1:8080/json"),
		protocol.NewRequest("GET", "http://127.0.0.1:8080/missing"),
	}, true, &out, func(n int) { failures = n })
	l.RunPending()

	if failures != 1 {
		t.Fatalf("failures = %d", failures)
	}
	if !destroyed {
		t.Fatal("client not released after the last response")
	}
	want := "HTTP/1.1 200 OK\nContent-Type: application/json\nContent-Length: 17\n\n{\"hello\":\"world\"}\n"
	if out.String() != want {
		t.Fatalf("output %q\nwant   %q", out.String(), want)
	}
}
