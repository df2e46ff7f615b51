package handler

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/loop/looptest"
	"github.com/nczempin/httploop/protocol"
)

type recorder struct {
	calls int
	resp  *protocol.Response
	err   error
}

func (r *recorder) fn(resp *protocol.Response, err error) {
	r.calls++
	r.resp, r.err = resp, err
}

func named(body string) (Handler, *int) {
	hits := new(int)
	return HandlerFunc(func(req *protocol.Request, onResponse ResponseFunc) {
		*hits++
		onResponse(protocol.NewResponse(200, []byte(body)), nil)
	}), hits
}

func TestPathRouter(t *testing.T) {
	alpha, alphaHits := named("alpha")

	t.Run("hit delegates", func(t *testing.T) {
		r := NewPathRouter().Handle("/alpha", alpha)
		var rec recorder
		r.AsyncHandle(protocol.NewRequest("GET", "/alpha"), rec.fn)
		if *alphaHits != 1 || rec.calls != 1 || string(rec.resp.Body) != "alpha" {
			t.Fatalf("hits %d calls %d resp %v", *alphaHits, rec.calls, rec.resp)
		}
	})

	t.Run("miss without default fails synchronously", func(t *testing.T) {
		r := NewPathRouter().Handle("/alpha", alpha)
		var rec recorder
		r.AsyncHandle(protocol.NewRequest("GET", "/beta"), rec.fn)
		if rec.calls != 1 {
			t.Fatalf("callback ran %d times before AsyncHandle returned", rec.calls)
		}
		if rec.resp != nil || rec.err == nil {
			t.Fatalf("resp %v err %v", rec.resp, rec.err)
		}
		if !stderrors.Is(rec.err, httperrors.ErrNoHandler) {
			t.Errorf("err %v does not wrap ErrNoHandler", rec.err)
		}
		if httperrors.TypeOf(rec.err) != httperrors.ErrorHandler {
			t.Errorf("type = %v", httperrors.TypeOf(rec.err))
		}
	})

	t.Run("miss with default delegates", func(t *testing.T) {
		def, defHits := named("default")
		r := NewPathRouter().Handle("/alpha", alpha)
		r.SetDefault(def)
		var rec recorder
		r.AsyncHandle(protocol.NewRequest("GET", "/beta"), rec.fn)
		if *defHits != 1 || string(rec.resp.Body) != "default" {
			t.Fatalf("default hits %d resp %v", *defHits, rec.resp)
		}
	})

	t.Run("nil handler is a no-op route", func(t *testing.T) {
		def, defHits := named("default")
		r := NewPathRouter().Handle("/quiet", nil)
		r.SetDefault(def)
		var rec recorder
		r.AsyncHandle(protocol.NewRequest("GET", "/quiet"), rec.fn)
		if rec.calls != 0 || *defHits != 0 {
			t.Fatalf("no-op route answered: calls %d default %d", rec.calls, *defHits)
		}
	})

	t.Run("exact match only", func(t *testing.T) {
		r := NewPathRouter().Handle("/alpha", alpha)
		var rec recorder
		r.AsyncHandle(protocol.NewRequest("GET", "/alpha/more"), rec.fn)
		if rec.err == nil {
			t.Fatal("prefix matched")
		}
		rec = recorder{}
		before := *alphaHits
		r.AsyncHandle(protocol.NewRequest("GET", "/alpha?x=1"), rec.fn)
		if *alphaHits != before+1 {
			t.Fatal("query string defeated the match")
		}
		rec = recorder{}
		r.AsyncHandle(protocol.NewRequest("GET", "//evil/alpha"), rec.fn)
		if *alphaHits != before+1 || !stderrors.Is(rec.err, httperrors.ErrNoHandler) {
			t.Fatalf("double-slash target routed to /alpha: err %v", rec.err)
		}
	})
}

func TestPathRouterReplaceKeepsOrder(t *testing.T) {
	a, _ := named("a")
	b, _ := named("b")
	r := NewPathRouter().Handle("/one", a).Handle("/two", a).Handle("/one", b)
	paths := r.Paths()
	if len(paths) != 2 || paths[0] != "/one" || paths[1] != "/two" {
		t.Fatalf("paths = %v", paths)
	}
	var rec recorder
	r.AsyncHandle(protocol.NewRequest("GET", "/one"), rec.fn)
	if string(rec.resp.Body) != "b" {
		t.Fatalf("replacement not used: %q", rec.resp.Body)
	}
}

func TestOnce(t *testing.T) {
	sink := diag.Discard()
	var fatals []string
	restore := sink.SetFatalHandler(func(err *httperrors.HttpError) { fatals = append(fatals, err.Message) })
	defer restore()

	var rec recorder
	cb := Once(sink, rec.fn)
	cb(protocol.NewResponse(200, nil), nil)
	cb(protocol.NewResponse(200, nil), nil)
	if rec.calls != 1 || len(fatals) != 1 {
		t.Fatalf("calls %d fatals %v", rec.calls, fatals)
	}

	rec = recorder{}
	fatals = nil
	Once(sink, rec.fn)(nil, nil)
	if len(fatals) != 1 || rec.calls != 1 || rec.err == nil {
		t.Fatalf("empty completion: fatals %v calls %d err %v", fatals, rec.calls, rec.err)
	}

	rec = recorder{}
	fatals = nil
	Once(sink, rec.fn)(protocol.NewResponse(200, nil), stderrors.New("boom"))
	if len(fatals) != 1 || rec.resp != nil || rec.err == nil {
		t.Fatalf("double completion: fatals %v resp %v err %v", fatals, rec.resp, rec.err)
	}
}

func TestOncePanicsByDefault(t *testing.T) {
	cb := Once(diag.Discard(), func(*protocol.Response, error) {})
	cb(nil, stderrors.New("first"))
	defer func() {
		if recover() == nil {
			t.Fatal("second call did not panic")
		}
	}()
	cb(nil, stderrors.New("second"))
}

func TestStaticCopiesBody(t *testing.T) {
	h := Static(201, []byte("made"), protocol.Header{Key: "X-Kind", Value: "static"})
	var first, second recorder
	h.AsyncHandle(protocol.NewRequest("GET", "/"), first.fn)
	first.resp.Body[0] = 'M'
	h.AsyncHandle(protocol.NewRequest("GET", "/"), second.fn)
	if string(second.resp.Body) != "made" || second.resp.StatusCode != 201 {
		t.Fatalf("second response %d %q", second.resp.StatusCode, second.resp.Body)
	}
	if second.resp.Headers.Get("x-kind") != "static" {
		t.Fatalf("headers = %v", second.resp.Headers)
	}
}

func TestDelayed(t *testing.T) {
	l := looptest.New()
	h := Delayed(l, 50*time.Millisecond, Static(200, []byte("late")))
	var rec recorder
	h.AsyncHandle(protocol.NewRequest("GET", "/"), rec.fn)
	l.RunPending()
	if rec.calls != 0 {
		t.Fatal("answered before the timer fired")
	}
	l.Advance(49 * time.Millisecond)
	l.RunPending()
	if rec.calls != 0 {
		t.Fatal("answered early")
	}
	l.Advance(time.Millisecond)
	l.RunPending()
	if rec.calls != 1 || string(rec.resp.Body) != "late" {
		t.Fatalf("calls %d resp %v", rec.calls, rec.resp)
	}
}
