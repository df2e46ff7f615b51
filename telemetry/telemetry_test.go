package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/urlutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type recordingProvider struct {
	noop.TracerProvider
	spans *[]*recordingSpan
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return recordingTracer{spans: p.spans}
}

type recordingTracer struct {
	noop.Tracer
	spans *[]*recordingSpan
}

func (t recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordingSpan{name: name, kind: cfg.SpanKind(), attrs: cfg.Attributes()}
	*t.spans = append(*t.spans, s)
	return ctx, s
}

type recordingSpan struct {
	noop.Span
	name  string
	kind  trace.SpanKind
	attrs []attribute.KeyValue
	code  codes.Code
	errs  []error
	ended bool
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) { s.code = code }

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) { s.attrs = append(s.attrs, kv...) }

func (s *recordingSpan) End(...trace.SpanEndOption) { s.ended = true }

func (s *recordingSpan) attr(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func newRecording() (*Tracer, *[]*recordingSpan) {
	spans := &[]*recordingSpan{}
	return NewWithProvider(recordingProvider{spans: spans}, ""), spans
}

func request(t *testing.T, method, raw string) *protocol.Request {
	t.Helper()
	req := protocol.NewRequest(method, raw)
	u, err := urlutil.Parse(raw, false)
	if err != nil {
		t.Fatal(err)
	}
	req.ParsedURL = u
	return req
}

func TestServerSpan(t *testing.T) {
	tr, spans := newRecording()
	span := tr.StartServer(request(t, "GET", "/json"))
	span.End(protocol.NewResponse(200, nil), nil)

	if len(*spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(*spans))
	}
	s := (*spans)[0]
	if s.name != "HTTP GET" || s.kind != trace.SpanKindServer {
		t.Errorf("span %q kind %v", s.name, s.kind)
	}
	if v, ok := s.attr("url.path"); !ok || v.AsString() != "/json" {
		t.Errorf("url.path = %v", v)
	}
	if v, ok := s.attr("http.response.status_code"); !ok || v.AsInt64() != 200 {
		t.Errorf("status attribute = %v", v)
	}
	if s.code != codes.Ok || !s.ended {
		t.Errorf("code %v ended %v", s.code, s.ended)
	}
}

func TestServerSpanMarks5xx(t *testing.T) {
	tr, spans := newRecording()
	tr.StartServer(request(t, "GET", "/")).End(protocol.NewResponse(503, nil), nil)
	if (*spans)[0].code != codes.Error {
		t.Fatalf("503 not marked as error")
	}
}

func TestClientSpanError(t *testing.T) {
	tr, spans := newRecording()
	span := tr.StartClient(request(t, "POST", "http://example.com/upload"))
	span.End(protocol.NewResponse(502, nil), nil)
	span2 := tr.StartClient(request(t, "GET", "http://example.com/"))
	span2.End(nil, errors.New("connection refused"))

	first, second := (*spans)[0], (*spans)[1]
	if first.kind != trace.SpanKindClient {
		t.Errorf("kind = %v", first.kind)
	}
	if v, ok := first.attr("server.address"); !ok || v.AsString() != "example.com" {
		t.Errorf("server.address = %v", v)
	}
	if first.code != codes.Ok {
		t.Errorf("client 502 marked %v", first.code)
	}
	if second.code != codes.Error || len(second.errs) != 1 {
		t.Errorf("failed transaction code %v errs %v", second.code, second.errs)
	}
}

func TestNilTracer(t *testing.T) {
	var tr *Tracer
	span := tr.StartServer(protocol.NewRequest("GET", "/"))
	if span != nil {
		t.Fatal("nil tracer started a span")
	}
	span.End(nil, errors.New("ignored"))
}
