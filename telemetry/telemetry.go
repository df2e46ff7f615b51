// Package telemetry wraps each server and client transaction in an
// OpenTelemetry span.
package telemetry

import (
	"context"
	"strconv"

	"github.com/nczempin/httploop/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for the engine.
const defaultTracerName = "github.com/nczempin/httploop"

// Tracer starts transaction spans. A nil *Tracer starts nothing.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer resolved from the global provider. An empty name uses
// the package default.
func New(name string) *Tracer {
	if name == "" {
		name = defaultTracerName
	}
	return &Tracer{tracer: otel.Tracer(name)}
}

// NewWithProvider returns a Tracer from tp.
func NewWithProvider(tp trace.TracerProvider, name string) *Tracer {
	if name == "" {
		name = defaultTracerName
	}
	return &Tracer{tracer: tp.Tracer(name)}
}

// Span is one transaction's span. A nil *Span ignores End.
type Span struct {
	span trace.Span
	kind trace.SpanKind
}

// StartServer opens a server-kind span for req.
func (t *Tracer) StartServer(req *protocol.Request) *Span {
	return t.start(req, trace.SpanKindServer)
}

// StartClient opens a client-kind span for req.
func (t *Tracer) StartClient(req *protocol.Request) *Span {
	return t.start(req, trace.SpanKindClient)
}

func (t *Tracer) start(req *protocol.Request, kind trace.SpanKind) *Span {
	if t == nil || req == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", req.Method),
		attribute.String("network.protocol.version", strconv.Itoa(req.ProtoMajor)+"."+strconv.Itoa(req.ProtoMinor)),
	}
	if req.ParsedURL != nil {
		attrs = append(attrs, attribute.String("url.path", req.ParsedURL.Path))
		if req.ParsedURL.Host != "" {
			attrs = append(attrs, attribute.String("server.address", req.ParsedURL.Host))
		}
	} else {
		attrs = append(attrs, attribute.String("url.full", req.URL))
	}

	_, span := t.tracer.Start(context.Background(), "HTTP "+req.Method,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	return &Span{span: span, kind: kind}
}

// End records the outcome and ends the span. Server spans mark 5xx as
// errors; client spans only mark transport failures.
func (s *Span) End(resp *protocol.Response, err error) {
	if s == nil {
		return
	}
	if resp != nil {
		s.span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	switch {
	case err != nil:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	case s.kind == trace.SpanKindServer && resp != nil && resp.StatusCode >= 500:
		s.span.SetStatus(codes.Error, strconv.Itoa(resp.StatusCode))
	default:
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
