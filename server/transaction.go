package server

import (
	"time"

	"github.com/nczempin/httploop/counter"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/telemetry"
	"golang.org/x/net/http/httpguts"
)

type txnState int8

const (
	txnHandling txnState = iota
	txnReady
	txnWriting
	txnDone
)

func (s txnState) String() string {
	switch s {
	case txnHandling:
		return "handling"
	case txnReady:
		return "ready"
	case txnWriting:
		return "writing"
	default:
		return "done"
	}
}

// transaction is one request and, once the handler answers, its response.
type transaction struct {
	seq   uint64
	req   *protocol.Request
	resp  *protocol.Response
	state txnState

	wire      []byte
	keepAlive bool

	pending counter.Counter
	metrics *metrics.Metrics
	span    *telemetry.Span
	started time.Time
	regID   uint64
}

// newTransaction counts itself in pending until finish.
func newTransaction(seq uint64, req *protocol.Request, pending counter.Counter, m *metrics.Metrics, tr *telemetry.Tracer) *transaction {
	pending.Increment()
	return &transaction{
		seq:     seq,
		req:     req,
		pending: pending,
		metrics: m,
		span:    tr.StartServer(req),
		started: time.Now(),
	}
}

// PrepareWrite serializes resp. The connection stays open after it only if
// the request asked for that and the response does not refuse it.
func (t *transaction) PrepareWrite(resp *protocol.Response) error {
	t.resp = resp
	t.keepAlive = t.req.ShouldKeepAlive &&
		!httpguts.HeaderValuesContainsToken(resp.Headers.Values("Connection"), "close")
	resp.ShouldKeepAlive = t.keepAlive
	if t.req.ProtoMajor == 1 && t.req.ProtoMinor == 0 {
		resp.ProtoMajor, resp.ProtoMinor = 1, 0
	}
	wire, err := protocol.AppendResponse(nil, resp, t.req.Method == "HEAD")
	if err != nil {
		return err
	}
	t.wire = wire
	t.state = txnReady
	return nil
}

// AsyncWrite issues the single write for this transaction. onComplete runs
// exactly once; a synchronous failure calls it before AsyncWrite returns.
func (t *transaction) AsyncWrite(l loop.Loop, h loop.TCP, onComplete func(err error)) {
	t.state = txnWriting
	if err := l.Write(h, t.wire, onComplete); err != nil {
		onComplete(err)
	}
}

// finish releases the transaction's pending count. Later calls are ignored.
func (t *transaction) finish(err error) {
	if t.state == txnDone {
		return
	}
	t.state = txnDone
	t.pending.Decrement()
	if err == nil {
		t.metrics.BytesWritten(metrics.SideServer, len(t.wire))
	}
	t.metrics.Transaction(metrics.SideServer, err, time.Since(t.started))
	t.span.End(t.resp, err)
	t.wire = nil
}

func (t *transaction) Describe() map[string]any {
	d := map[string]any{
		"seq":    t.seq,
		"state":  t.state.String(),
		"method": t.req.Method,
		"url":    t.req.URL,
	}
	if t.resp != nil {
		d["status"] = t.resp.StatusCode
	}
	return d
}
