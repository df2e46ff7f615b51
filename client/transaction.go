package client

import (
	"strconv"
	"time"

	"github.com/nczempin/httploop/counter"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/handler"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/telemetry"
	"github.com/nczempin/httploop/urlutil"
)

type txnState int8

const (
	txnNew txnState = iota
	txnWriting
	txnWritten
	txnDone
)

func (s txnState) String() string {
	switch s {
	case txnNew:
		return "new"
	case txnWriting:
		return "writing"
	case txnWritten:
		return "awaiting-response"
	default:
		return "done"
	}
}

// transaction is one outbound request and the callback waiting for its
// response.
type transaction struct {
	index int
	req   *protocol.Request
	state txnState

	host    string
	service string
	wire    []byte

	onResponse handler.ResponseFunc

	pending  counter.Counter
	metrics  *metrics.Metrics
	span     *telemetry.Span
	registry *registry.Registry
	regID    uint64
	started  time.Time
}

// newTransaction counts itself in pending until complete or discard.
func newTransaction(index int, req *protocol.Request, onResponse handler.ResponseFunc, pending counter.Counter, cfg *Config) *transaction {
	pending.Increment()
	return &transaction{
		index:      index,
		req:        req,
		onResponse: onResponse,
		pending:    pending,
		metrics:    cfg.Metrics,
		span:       cfg.Tracer.StartClient(req),
		registry:   cfg.Registry,
		started:    time.Now(),
	}
}

// Init resolves the request URL to the host and service to connect to. It
// does no I/O.
func (t *transaction) Init() error {
	if t.req.URL == "" {
		return httperrors.NewInvalidArgumentError("request URL is required")
	}
	u := t.req.ParsedURL
	if u == nil {
		parsed, err := urlutil.Parse(t.req.URL, t.req.Method == "CONNECT")
		if err != nil {
			return err
		}
		u = parsed
		t.req.ParsedURL = parsed
	}
	switch u.Scheme {
	case "", "http":
	default:
		return httperrors.NewInvalidArgumentError("unsupported scheme " + strconv.Quote(u.Scheme))
	}
	host, service, err := u.HostService()
	if err != nil {
		return err
	}
	t.host, t.service = host, service
	return nil
}

func (t *transaction) origin() string {
	return t.host + ":" + t.service
}

// PrepareWrite serializes the request.
func (t *transaction) PrepareWrite() error {
	wire, err := protocol.AppendRequest(nil, t.req)
	if err != nil {
		return err
	}
	t.wire = wire
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

// complete delivers the outcome and releases the pending count. Later calls
// are ignored.
func (t *transaction) complete(resp *protocol.Response, err error) {
	if t.state == txnDone {
		return
	}
	t.state = txnDone
	t.wire = nil
	t.registry.Deregister(t.regID)
	t.metrics.Transaction(metrics.SideClient, err, time.Since(t.started))
	t.span.End(resp, err)
	t.pending.Decrement()
	t.onResponse(resp, err)
}

// discard releases the pending count without calling back.
func (t *transaction) discard() {
	if t.state == txnDone {
		return
	}
	t.state = txnDone
	t.registry.Deregister(t.regID)
	t.span.End(nil, nil)
	t.pending.Decrement()
}

func (t *transaction) Describe() map[string]any {
	return map[string]any{
		"index":  t.index,
		"state":  t.state.String(),
		"method": t.req.Method,
		"url":    t.req.URL,
		"origin": t.origin(),
	}
}
