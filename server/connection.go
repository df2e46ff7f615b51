package server

import (
	"io"
	"log/slog"

	"github.com/nczempin/httploop/counter"
	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/handler"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/telemetry"
)

type connState int8

const (
	connAccepting connState = iota
	connConnected
	connClosing
	connClosed
)

func (s connState) String() string {
	switch s {
	case connAccepting:
		return "accepting"
	case connConnected:
		return "connected"
	case connClosing:
		return "closing"
	default:
		return "closed"
	}
}

// connection serves one accepted socket. Responses leave in request order:
// the head of queue is the only transaction that may be written, and at most
// one write is in flight.
type connection struct {
	id    uint64
	l     loop.Loop
	h     loop.TCP
	state connState

	handler  handler.Handler
	sink     *diag.Sink
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer
	registry *registry.Registry
	regID    uint64

	framer *protocol.Framer

	// txns counts this connection's transactions; pending also feeds the
	// server-wide count.
	txns    *counter.PendingOps
	pending counter.Counter

	queue   []*transaction
	writing bool
	nextSeq uint64

	// peerDone is set on EOF or after a request that ends the connection;
	// no further requests are dispatched.
	peerDone bool

	onClosing func(graceful bool, err error)
	onClose   func()
}

func newConnection(id uint64, l loop.Loop, h handler.Handler, serverTxns counter.Counter, cfg *Config, sink *diag.Sink) *connection {
	c := &connection{
		id:       id,
		l:        l,
		handler:  h,
		sink:     sink,
		log:      sink.Logger().With("conn", id),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		registry: cfg.Registry,
	}
	c.txns = counter.New("server-conn-txns", sink)
	c.pending = counter.Split(c.txns, serverTxns)
	c.framer = protocol.NewRequestFramer(sink, protocol.WithParseErrorHook(func(err *httperrors.HttpError) {
		c.metrics.ParseError(metrics.SideServer, err)
	}))
	return c
}

// InitSync accepts one pending connection from listener. On failure nothing
// is pending and the connection is discarded.
func (c *connection) InitSync(listener loop.TCP) error {
	h, err := c.l.TCPInit()
	if err != nil {
		return err
	}
	if err := c.l.Accept(listener, h); err != nil {
		return err
	}
	c.h = h
	c.regID = registry.Register(c.registry, "server-connection", c)
	c.metrics.ConnectionOpened(metrics.SideServer)
	return nil
}

// InitAsync starts reading. onClosing runs when the connection starts to
// close, onClose once its handle is released.
func (c *connection) InitAsync(onClosing func(graceful bool, err error), onClose func()) {
	c.onClosing = onClosing
	c.onClose = onClose
	c.state = connConnected
	if err := c.l.ReadStart(c.h, c.onRead); err != nil {
		c.Close(false, err)
		return
	}
	c.log.Debug("connection started")
}

func (c *connection) onRead(data []byte, err error) {
	if c.state != connConnected {
		return
	}
	switch {
	case err == io.EOF:
		c.peerDone = true
		if _, perr := c.framer.Read(nil); perr != nil {
			c.Close(false, perr)
			return
		}
		if len(c.queue) == 0 {
			c.Close(true, nil)
		}
		return
	case err != nil:
		c.Close(false, err)
		return
	}

	c.metrics.BytesRead(metrics.SideServer, len(data))
	if c.peerDone {
		return
	}
	if _, perr := c.framer.Read(data); perr != nil {
		c.Close(false, perr)
		return
	}
	for req := c.framer.NextRequest(); req != nil && c.state == connConnected && !c.peerDone; req = c.framer.NextRequest() {
		c.dispatch(req)
	}
}

func (c *connection) dispatch(req *protocol.Request) {
	c.nextSeq++
	txn := newTransaction(c.nextSeq, req, c.pending, c.metrics, c.tracer)
	txn.regID = registry.Register(c.registry, "server-transaction", txn)
	c.queue = append(c.queue, txn)
	if !req.ShouldKeepAlive {
		c.peerDone = true
		c.l.ReadStop(c.h)
	}
	c.log.Debug("request", "seq", txn.seq, "method", req.Method, "url", req.URL)

	c.handler.AsyncHandle(req, handler.Once(c.sink, func(resp *protocol.Response, err error) {
		c.onResponse(txn, resp, err)
	}))
}

func (c *connection) onResponse(txn *transaction, resp *protocol.Response, err error) {
	if txn.state != txnHandling || c.state != connConnected {
		// the connection closed while the handler was running
		c.log.Debug("late response dropped", "seq", txn.seq)
		return
	}
	if err != nil {
		c.Close(false, err)
		return
	}
	if err := txn.PrepareWrite(resp); err != nil {
		c.Close(false, err)
		return
	}
	c.pump()
}

func (c *connection) pump() {
	if c.writing || c.state != connConnected || len(c.queue) == 0 {
		return
	}
	txn := c.queue[0]
	if txn.state != txnReady {
		return
	}
	c.writing = true
	txn.AsyncWrite(c.l, c.h, func(err error) { c.onWritten(txn, err) })
}

func (c *connection) onWritten(txn *transaction, err error) {
	c.writing = false
	if len(c.queue) > 0 && c.queue[0] == txn {
		c.queue[0] = nil
		c.queue = c.queue[1:]
	}
	txn.finish(err)
	c.registry.Deregister(txn.regID)

	if c.state != connConnected {
		return
	}
	switch {
	case err != nil:
		c.Close(false, err)
	case !txn.keepAlive:
		c.Close(true, nil)
	case c.peerDone && len(c.queue) == 0:
		c.Close(true, nil)
	default:
		c.pump()
	}
}

// Close starts teardown: read_stop, close, then onClose. Every transaction
// not being written is abandoned now; the one being written finishes when
// its write callback reports cancellation. Only the first call has effect.
func (c *connection) Close(graceful bool, err error) {
	if c.state >= connClosing {
		return
	}
	c.state = connClosing
	if err != nil {
		c.log.Warn("connection closing", "graceful", graceful, "error", err)
	} else {
		c.log.Debug("connection closing", "graceful", graceful)
	}
	if c.onClosing != nil {
		c.onClosing(graceful, err)
	}

	cause := err
	if cause == nil {
		cause = httperrors.ErrConnectionClosed
	}
	kept := c.queue[:0]
	for _, txn := range c.queue {
		if txn.state == txnWriting {
			kept = append(kept, txn)
			continue
		}
		txn.finish(httperrors.NewClosedError("connection closed", cause))
		c.registry.Deregister(txn.regID)
	}
	c.queue = kept

	c.l.ReadStop(c.h)
	c.l.Close(c.h, func() {
		c.state = connClosed
		c.metrics.ConnectionClosed(metrics.SideServer)
		c.registry.Deregister(c.regID)
		c.log.Debug("connection closed")
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *connection) Describe() map[string]any {
	return map[string]any{
		"id":     c.id,
		"state":  c.state.String(),
		"queued": len(c.queue),
		"txns":   c.txns.Value(),
	}
}
