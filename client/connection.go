package client

import (
	"io"
	"log/slog"
	"net/netip"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/protocol"
)

type connState int8

const (
	connResolved connState = iota
	connConnecting
	connConnected
	connClosing
	connClosed
)

func (s connState) String() string {
	switch s {
	case connResolved:
		return "resolved"
	case connConnecting:
		return "connecting"
	case connConnected:
		return "connected"
	case connClosing:
		return "closing"
	default:
		return "closed"
	}
}

// connection carries a fixed set of transactions to one origin. Requests are
// written one at a time in order, and responses are matched to the oldest
// written transaction.
type connection struct {
	id    uint64
	l     loop.Loop
	h     loop.TCP
	addrs []netip.AddrPort
	state connState

	sink     *diag.Sink
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	regID    uint64

	framer  *protocol.Framer
	reading bool

	unwritten   []*transaction
	outstanding []*transaction
	writing     bool

	// stopWrites is set once no further request may be sent: after a
	// request failed to serialize, or the server refused to keep the
	// connection open. failure is the reason leftovers are failed with.
	stopWrites bool
	failure    error

	onClosing func(graceful bool, err error)
	onClose   func()
}

func newConnection(id uint64, l loop.Loop, addrs []netip.AddrPort, cfg *Config, sink *diag.Sink) *connection {
	c := &connection{
		id:       id,
		l:        l,
		addrs:    addrs,
		sink:     sink,
		log:      sink.Logger().With("conn", id),
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
	}
	c.framer = protocol.NewResponseFramer(sink, protocol.WithParseErrorHook(func(err *httperrors.HttpError) {
		c.metrics.ParseError(metrics.SideClient, err)
	}))
	return c
}

// InitSync allocates the socket. On failure nothing is pending.
func (c *connection) InitSync() error {
	if len(c.addrs) == 0 {
		return httperrors.NewInvalidArgumentError("no address to connect to")
	}
	h, err := c.l.TCPInit()
	if err != nil {
		return err
	}
	c.h = h
	c.regID = registry.Register(c.registry, "client-connection", c)
	c.metrics.ConnectionOpened(metrics.SideClient)
	return nil
}

// InitAsync connects and then writes txns in order. onClosing runs when the
// connection starts to close, onClose once its handle is released.
func (c *connection) InitAsync(txns []*transaction, onClosing func(graceful bool, err error), onClose func()) {
	c.onClosing = onClosing
	c.onClose = onClose
	c.unwritten = txns
	for _, txn := range txns {
		txn.regID = registry.Register(c.registry, "client-transaction", txn)
	}
	c.state = connConnecting
	addr := c.addrs[0]
	c.log.Debug("connecting", "addr", loop.FormatAddr(addr), "requests", len(txns))
	if err := c.l.Connect(c.h, addr, c.onConnect); err != nil {
		c.Close(false, err)
	}
}

func (c *connection) onConnect(err error) {
	if c.state != connConnecting {
		return
	}
	if err != nil {
		c.Close(false, err)
		return
	}
	c.state = connConnected
	c.log.Debug("connected", "addr", loop.FormatAddr(c.addrs[0]))
	if err := c.l.ReadStart(c.h, c.onRead); err != nil {
		c.Close(false, err)
		return
	}
	c.reading = true
	c.writeNext()
}

func (c *connection) writeNext() {
	for !c.writing && !c.stopWrites && c.state == connConnected && len(c.unwritten) > 0 {
		txn := c.unwritten[0]
		if err := txn.PrepareWrite(); err != nil {
			c.log.Warn("request not sent", "index", txn.index, "error", err)
			c.stopWrites = true
			c.failure = err
			failed := c.unwritten
			c.unwritten = nil
			for _, t := range failed {
				t.complete(nil, err)
			}
			c.settle()
			return
		}
		c.unwritten[0] = nil
		c.unwritten = c.unwritten[1:]
		c.framer.ExpectResponse(txn.req.Method)
		c.outstanding = append(c.outstanding, txn)
		c.writing = true
		n := len(txn.wire)
		txn.AsyncWrite(c.l, c.h, func(err error) { c.onWritten(txn, n, err) })
	}
}

func (c *connection) onWritten(txn *transaction, n int, err error) {
	c.writing = false
	if c.state != connConnected {
		// Close already failed every transaction.
		return
	}
	if err != nil {
		c.removeOutstanding(txn)
		txn.complete(nil, err)
		c.Close(false, err)
		return
	}
	c.metrics.BytesWritten(metrics.SideClient, n)
	if txn.state == txnWriting {
		txn.state = txnWritten
	}
	c.writeNext()
	c.settle()
}

func (c *connection) removeOutstanding(txn *transaction) {
	for i, t := range c.outstanding {
		if t == txn {
			c.outstanding = append(c.outstanding[:i], c.outstanding[i+1:]...)
			return
		}
	}
}

func (c *connection) onRead(data []byte, err error) {
	if c.state != connConnected {
		return
	}
	switch {
	case err == io.EOF:
		if _, perr := c.framer.Read(nil); perr != nil {
			c.Close(false, perr)
			return
		}
		if !c.match() {
			return
		}
		if len(c.outstanding) == 0 && len(c.unwritten) == 0 && c.failure == nil {
			c.Close(true, nil)
			return
		}
		cause := c.failure
		if cause == nil {
			cause = httperrors.ErrConnectionClosed
		}
		c.Close(false, cause)
		return
	case err != nil:
		c.Close(false, err)
		return
	}

	c.metrics.BytesRead(metrics.SideClient, len(data))
	if _, perr := c.framer.Read(data); perr != nil {
		c.Close(false, perr)
		return
	}
	if c.match() {
		c.settle()
	}
}

// match hands every framed response to the oldest outstanding transaction.
// It reports whether the connection is still open.
func (c *connection) match() bool {
	for resp := c.framer.NextResponse(); resp != nil; resp = c.framer.NextResponse() {
		if len(c.outstanding) == 0 {
			c.Close(false, httperrors.NewParseError(httperrors.ParseStrict, "response without a pending request", nil))
			return false
		}
		txn := c.outstanding[0]
		c.outstanding[0] = nil
		c.outstanding = c.outstanding[1:]
		if !resp.ShouldKeepAlive {
			c.stopWrites = true
		}
		txn.complete(resp, nil)
		if c.state != connConnected {
			return false
		}
	}
	return true
}

// settle closes the connection once nothing more can happen on it.
func (c *connection) settle() {
	if c.state != connConnected || c.writing || len(c.outstanding) > 0 {
		return
	}
	switch {
	case c.failure != nil:
		c.Close(false, c.failure)
	case len(c.unwritten) == 0:
		c.Close(true, nil)
	case c.stopWrites:
		c.Close(false, httperrors.ErrConnectionClosed)
	}
}

// Close starts teardown. Transactions never sent fail with err when the
// connection never came up; every other leftover fails with a closed error
// wrapping the cause. Only the first call has effect.
func (c *connection) Close(graceful bool, err error) {
	if c.state >= connClosing {
		return
	}
	connected := c.state == connConnected
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
	closed := httperrors.NewClosedError("connection closed", cause)
	unsent := error(closed)
	if !connected && err != nil {
		unsent = err
	}
	outstanding, unwritten := c.outstanding, c.unwritten
	c.outstanding, c.unwritten = nil, nil
	for _, txn := range outstanding {
		txn.complete(nil, closed)
	}
	for _, txn := range unwritten {
		txn.complete(nil, unsent)
	}

	if c.reading {
		c.l.ReadStop(c.h)
		c.reading = false
	}
	c.l.Close(c.h, func() {
		c.state = connClosed
		c.metrics.ConnectionClosed(metrics.SideClient)
		c.registry.Deregister(c.regID)
		c.log.Debug("connection closed")
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *connection) Describe() map[string]any {
	d := map[string]any{
		"id":          c.id,
		"state":       c.state.String(),
		"outstanding": len(c.outstanding),
		"unwritten":   len(c.unwritten),
	}
	if len(c.addrs) > 0 {
		d["addr"] = loop.FormatAddr(c.addrs[0])
	}
	return d
}
