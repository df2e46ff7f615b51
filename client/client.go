// Package client sends HTTP/1.x requests on a loop.
//
// A Client is itself a handler.Handler: each AsyncHandle resolves the request's
// origin, opens a connection to it and delivers the response, or an error,
// through the callback. Connections are not reused across calls;
// AsyncHandleBatch pipelines several requests to one origin on a single
// connection.
package client

import (
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/nczempin/httploop/counter"
	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/handler"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/protocol"
)

// BatchFunc receives the outcome of request i of a batch.
type BatchFunc func(i int, resp *protocol.Response, err error)

// Client is the reference-counted host handle. Retain may be called from any
// goroutine; everything else runs on the loop goroutine.
type Client struct {
	refs      atomic.Int32
	core      *core
	sink      *diag.Sink
	onDestroy func()
}

var _ handler.Handler = (*Client)(nil)

// Create builds a client on l. Nothing is pending until the first request.
func Create(l loop.Loop, opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.New(nil)
	}
	if l == nil {
		cfg.Sink.Fatalf("client.Create requires a loop")
		return nil, httperrors.NewInvalidArgumentError("nil loop")
	}
	c := newCore(l, cfg)
	s := &Client{core: c, sink: cfg.Sink}
	s.refs.Store(1)
	return s, nil
}

// InitAsync enables dispatch. onDestroy runs once the core has released
// everything after the last Release.
func (s *Client) InitAsync(onDestroy func()) error {
	if s.core == nil {
		return httperrors.ErrShuttingDown
	}
	s.onDestroy = onDestroy
	return s.core.InitAsync()
}

// AsyncHandle sends req on a new connection. onResponse fires exactly once.
func (s *Client) AsyncHandle(req *protocol.Request, onResponse handler.ResponseFunc) {
	if s.core == nil {
		onResponse(nil, httperrors.ErrShuttingDown)
		return
	}
	s.core.AsyncHandle(req, onResponse)
}

// AsyncHandleBatch pipelines reqs, which must share one origin, on a single
// connection. onResponse fires exactly once per request, in no guaranteed
// order. When the batch is rejected synchronously the error is returned and
// onResponse never fires.
func (s *Client) AsyncHandleBatch(reqs []*protocol.Request, onResponse BatchFunc) error {
	if s.core == nil {
		return httperrors.ErrShuttingDown
	}
	return s.core.AsyncHandleBatch(reqs, onResponse)
}

// Retain adds a reference.
func (s *Client) Retain() {
	s.refs.Add(1)
}

// Release drops a reference. The last one hands the core its shutdown.
func (s *Client) Release() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		s.sink.Fatalf("client released more often than retained")
		return
	}
	c := s.core
	s.core = nil
	c.OnShellDestroyed(s, s.onDestroy)
}

type coreState int8

const (
	coreCreated coreState = iota
	coreRunning
	coreStopping
	coreDestroyed
)

// core owns every outbound connection. pending counts resolutions in flight
// and connections until their close callback.
type core struct {
	l    loop.Loop
	cfg  Config
	sink *diag.Sink
	log  *slog.Logger

	state   coreState
	pending *counter.PendingOps
	txns    *counter.PendingOps

	conns      map[uint64]*connection
	nextConnID uint64

	shellGone bool
	onDestroy func()
}

func newCore(l loop.Loop, cfg Config) *core {
	sink := cfg.Sink.With("component", "client")
	c := &core{
		l:     l,
		cfg:   cfg,
		sink:  sink,
		log:   sink.Logger(),
		conns: make(map[uint64]*connection),
	}
	c.pending = counter.New("client-handles", sink,
		counter.WithOnZero(c.maybeDestroy),
		counter.WithGauge(cfg.Metrics.PendingGauge("client_handles")))
	c.txns = counter.New("client-transactions", sink,
		counter.WithGauge(cfg.Metrics.PendingGauge("client_transactions")))
	return c
}

func (c *core) InitAsync() error {
	if c.state != coreCreated {
		return httperrors.NewInvalidArgumentError("client already started")
	}
	c.state = coreRunning
	return nil
}

// accepting returns why no new request can be taken, or nil.
func (c *core) accepting() error {
	switch {
	case c.shellGone:
		return httperrors.ErrShuttingDown
	case c.state != coreRunning:
		return httperrors.NewInvalidArgumentError("client not started")
	}
	return nil
}

func (c *core) AsyncHandle(req *protocol.Request, onResponse handler.ResponseFunc) {
	cb := handler.Once(c.sink, onResponse)
	if req == nil {
		c.sink.Fatalf("client.AsyncHandle called with a nil request")
		cb(nil, httperrors.NewInvalidArgumentError("nil request"))
		return
	}
	if err := c.accepting(); err != nil {
		cb(nil, err)
		return
	}
	txn := newTransaction(0, req, cb, c.txns, &c.cfg)
	if err := txn.Init(); err != nil {
		txn.complete(nil, err)
		return
	}
	c.dispatch(txn.host, txn.service, []*transaction{txn})
}

func (c *core) AsyncHandleBatch(reqs []*protocol.Request, onResponse BatchFunc) error {
	if len(reqs) == 0 {
		return httperrors.NewInvalidArgumentError("empty batch")
	}
	if err := c.accepting(); err != nil {
		return err
	}
	txns := make([]*transaction, 0, len(reqs))
	reject := func(err error) error {
		for _, txn := range txns {
			txn.discard()
		}
		return err
	}
	for i, req := range reqs {
		if req == nil {
			return reject(httperrors.NewInvalidArgumentError("nil request in batch"))
		}
		cb := handler.Once(c.sink, func(resp *protocol.Response, err error) { onResponse(i, resp, err) })
		txn := newTransaction(i, req, cb, c.txns, &c.cfg)
		txns = append(txns, txn)
		if err := txn.Init(); err != nil {
			return reject(err)
		}
		if txn.origin() != txns[0].origin() {
			return reject(httperrors.NewInvalidArgumentError("batch mixes origins " + txns[0].origin() + " and " + txn.origin()))
		}
	}
	c.dispatch(txns[0].host, txns[0].service, txns)
	return nil
}

// dispatch resolves the origin and hands txns to a new connection.
func (c *core) dispatch(host, service string, txns []*transaction) {
	c.pending.Increment()
	err := c.l.Resolve(host, service, func(addrs []netip.AddrPort, err error) {
		defer c.pending.Decrement()
		switch {
		case err != nil:
			c.log.Warn("resolve failed", "host", host, "service", service, "error", err)
			failAll(txns, err)
		case c.shellGone:
			failAll(txns, httperrors.ErrShuttingDown)
		default:
			c.connect(addrs, txns)
		}
	})
	if err != nil {
		c.pending.Decrement()
		failAll(txns, err)
	}
}

func (c *core) connect(addrs []netip.AddrPort, txns []*transaction) {
	c.nextConnID++
	id := c.nextConnID
	conn := newConnection(id, c.l, addrs, &c.cfg, c.sink)
	if err := conn.InitSync(); err != nil {
		failAll(txns, err)
		return
	}
	c.conns[id] = conn
	c.pending.Increment()
	conn.InitAsync(txns,
		func(graceful bool, err error) {
			delete(c.conns, id)
		},
		func() {
			c.pending.Decrement()
		},
	)
}

func failAll(txns []*transaction, err error) {
	for _, txn := range txns {
		txn.complete(nil, err)
	}
}

// OnShellDestroyed closes every connection. onDestroy runs once nothing is
// pending, which may be right away.
func (c *core) OnShellDestroyed(shell *Client, onDestroy func()) {
	if c.shellGone {
		c.sink.Fatalf("client core notified of shell destruction twice")
		return
	}
	c.shellGone = true
	c.onDestroy = onDestroy
	c.state = coreStopping
	c.log.Debug("shell released", "connections", len(c.conns))

	for _, id := range slices.Sorted(maps.Keys(c.conns)) {
		if conn, ok := c.conns[id]; ok {
			conn.Close(false, httperrors.ErrShuttingDown)
		}
	}
	if c.pending.Value() == 0 {
		c.l.Post(c.maybeDestroy)
	}
}

func (c *core) maybeDestroy() {
	if !c.shellGone || c.state == coreDestroyed || c.pending.Value() != 0 {
		return
	}
	c.state = coreDestroyed
	c.log.Debug("client destroyed")
	if c.onDestroy != nil {
		c.onDestroy()
	}
}
