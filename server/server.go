// Package server accepts HTTP/1.x connections on a loop and dispatches their
// requests to a handler.
//
// A Server is the host's handle. It owns a core that holds the listening
// socket and every connection; releasing the last reference to the Server
// starts the core's shutdown, and the core finishes on its own once every
// handle it opened has been closed.
package server

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
)

// Server is the reference-counted host handle. Retain may be called from any
// goroutine; the Release that drops the last reference must run on the loop
// goroutine.
type Server struct {
	refs      atomic.Int32
	core      *core
	sink      *diag.Sink
	onDestroy func()
}

// Create binds the listening socket. On error nothing is pending and there is
// nothing to release.
func Create(l loop.Loop, h handler.Handler, opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.New(nil)
	}
	if l == nil || h == nil {
		cfg.Sink.Fatalf("server.Create requires a loop and a handler")
		return nil, httperrors.NewInvalidArgumentError("nil loop or handler")
	}

	c := newCore(l, h, cfg)
	if err := c.InitSync(); err != nil {
		return nil, err
	}
	s := &Server{core: c, sink: cfg.Sink}
	s.refs.Store(1)
	return s, nil
}

// InitAsync starts listening. onDestroy runs once the core has released
// everything after the last Release, whether or not listening succeeded.
func (s *Server) InitAsync(onDestroy func()) error {
	if s.core == nil {
		return httperrors.ErrShuttingDown
	}
	s.onDestroy = onDestroy
	return s.core.InitAsync()
}

// Addr returns the bound address; with port 0 it carries the chosen port.
// It is the zero value once the last reference is released.
func (s *Server) Addr() netip.AddrPort {
	if s.core == nil {
		return netip.AddrPort{}
	}
	return s.core.addr
}

// Retain adds a reference.
func (s *Server) Retain() {
	s.refs.Add(1)
}

// Release drops a reference. The last one hands the core its shutdown.
func (s *Server) Release() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		s.sink.Fatalf("server released more often than retained")
		return
	}
	c := s.core
	s.core = nil
	c.OnShellDestroyed(s, s.onDestroy)
}

type coreState int8

const (
	coreBound coreState = iota
	coreListening
	coreStopping
	coreDestroyed
)

// core owns the listening handle and the live connections. It is destroyed
// when pending reaches zero after its shell is gone; pending counts the
// listening handle and each connection until its close callback.
type core struct {
	l       loop.Loop
	handler handler.Handler
	cfg     Config
	sink    *diag.Sink
	log     *slog.Logger

	listener loop.TCP
	addr     netip.AddrPort
	state    coreState

	pending *counter.PendingOps
	txns    *counter.PendingOps

	conns      map[uint64]*connection
	nextConnID uint64

	shellGone bool
	onDestroy func()
}

func newCore(l loop.Loop, h handler.Handler, cfg Config) *core {
	sink := cfg.Sink.With("component", "server")
	c := &core{
		l:       l,
		handler: h,
		cfg:     cfg,
		sink:    sink,
		log:     sink.Logger(),
		conns:   make(map[uint64]*connection),
	}
	c.pending = counter.New("server-handles", sink,
		counter.WithOnZero(c.maybeDestroy),
		counter.WithGauge(cfg.Metrics.PendingGauge("server_handles")))
	c.txns = counter.New("server-transactions", sink,
		counter.WithGauge(cfg.Metrics.PendingGauge("server_transactions")))
	return c
}

// InitSync creates and binds the listening handle.
func (c *core) InitSync() error {
	addr, err := c.cfg.listenAddr()
	if err != nil {
		return err
	}
	h, err := c.l.TCPInit()
	if err != nil {
		return err
	}
	if err := c.l.Bind(h, addr); err != nil {
		return err
	}
	c.listener = h
	c.pending.Increment()
	c.addr = addr
	if bound, err := c.l.LocalAddr(h); err == nil {
		c.addr = bound
	}
	c.log.Debug("bound", "addr", loop.FormatAddr(c.addr))
	return nil
}

// InitAsync starts listening.
func (c *core) InitAsync() error {
	if c.state != coreBound {
		return httperrors.NewInvalidArgumentError("server already started")
	}
	if err := c.l.Listen(c.listener, c.cfg.Backlog, c.onConnection); err != nil {
		c.log.Error("listen failed", "addr", loop.FormatAddr(c.addr), "error", err)
		return err
	}
	c.state = coreListening
	c.log.Info("listening", "addr", loop.FormatAddr(c.addr), "backlog", c.cfg.Backlog)
	return nil
}

func (c *core) onConnection(err error) {
	if err != nil {
		c.log.Error("listener failed", "error", err)
		return
	}
	if c.state != coreListening {
		return
	}
	c.nextConnID++
	id := c.nextConnID
	conn := newConnection(id, c.l, c.handler, c.txns, &c.cfg, c.sink)
	if err := conn.InitSync(c.listener); err != nil {
		c.log.Warn("accept failed", "error", err)
		return
	}
	c.conns[id] = conn
	c.pending.Increment()
	conn.InitAsync(
		func(graceful bool, err error) {
			delete(c.conns, id)
		},
		func() {
			c.pending.Decrement()
		},
	)
}

// OnShellDestroyed stops listening and closes every connection. onDestroy
// runs once the last handle's close callback has run.
func (c *core) OnShellDestroyed(shell *Server, onDestroy func()) {
	if c.shellGone {
		c.sink.Fatalf("server core notified of shell destruction twice")
		return
	}
	c.shellGone = true
	c.onDestroy = onDestroy
	c.state = coreStopping
	c.log.Debug("shell released", "connections", len(c.conns))

	for _, conn := range c.sortedConns() {
		conn.Close(false, httperrors.ErrShuttingDown)
	}
	c.l.Close(c.listener, func() {
		c.pending.Decrement()
	})
}

func (c *core) sortedConns() []*connection {
	out := make([]*connection, 0, len(c.conns))
	for _, id := range slices.Sorted(maps.Keys(c.conns)) {
		out = append(out, c.conns[id])
	}
	return out
}

func (c *core) maybeDestroy() {
	if !c.shellGone || c.state == coreDestroyed {
		return
	}
	c.state = coreDestroyed
	c.log.Info("server destroyed", "addr", loop.FormatAddr(c.addr))
	if c.onDestroy != nil {
		c.onDestroy()
	}
}
