// Package looptest is an in-memory, single-threaded double of loop.Loop.
// Nothing runs until the test calls RunPending or Step, so every interleaving
// is explicit. Handles connected through the fake network exchange bytes,
// and every operation can be made to fail synchronously or asynchronously.
package looptest

import (
	"fmt"
	"io"
	"net/netip"
	"sort"
	"syscall"
	"time"

	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/loop"
)

type state int8

const (
	stateNew state = iota
	stateBound
	stateListening
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// Handle is the fake TCP handle.
type Handle struct {
	id    uint64
	l     *Loop
	state state

	local  netip.AddrPort
	remote netip.AddrPort
	peer   *Handle

	onConnection loop.ConnectionFunc
	backlog      []*Handle

	reading  bool
	readCb   loop.ReadFunc
	stash    [][]byte
	stashEOF bool
	stashErr error

	// Writes holds the payload of every successful Write, in call order.
	Writes [][]byte
	// Inflight counts writes whose callback has not run.
	Inflight int

	connectCb  loop.ConnectFunc
	heldClose  func()
	closeCount int
}

func (h *Handle) ID() uint64 { return h.id }

// Closed reports whether the close callback has run.
func (h *Handle) Closed() bool { return h.state == stateClosed }

// Closing reports whether Close was called.
func (h *Handle) Closing() bool { return h.state >= stateClosing }

// Reading reports whether ReadStart is in effect.
func (h *Handle) Reading() bool { return h.reading }

// Peer returns the other end of a connected handle.
func (h *Handle) Peer() *Handle { return h.peer }

// Written concatenates every payload written on h.
func (h *Handle) Written() []byte {
	var out []byte
	for _, w := range h.Writes {
		out = append(out, w...)
	}
	return out
}

// Call is one recorded operation.
type Call struct {
	Op     string
	Handle uint64
}

// Loop is the fake loop.Loop. It is not safe for concurrent use; Post may
// only be called from the test goroutine.
type Loop struct {
	queue []func()
	next  uint64

	// Calls records every operation in order.
	Calls []Call

	// Synchronous failures returned by the next matching call.
	FailTCPInit   error
	FailBind      error
	FailListen    error
	FailAccept    error
	FailConnect   error
	FailReadStart error
	FailWrite     error
	FailResolve   error

	// Asynchronous failures delivered through the callback.
	ConnectErr error
	WriteErr   error
	ResolveErr error

	// FailWriteAfter, when positive, makes the write with that 1-based
	// index fail asynchronously with WriteErr (or EPIPE).
	FailWriteAfter int
	writeCount     int

	// HoldCloses parks close callbacks until ReleaseCloses.
	HoldCloses bool

	// Hosts maps names for Resolve. Unknown names resolve if they are IP
	// literals.
	Hosts map[string][]netip.Addr

	listeners map[netip.AddrPort]*Handle
	handles   []*Handle
	nextPort  uint16

	now    time.Duration
	timers []*timer
}

// New returns an empty fake loop.
func New() *Loop {
	return &Loop{
		listeners: make(map[netip.AddrPort]*Handle),
		Hosts:     make(map[string][]netip.Addr),
		nextPort:  40000,
	}
}

func (l *Loop) record(op string, h *Handle) {
	var id uint64
	if h != nil {
		id = h.id
	}
	l.Calls = append(l.Calls, Call{Op: op, Handle: id})
}

// CallCount returns how often op was called.
func (l *Loop) CallCount(op string) int {
	n := 0
	for _, c := range l.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (l *Loop) Post(fn func()) { l.queue = append(l.queue, fn) }

// Step runs one queued callback and reports whether there was one.
func (l *Loop) Step() bool {
	if len(l.queue) == 0 {
		return false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	fn()
	return true
}

// RunPending runs callbacks, including ones they queue, until none remain.
func (l *Loop) RunPending() int {
	n := 0
	for l.Step() {
		n++
	}
	return n
}

// Pending returns the number of queued callbacks.
func (l *Loop) Pending() int { return len(l.queue) }

// Handles returns every handle created so far.
func (l *Loop) Handles() []*Handle { return l.handles }

// OpenHandles returns handles not yet closed.
func (l *Loop) OpenHandles() []*Handle {
	var out []*Handle
	for _, h := range l.handles {
		if h.state != stateClosed {
			out = append(out, h)
		}
	}
	return out
}

func (l *Loop) handle(h loop.TCP) *Handle {
	hh, ok := h.(*Handle)
	if !ok || hh == nil {
		panic(fmt.Sprintf("looptest: foreign handle %T", h))
	}
	return hh
}

func (l *Loop) newHandle() *Handle {
	l.next++
	h := &Handle{id: l.next, l: l}
	l.handles = append(l.handles, h)
	return h
}

func take(p *error) error {
	err := *p
	*p = nil
	return err
}

func (l *Loop) TCPInit() (loop.TCP, error) {
	l.record("tcp_init", nil)
	if err := take(&l.FailTCPInit); err != nil {
		return nil, httperrors.NewLoopError(httperrors.LoopErrorTCPInit, "tcp_init failed", err)
	}
	return l.newHandle(), nil
}

func (l *Loop) Bind(h loop.TCP, addr netip.AddrPort) error {
	hh := l.handle(h)
	l.record("bind", hh)
	if err := take(&l.FailBind); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorBind, "bind failed", err)
	}
	if addr.Port() == 0 {
		l.nextPort++
		addr = netip.AddrPortFrom(addr.Addr(), l.nextPort)
	}
	if _, taken := l.listeners[addr]; taken {
		return httperrors.NewLoopError(httperrors.LoopErrorBind, "bind failed", syscall.EADDRINUSE)
	}
	hh.local = addr
	hh.state = stateBound
	l.listeners[addr] = hh
	return nil
}

func (l *Loop) Listen(h loop.TCP, backlog int, onConnection loop.ConnectionFunc) error {
	hh := l.handle(h)
	l.record("listen", hh)
	if err := take(&l.FailListen); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorListen, "listen failed", err)
	}
	if hh.state != stateBound {
		return httperrors.NewLoopError(httperrors.LoopErrorListen, "listen on unbound handle", syscall.EINVAL)
	}
	hh.state = stateListening
	hh.onConnection = onConnection
	return nil
}

func (l *Loop) Accept(server, client loop.TCP) error {
	srv, cli := l.handle(server), l.handle(client)
	l.record("accept", cli)
	if err := take(&l.FailAccept); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorAccept, "accept failed", err)
	}
	if len(srv.backlog) == 0 {
		return httperrors.NewLoopError(httperrors.LoopErrorAccept, "no pending connection", syscall.EAGAIN)
	}
	remote := srv.backlog[0]
	srv.backlog = srv.backlog[1:]
	cli.state = stateOpen
	cli.local = srv.local
	cli.remote = remote.local
	cli.peer = remote
	remote.peer = cli
	return nil
}

// Dial simulates a remote client connecting to a listener. The returned
// handle is the remote end; bytes it writes with Send arrive on the accepted
// handle.
func (l *Loop) Dial(addr netip.AddrPort) (*Handle, error) {
	srv, ok := l.listeners[addr]
	if !ok || srv.state != stateListening {
		return nil, httperrors.NewLoopError(httperrors.LoopErrorConnect, "connection refused", syscall.ECONNREFUSED)
	}
	remote := l.newHandle()
	l.nextPort++
	remote.local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), l.nextPort)
	remote.state = stateOpen
	srv.backlog = append(srv.backlog, remote)
	l.Post(func() {
		if srv.state == stateListening {
			srv.onConnection(nil)
		}
	})
	return remote, nil
}

func (l *Loop) Connect(h loop.TCP, addr netip.AddrPort, cb loop.ConnectFunc) error {
	hh := l.handle(h)
	l.record("connect", hh)
	if err := take(&l.FailConnect); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorConnect, "connect failed", err)
	}
	hh.state = stateConnecting
	hh.connectCb = cb
	asyncErr := take(&l.ConnectErr)
	l.Post(func() {
		cb := hh.connectCb
		hh.connectCb = nil
		if hh.state != stateConnecting || cb == nil {
			return
		}
		if asyncErr != nil {
			hh.state = stateNew
			cb(httperrors.NewLoopError(httperrors.LoopErrorConnect, "connect failed", asyncErr))
			return
		}
		srv, ok := l.listeners[addr]
		if !ok || srv.state != stateListening {
			hh.state = stateNew
			cb(httperrors.NewLoopError(httperrors.LoopErrorConnect, "connection refused", syscall.ECONNREFUSED))
			return
		}
		l.nextPort++
		hh.local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), l.nextPort)
		hh.remote = addr
		hh.state = stateOpen
		srv.backlog = append(srv.backlog, hh)
		srv.onConnection(nil)
		cb(nil)
	})
	return nil
}

func (l *Loop) ReadStart(h loop.TCP, cb loop.ReadFunc) error {
	hh := l.handle(h)
	l.record("read_start", hh)
	if err := take(&l.FailReadStart); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorReadStart, "read_start failed", err)
	}
	if hh.state != stateOpen {
		return httperrors.NewLoopError(httperrors.LoopErrorReadStart, "read on closed handle", syscall.ENOTCONN)
	}
	hh.reading = true
	hh.readCb = cb
	if len(hh.stash) > 0 || hh.stashEOF || hh.stashErr != nil {
		l.Post(func() { l.flush(hh) })
	}
	return nil
}

func (l *Loop) ReadStop(h loop.TCP) error {
	hh := l.handle(h)
	l.record("read_stop", hh)
	hh.reading = false
	return nil
}

// Feed queues data for delivery to h's read callback.
func (l *Loop) Feed(h *Handle, data []byte) {
	buf := append([]byte(nil), data...)
	l.Post(func() {
		if h.state != stateOpen {
			return
		}
		h.stash = append(h.stash, buf)
		l.flush(h)
	})
}

// FeedEOF queues end of stream for h.
func (l *Loop) FeedEOF(h *Handle) {
	l.Post(func() {
		if h.state != stateOpen {
			return
		}
		h.stashEOF = true
		l.flush(h)
	})
}

// FeedError queues a read failure for h.
func (l *Loop) FeedError(h *Handle, err error) {
	l.Post(func() {
		if h.state != stateOpen {
			return
		}
		h.stashErr = err
		l.flush(h)
	})
}

// Send writes data from a remote handle made by Dial to its peer.
func (l *Loop) Send(remote *Handle, data []byte) {
	if remote.peer == nil {
		panic("looptest: Send on a handle without a peer")
	}
	l.Feed(remote.peer, data)
}

func (l *Loop) flush(h *Handle) {
	for h.state == stateOpen && h.reading && len(h.stash) > 0 {
		data := h.stash[0]
		h.stash = h.stash[1:]
		h.readCb(data, nil)
	}
	if h.state != stateOpen || !h.reading || len(h.stash) > 0 {
		return
	}
	switch {
	case h.stashErr != nil:
		err := h.stashErr
		h.stashErr = nil
		h.readCb(nil, httperrors.NewLoopError(httperrors.LoopErrorRead, "read failed", err))
	case h.stashEOF:
		h.stashEOF = false
		h.readCb(nil, io.EOF)
	}
}

func (l *Loop) Write(h loop.TCP, data []byte, cb loop.WriteFunc) error {
	hh := l.handle(h)
	l.record("write", hh)
	if err := take(&l.FailWrite); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorWrite, "write failed", err)
	}
	if hh.state != stateOpen {
		return httperrors.NewLoopError(httperrors.LoopErrorWrite, "write on closed handle", syscall.EPIPE)
	}
	l.writeCount++
	var asyncErr error
	if l.FailWriteAfter > 0 && l.writeCount == l.FailWriteAfter {
		asyncErr = take(&l.WriteErr)
		if asyncErr == nil {
			asyncErr = syscall.EPIPE
		}
	} else if l.FailWriteAfter == 0 {
		asyncErr = take(&l.WriteErr)
	}
	payload := append([]byte(nil), data...)
	hh.Inflight++
	l.Post(func() {
		hh.Inflight--
		if hh.state != stateOpen {
			cb(httperrors.NewLoopError(httperrors.LoopErrorWrite, "handle closed", syscall.ECANCELED))
			return
		}
		if asyncErr != nil {
			cb(httperrors.NewLoopError(httperrors.LoopErrorWrite, "write failed", asyncErr))
			return
		}
		hh.Writes = append(hh.Writes, payload)
		if hh.peer != nil {
			l.Feed(hh.peer, payload)
		}
		cb(nil)
	})
	return nil
}

func (l *Loop) Close(h loop.TCP, cb loop.CloseFunc) {
	hh := l.handle(h)
	l.record("close", hh)
	hh.closeCount++
	if hh.state >= stateClosing {
		panic(fmt.Sprintf("looptest: handle %d closed twice", hh.id))
	}
	prev := hh.state
	hh.state = stateClosing
	hh.reading = false
	if prev == stateBound || prev == stateListening {
		delete(l.listeners, hh.local)
	}
	if hh.peer != nil && hh.peer.state == stateOpen {
		l.FeedEOF(hh.peer)
	}
	connectCb := hh.connectCb
	hh.connectCb = nil

	finish := func() {
		hh.state = stateClosed
		if cb != nil {
			cb()
		}
	}
	l.Post(func() {
		if connectCb != nil {
			connectCb(httperrors.NewLoopError(httperrors.LoopErrorClose, "handle closed", syscall.ECANCELED))
		}
		if l.HoldCloses {
			hh.heldClose = finish
			return
		}
		finish()
	})
}

// ReleaseCloses runs every parked close callback.
func (l *Loop) ReleaseCloses() int {
	n := 0
	for _, h := range l.handles {
		if h.heldClose != nil {
			fn := h.heldClose
			h.heldClose = nil
			fn()
			n++
		}
	}
	return n
}

// HeldCloses returns the number of parked close callbacks.
func (l *Loop) HeldCloses() int {
	n := 0
	for _, h := range l.handles {
		if h.heldClose != nil {
			n++
		}
	}
	return n
}

func (l *Loop) LocalAddr(h loop.TCP) (netip.AddrPort, error) {
	hh := l.handle(h)
	if !hh.local.IsValid() {
		return netip.AddrPort{}, httperrors.NewLoopError(httperrors.LoopErrorNone, "handle has no address", syscall.ENOTCONN)
	}
	return hh.local, nil
}

func (l *Loop) Resolve(host, service string, cb loop.ResolveFunc) error {
	l.Calls = append(l.Calls, Call{Op: "resolve"})
	if err := take(&l.FailResolve); err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorResolve, "resolve failed", err)
	}
	asyncErr := take(&l.ResolveErr)
	l.Post(func() {
		if asyncErr != nil {
			cb(nil, httperrors.NewLoopError(httperrors.LoopErrorResolve, "resolve failed", asyncErr))
			return
		}
		var port uint16
		if _, err := fmt.Sscanf(service, "%d", &port); err != nil {
			cb(nil, httperrors.NewLoopError(httperrors.LoopErrorResolve, "unknown service "+service, err))
			return
		}
		ips, ok := l.Hosts[host]
		if !ok {
			ip, err := netip.ParseAddr(host)
			if err != nil {
				cb(nil, httperrors.NewLoopError(httperrors.LoopErrorResolve, "unknown host "+host, syscall.ENOENT))
				return
			}
			ips = []netip.Addr{ip}
		}
		out := make([]netip.AddrPort, 0, len(ips))
		for _, ip := range ips {
			out = append(out, netip.AddrPortFrom(ip, port))
		}
		cb(out, nil)
	})
	return nil
}

type timer struct {
	l       *Loop
	at      time.Duration
	cb      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (l *Loop) StartTimer(d time.Duration, cb func()) loop.Timer {
	t := &timer{l: l, at: l.now + d, cb: cb}
	l.timers = append(l.timers, t)
	return t
}

// Advance moves the fake clock and queues every timer that came due.
func (l *Loop) Advance(d time.Duration) {
	l.now += d
	sort.SliceStable(l.timers, func(i, j int) bool { return l.timers[i].at < l.timers[j].at })
	remaining := l.timers[:0]
	for _, t := range l.timers {
		if t.stopped {
			continue
		}
		if t.at <= l.now {
			t := t
			t.fired = true
			l.Post(t.cb)
			continue
		}
		remaining = append(remaining, t)
	}
	l.timers = remaining
}
