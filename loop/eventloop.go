package loop

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
)

const (
	// DefaultReadBufferSize is the per-read buffer size drivers allocate.
	DefaultReadBufferSize = 64 * 1024
	// DefaultDriver is used when Config.Driver is empty.
	DefaultDriver = "gaio"
)

// Config configures an EventLoop.
type Config struct {
	// Driver selects the I/O backend: "gaio", or on linux "iouring" or "uring".
	Driver         string
	ReadBufferSize int
	Sink           *diag.Sink
}

// Option configures an EventLoop.
type Option func(*Config)

// WithDriver selects the I/O backend.
func WithDriver(name string) Option {
	return func(c *Config) { c.Driver = name }
}

// WithReadBufferSize sets the per-read buffer size.
func WithReadBufferSize(n int) Option {
	return func(c *Config) { c.ReadBufferSize = n }
}

// WithSink sets the diagnostics sink.
func WithSink(s *diag.Sink) Option {
	return func(c *Config) { c.Sink = s }
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{Driver: DefaultDriver, ReadBufferSize: DefaultReadBufferSize}
}

type handleState int8

const (
	handleNew handleState = iota
	handleBound
	handleListening
	handleConnecting
	handleOpen
	handleClosing
	handleClosed
)

func (s handleState) String() string {
	switch s {
	case handleNew:
		return "new"
	case handleBound:
		return "bound"
	case handleListening:
		return "listening"
	case handleConnecting:
		return "connecting"
	case handleOpen:
		return "open"
	case handleClosing:
		return "closing"
	default:
		return "closed"
	}
}

type pendingWrite struct {
	data []byte
	cb   WriteFunc
}

// handle is only touched on the loop goroutine.
type handle struct {
	id    uint64
	state handleState

	acc  acceptor
	conn conn

	onConnection ConnectionFunc
	backlog      []conn

	connectCb ConnectFunc

	readerStarted bool
	reading       bool
	readCb        ReadFunc
	stash         [][]byte
	stashErr      error

	writes  []pendingWrite
	writing bool
}

func (h *handle) ID() uint64 { return h.id }

// EventLoop is the production Loop. Callbacks run on the goroutine calling
// Run; drivers complete I/O on their own goroutines and post results back.
type EventLoop struct {
	cfg  Config
	sink *diag.Sink
	drv  driver

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once

	nextID atomic.Uint64
}

// New returns an EventLoop using the configured driver.
func New(opts ...Option) (*EventLoop, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	sink := cfg.Sink
	if sink == nil {
		sink = diag.New(nil)
	}

	factory, ok := drivers[cfg.Driver]
	if !ok {
		return nil, httperrors.NewInvalidArgumentError(fmt.Sprintf("unknown loop driver %q", cfg.Driver))
	}
	drv, err := factory(cfg)
	if err != nil {
		return nil, httperrors.NewLoopError(httperrors.LoopErrorDriverInit,
			fmt.Sprintf("failed to initialize %s driver", cfg.Driver), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &EventLoop{
		cfg:    cfg,
		sink:   sink.With("component", "loop", "driver", cfg.Driver),
		drv:    drv,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	l.sink.Logger().Debug("event loop created", "read_buffer", cfg.ReadBufferSize)
	return l, nil
}

// Drivers lists the available driver names.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run executes posted callbacks until ctx is done or Stop is called.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-l.quit:
			l.drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *EventLoop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Stop makes Run return after the callbacks already posted.
func (l *EventLoop) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Shutdown stops the loop and releases the driver. Handles still open are
// abandoned.
func (l *EventLoop) Shutdown() error {
	l.Stop()
	l.cancel()
	return l.drv.close()
}

func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) handle(h TCP) *handle {
	hh, ok := h.(*handle)
	if !ok || hh == nil {
		l.sink.Fatalf("foreign handle %T passed to event loop", h)
		return nil
	}
	return hh
}

func (l *EventLoop) TCPInit() (TCP, error) {
	select {
	case <-l.quit:
		return nil, httperrors.NewLoopError(httperrors.LoopErrorTCPInit, "event loop stopped", nil)
	default:
	}
	return &handle{id: l.nextID.Add(1)}, nil
}

func (l *EventLoop) Bind(h TCP, addr netip.AddrPort) error {
	hh := l.handle(h)
	if hh.state != handleNew {
		return httperrors.NewLoopError(httperrors.LoopErrorBind, "bind on "+hh.state.String()+" handle", syscall.EINVAL)
	}
	acc, err := l.drv.bind(addr)
	if err != nil {
		return httperrors.NewLoopError(httperrors.LoopErrorBind, "failed to bind "+FormatAddr(addr), err)
	}
	hh.acc = acc
	hh.state = handleBound
	return nil
}

func (l *EventLoop) Listen(h TCP, backlog int, onConnection ConnectionFunc) error {
	hh := l.handle(h)
	if hh.state != handleBound {
		return httperrors.NewLoopError(httperrors.LoopErrorListen, "listen on "+hh.state.String()+" handle", syscall.EINVAL)
	}
	hh.onConnection = onConnection
	err := hh.acc.listen(backlog, func(c conn, err error) {
		l.Post(func() { l.onAccepted(hh, c, err) })
	})
	if err != nil {
		hh.onConnection = nil
		return httperrors.NewLoopError(httperrors.LoopErrorListen, "failed to listen", err)
	}
	hh.state = handleListening
	return nil
}

func (l *EventLoop) onAccepted(hh *handle, c conn, err error) {
	if hh.state != handleListening {
		if c != nil {
			c.close()
		}
		return
	}
	if err != nil {
		hh.onConnection(httperrors.NewLoopError(httperrors.LoopErrorAccept, "accept failed", err))
		return
	}
	hh.backlog = append(hh.backlog, c)
	hh.onConnection(nil)
}

func (l *EventLoop) Accept(server, client TCP) error {
	srv, cli := l.handle(server), l.handle(client)
	if srv.state != handleListening || len(srv.backlog) == 0 {
		return httperrors.NewLoopError(httperrors.LoopErrorAccept, "no pending connection", syscall.EAGAIN)
	}
	if cli.state != handleNew {
		return httperrors.NewLoopError(httperrors.LoopErrorAccept, "accept into "+cli.state.String()+" handle", syscall.EINVAL)
	}
	cli.conn = srv.backlog[0]
	srv.backlog[0] = nil
	srv.backlog = srv.backlog[1:]
	cli.state = handleOpen
	return nil
}

func (l *EventLoop) Connect(h TCP, addr netip.AddrPort, cb ConnectFunc) error {
	hh := l.handle(h)
	if hh.state != handleNew {
		return httperrors.NewLoopError(httperrors.LoopErrorConnect, "connect on "+hh.state.String()+" handle", syscall.EINVAL)
	}
	if !addr.IsValid() {
		return httperrors.NewLoopError(httperrors.LoopErrorConnect, "invalid address", syscall.EINVAL)
	}
	hh.state = handleConnecting
	hh.connectCb = cb
	l.drv.dial(l.ctx, addr, func(c conn, err error) {
		l.Post(func() { l.onConnected(hh, addr, c, err) })
	})
	return nil
}

func (l *EventLoop) onConnected(hh *handle, addr netip.AddrPort, c conn, err error) {
	cb := hh.connectCb
	hh.connectCb = nil
	if hh.state != handleConnecting || cb == nil {
		if c != nil {
			c.close()
		}
		return
	}
	if err != nil {
		hh.state = handleNew
		cb(httperrors.NewLoopError(httperrors.LoopErrorConnect, "failed to connect to "+FormatAddr(addr), err))
		return
	}
	hh.conn = c
	hh.state = handleOpen
	cb(nil)
}

func (l *EventLoop) ReadStart(h TCP, cb ReadFunc) error {
	hh := l.handle(h)
	if hh.state != handleOpen {
		return httperrors.NewLoopError(httperrors.LoopErrorReadStart, "read on "+hh.state.String()+" handle", syscall.ENOTCONN)
	}
	hh.reading = true
	hh.readCb = cb
	if !hh.readerStarted {
		hh.readerStarted = true
		hh.conn.startReading(l.cfg.ReadBufferSize, func(data []byte, err error) {
			l.Post(func() { l.onRead(hh, data, err) })
		})
	}
	if len(hh.stash) > 0 || hh.stashErr != nil {
		l.Post(func() { l.flushStash(hh) })
	}
	return nil
}

func (l *EventLoop) onRead(hh *handle, data []byte, err error) {
	if hh.state != handleOpen {
		return
	}
	if !hh.reading || len(hh.stash) > 0 || hh.stashErr != nil {
		if err != nil {
			hh.stashErr = err
		} else {
			hh.stash = append(hh.stash, data)
		}
		return
	}
	l.deliver(hh, data, err)
}

func (l *EventLoop) flushStash(hh *handle) {
	for hh.state == handleOpen && hh.reading && len(hh.stash) > 0 {
		data := hh.stash[0]
		hh.stash[0] = nil
		hh.stash = hh.stash[1:]
		hh.readCb(data, nil)
	}
	if hh.state == handleOpen && hh.reading && len(hh.stash) == 0 && hh.stashErr != nil {
		err := hh.stashErr
		hh.stashErr = nil
		l.deliver(hh, nil, err)
	}
}

func (l *EventLoop) deliver(hh *handle, data []byte, err error) {
	switch {
	case err == nil:
		hh.readCb(data, nil)
	case err == io.EOF:
		hh.readCb(nil, io.EOF)
	default:
		hh.readCb(nil, httperrors.NewLoopError(httperrors.LoopErrorRead, "read failed", err))
	}
}

func (l *EventLoop) ReadStop(h TCP) error {
	hh := l.handle(h)
	hh.reading = false
	return nil
}

func (l *EventLoop) Write(h TCP, data []byte, cb WriteFunc) error {
	hh := l.handle(h)
	if hh.state != handleOpen {
		return httperrors.NewLoopError(httperrors.LoopErrorWrite, "write on "+hh.state.String()+" handle", syscall.EPIPE)
	}
	hh.writes = append(hh.writes, pendingWrite{data: data, cb: cb})
	l.pumpWrites(hh)
	return nil
}

func (l *EventLoop) pumpWrites(hh *handle) {
	if hh.writing || len(hh.writes) == 0 || hh.state != handleOpen {
		return
	}
	hh.writing = true
	w := hh.writes[0]
	hh.conn.write(w.data, func(err error) {
		l.Post(func() { l.onWritten(hh, err) })
	})
}

func (l *EventLoop) onWritten(hh *handle, err error) {
	if hh.state != handleOpen || len(hh.writes) == 0 {
		return
	}
	w := hh.writes[0]
	hh.writes[0] = pendingWrite{}
	hh.writes = hh.writes[1:]
	hh.writing = false
	if err != nil {
		w.cb(httperrors.NewLoopError(httperrors.LoopErrorWrite, "write failed", err))
	} else {
		w.cb(nil)
	}
	l.pumpWrites(hh)
}

func (l *EventLoop) Close(h TCP, cb CloseFunc) {
	hh := l.handle(h)
	if hh.state == handleClosing || hh.state == handleClosed {
		l.sink.Fatalf("handle %d closed twice", hh.id)
		return
	}
	prev := hh.state
	hh.state = handleClosing
	hh.reading = false
	hh.stash = nil

	var closeErr error
	if hh.acc != nil {
		closeErr = hh.acc.close()
		for _, c := range hh.backlog {
			c.close()
		}
		hh.backlog = nil
	}
	if hh.conn != nil {
		closeErr = hh.conn.close()
	}
	if closeErr != nil {
		l.sink.Logger().Debug("close reported an error", "handle", hh.id, "error", closeErr)
	}

	canceled := httperrors.NewLoopError(httperrors.LoopErrorClose, "handle closed", syscall.ECANCELED)
	connectCb := hh.connectCb
	hh.connectCb = nil
	writes := hh.writes
	hh.writes = nil

	l.Post(func() {
		if prev == handleConnecting && connectCb != nil {
			connectCb(canceled)
		}
		for _, w := range writes {
			w.cb(canceled)
		}
		hh.state = handleClosed
		if cb != nil {
			cb()
		}
	})
}

func (l *EventLoop) LocalAddr(h TCP) (netip.AddrPort, error) {
	hh := l.handle(h)
	switch {
	case hh.acc != nil:
		return hh.acc.addr(), nil
	case hh.conn != nil:
		return hh.conn.localAddr(), nil
	}
	return netip.AddrPort{}, httperrors.NewLoopError(httperrors.LoopErrorNone, "handle has no address", syscall.ENOTCONN)
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.stopped.Store(true)
	return t.t.Stop()
}

func (l *EventLoop) StartTimer(d time.Duration, cb func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !lt.stopped.Load() {
				cb()
			}
		})
	})
	return lt
}

func (l *EventLoop) Resolve(host, service string, cb ResolveFunc) error {
	if host == "" {
		return httperrors.NewLoopError(httperrors.LoopErrorResolve, "empty host", syscall.EINVAL)
	}
	go func() {
		addrs, err := lookup(l.ctx, host, service)
		l.Post(func() { cb(addrs, err) })
	}()
	return nil
}

func lookup(ctx context.Context, host, service string) ([]netip.AddrPort, error) {
	port, err := strconv.Atoi(service)
	if err != nil {
		port, err = net.DefaultResolver.LookupPort(ctx, "tcp", service)
		if err != nil {
			return nil, httperrors.NewLoopError(httperrors.LoopErrorResolve, "unknown service "+service, err)
		}
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, uint16(port))}, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, httperrors.NewLoopError(httperrors.LoopErrorResolve, "failed to resolve "+host, err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
	}
	return out, nil
}
