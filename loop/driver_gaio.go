package loop

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/xtaci/gaio"
)

// gaioDriver runs reads and writes through one gaio proactor. Accept and
// dial use the standard library since gaio only drives established streams.
type gaioDriver struct {
	w    *gaio.Watcher
	done chan struct{}
}

func newGaioDriver(cfg Config) (driver, error) {
	w, err := gaio.NewWatcherSize(cfg.ReadBufferSize)
	if err != nil {
		return nil, err
	}
	d := &gaioDriver{w: w, done: make(chan struct{})}
	go d.reap()
	return d, nil
}

// gaioOp is the context attached to every submitted operation.
type gaioOp struct {
	onRead  func(data []byte, err error)
	onWrite func(err error)
}

func (d *gaioDriver) reap() {
	defer close(d.done)
	for {
		results, err := d.w.WaitIO()
		if err != nil {
			return
		}
		for _, res := range results {
			op, ok := res.Context.(*gaioOp)
			if !ok {
				continue
			}
			switch res.Operation {
			case gaio.OpRead:
				if res.Error != nil {
					op.onRead(nil, res.Error)
					continue
				}
				// the swap buffer is reused by the next WaitIO
				data := make([]byte, res.Size)
				copy(data, res.Buffer[:res.Size])
				op.onRead(data, nil)
				if err := d.w.Read(op, res.Conn, nil); err != nil {
					op.onRead(nil, err)
				}
			case gaio.OpWrite:
				op.onWrite(res.Error)
			}
		}
	}
}

// bind also listens: net.Listen has no bind-only form.
func (d *gaioDriver) bind(addr netip.AddrPort) (acceptor, error) {
	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return &gaioAcceptor{d: d, ln: ln}, nil
}

func (d *gaioDriver) dial(ctx context.Context, addr netip.AddrPort, fn func(c conn, err error)) {
	go func() {
		var dialer net.Dialer
		c, err := dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			fn(nil, err)
			return
		}
		fn(&gaioConn{d: d, c: c}, nil)
	}()
}

func (d *gaioDriver) close() error {
	err := d.w.Close()
	<-d.done
	return err
}

type gaioAcceptor struct {
	d  *gaioDriver
	ln net.Listener
}

// listen ignores backlog: the standard library listens with the system
// default when the socket is bound.
func (a *gaioAcceptor) listen(backlog int, fn func(c conn, err error)) error {
	go func() {
		for {
			c, err := a.ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					fn(nil, err)
				}
				return
			}
			fn(&gaioConn{d: a.d, c: c}, nil)
		}
	}()
	return nil
}

func (a *gaioAcceptor) addr() netip.AddrPort {
	if tcp, ok := a.ln.Addr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}

func (a *gaioAcceptor) close() error { return a.ln.Close() }

type gaioConn struct {
	d *gaioDriver
	c net.Conn
}

func (c *gaioConn) startReading(_ int, fn func(data []byte, err error)) {
	op := &gaioOp{onRead: fn}
	if err := c.d.w.Read(op, c.c, nil); err != nil {
		go fn(nil, err)
	}
}

func (c *gaioConn) write(data []byte, fn func(err error)) {
	op := &gaioOp{onWrite: fn}
	if err := c.d.w.Write(op, c.c, data); err != nil {
		go fn(err)
	}
}

func (c *gaioConn) localAddr() netip.AddrPort {
	if tcp, ok := c.c.LocalAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}

// close releases the watcher's descriptor and the original connection; a
// connection never submitted to the watcher only has the latter.
func (c *gaioConn) close() error {
	freeErr := c.d.w.Free(c.c)
	if err := c.c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return freeErr
}
