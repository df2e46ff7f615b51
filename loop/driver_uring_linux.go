//go:build linux

package loop

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"
)

const wakeUserData = ^uint64(0)

var errRingClosed = errors.New("ring closed")

func init() {
	drivers["uring"] = newURingDriver
}

// uringDriver shares one godzie44/go-uring ring between all streams. A single
// reaper goroutine drains completions; connect and accept are blocking
// syscalls on their own goroutines.
type uringDriver struct {
	ring *uring.Ring

	mu      sync.Mutex
	pending map[uint64]*uringOp
	nextID  uint64
	closed  bool

	done chan struct{}
}

type uringOp struct {
	// buf stays referenced until the kernel is done with it
	buf []byte
	fn  func(res int32, err error)
}

func newURingDriver(cfg Config) (driver, error) {
	ring, err := uring.New(ringEntries)
	if err != nil {
		return nil, err
	}
	d := &uringDriver{
		ring:    ring,
		pending: make(map[uint64]*uringOp),
		done:    make(chan struct{}),
	}
	go d.reap()
	return d, nil
}

func (d *uringDriver) submit(op uring.Operation, buf []byte, fn func(res int32, err error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errRingClosed
	}
	d.nextID++
	id := d.nextID
	if err := d.ring.QueueSQE(op, 0, id); err != nil {
		return err
	}
	d.pending[id] = &uringOp{buf: buf, fn: fn}
	if _, err := d.ring.Submit(); err != nil {
		delete(d.pending, id)
		return err
	}
	return nil
}

func (d *uringDriver) reap() {
	defer close(d.done)
	for {
		cqe, err := d.ring.WaitCQEvents(1)
		if err != nil {
			if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			return
		}
		id, res, cerr := cqe.UserData, cqe.Res, cqe.Error()
		d.ring.SeenCQE(cqe)
		if id == wakeUserData {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			continue
		}

		d.mu.Lock()
		op := d.pending[id]
		delete(d.pending, id)
		d.mu.Unlock()
		if op != nil {
			op.fn(res, cerr)
		}
	}
}

func (d *uringDriver) bind(addr netip.AddrPort) (acceptor, error) {
	return bindListener(addr, false, func(fd int) conn { return &uringConn{d: d, fd: fd} })
}

func (d *uringDriver) dial(ctx context.Context, addr netip.AddrPort, fn func(c conn, err error)) {
	go func() {
		fd, sa, err := streamSocket(addr, false)
		if err != nil {
			fn(nil, err)
			return
		}
		if err := unix.Connect(fd, sa); err != nil {
			unix.Close(fd)
			fn(nil, err)
			return
		}
		if ctx.Err() != nil {
			unix.Close(fd)
			fn(nil, ctx.Err())
			return
		}
		setNoDelay(fd)
		fn(&uringConn{d: d, fd: fd}, nil)
	}()
}

func (d *uringDriver) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	err := d.ring.QueueSQE(uring.Nop(), 0, wakeUserData)
	if err == nil {
		_, err = d.ring.Submit()
	}
	d.mu.Unlock()
	if err == nil {
		<-d.done
	}
	return d.ring.Close()
}

type uringConn struct {
	d      *uringDriver
	fd     int
	closed atomic.Bool
}

func (c *uringConn) startReading(bufSize int, fn func(data []byte, err error)) {
	buf := make([]byte, bufSize)
	var next func()
	next = func() {
		err := c.d.submit(uring.Read(uintptr(c.fd), buf, 0), buf, func(res int32, err error) {
			switch {
			case err != nil:
				fn(nil, err)
			case res == 0:
				fn(nil, io.EOF)
			default:
				data := make([]byte, res)
				copy(data, buf[:res])
				fn(data, nil)
				next()
			}
		})
		if err != nil {
			fn(nil, err)
		}
	}
	next()
}

func (c *uringConn) write(data []byte, fn func(err error)) {
	var from func(off int)
	from = func(off int) {
		rest := data[off:]
		err := c.d.submit(uring.Write(uintptr(c.fd), rest, 0), rest, func(res int32, err error) {
			switch {
			case err != nil:
				fn(err)
			case res <= 0:
				fn(io.ErrClosedPipe)
			case off+int(res) < len(data):
				from(off + int(res))
			default:
				fn(nil)
			}
		})
		if err != nil {
			fn(err)
		}
	}
	from(0)
}

func (c *uringConn) localAddr() netip.AddrPort { return localAddrOf(c.fd) }

func (c *uringConn) close() error { return closeStream(c.fd, &c.closed) }
