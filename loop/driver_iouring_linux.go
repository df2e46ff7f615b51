//go:build linux

package loop

import (
	"context"
	"io"
	"net/netip"
	"sync/atomic"

	"github.com/iceber/iouring-go"
	"golang.org/x/sys/unix"
)

const ringEntries = 256

func init() {
	drivers["iouring"] = newIOURingDriver
}

// iouringDriver submits connect, send and recv through iceber/iouring-go.
// Every submission waits on its own result channel from a goroutine.
type iouringDriver struct {
	iour *iouring.IOURing
}

func newIOURingDriver(cfg Config) (driver, error) {
	iour, err := iouring.New(ringEntries)
	if err != nil {
		return nil, err
	}
	return &iouringDriver{iour: iour}, nil
}

func (d *iouringDriver) bind(addr netip.AddrPort) (acceptor, error) {
	return bindListener(addr, true, func(fd int) conn { return &iouringConn{d: d, fd: fd} })
}

func (d *iouringDriver) dial(ctx context.Context, addr netip.AddrPort, fn func(c conn, err error)) {
	fd, _, err := streamSocket(addr, true)
	if err != nil {
		go fn(nil, err)
		return
	}
	if err := setNoDelay(fd); err != nil {
		unix.Close(fd)
		go fn(nil, err)
		return
	}

	req, err := iouring.Connect(fd, syscallSockaddrOf(addr))
	if err != nil {
		unix.Close(fd)
		go fn(nil, err)
		return
	}
	ch := make(chan iouring.Result, 1)
	if _, err := d.iour.SubmitRequest(req, ch); err != nil {
		unix.Close(fd)
		go fn(nil, err)
		return
	}
	go func() {
		select {
		case result := <-ch:
			if _, err := result.ReturnInt(); err != nil {
				unix.Close(fd)
				fn(nil, err)
				return
			}
			fn(&iouringConn{d: d, fd: fd}, nil)
		case <-ctx.Done():
			unix.Close(fd)
			fn(nil, ctx.Err())
		}
	}()
}

func (d *iouringDriver) close() error {
	return d.iour.Close()
}

type iouringConn struct {
	d      *iouringDriver
	fd     int
	closed atomic.Bool
}

func (c *iouringConn) startReading(bufSize int, fn func(data []byte, err error)) {
	go func() {
		buf := make([]byte, bufSize)
		for {
			ch := make(chan iouring.Result, 1)
			if _, err := c.d.iour.SubmitRequest(iouring.Recv(c.fd, buf, 0), ch); err != nil {
				fn(nil, err)
				return
			}
			result := <-ch
			n, err := result.ReturnInt()
			if err != nil {
				fn(nil, err)
				return
			}
			if n == 0 {
				fn(nil, io.EOF)
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			fn(data, nil)
		}
	}()
}

func (c *iouringConn) write(data []byte, fn func(err error)) {
	go func() {
		total := 0
		for total < len(data) {
			ch := make(chan iouring.Result, 1)
			if _, err := c.d.iour.SubmitRequest(iouring.Send(c.fd, data[total:], 0), ch); err != nil {
				fn(err)
				return
			}
			result := <-ch
			n, err := result.ReturnInt()
			if err != nil {
				fn(err)
				return
			}
			if n <= 0 {
				fn(io.ErrClosedPipe)
				return
			}
			total += n
		}
		fn(nil)
	}()
}

func (c *iouringConn) localAddr() netip.AddrPort { return localAddrOf(c.fd) }

func (c *iouringConn) close() error { return closeStream(c.fd, &c.closed) }
