package loop

import (
	"context"
	"net/netip"
)

// driver is an I/O backend. Its callbacks run on driver goroutines; the
// EventLoop posts them back onto the loop goroutine.
type driver interface {
	bind(addr netip.AddrPort) (acceptor, error)
	dial(ctx context.Context, addr netip.AddrPort, fn func(c conn, err error))
	close() error
}

// acceptor is a bound listening socket.
type acceptor interface {
	// listen starts accepting. fn runs once per accepted connection.
	listen(backlog int, fn func(c conn, err error)) error
	addr() netip.AddrPort
	close() error
}

// conn is one established stream.
type conn interface {
	// startReading reads until error or EOF. fn owns each data slice.
	startReading(bufSize int, fn func(data []byte, err error))
	// write writes all of data. Calls are never concurrent.
	write(data []byte, fn func(err error))
	localAddr() netip.AddrPort
	close() error
}

type driverFactory func(cfg Config) (driver, error)

var drivers = map[string]driverFactory{
	"gaio": newGaioDriver,
}
