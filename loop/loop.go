// Package loop defines the capability the engine runs on: non-blocking TCP
// handles, timers and name resolution, all completing through callbacks on a
// single goroutine. EventLoop is the production implementation; the looptest
// package provides a scriptable double.
package loop

import (
	"net/netip"
	"time"
)

// TCP is an opaque stream or listener handle owned by a Loop.
type TCP interface {
	ID() uint64
}

// ConnectionFunc is called once per pending inbound connection on a listener,
// or with an error when the listener fails.
type ConnectionFunc func(err error)

// ConnectFunc reports the outcome of Connect.
type ConnectFunc func(err error)

// ReadFunc receives stream data. err is io.EOF at end of stream. data is only
// valid during the call.
type ReadFunc func(data []byte, err error)

// WriteFunc reports the outcome of one Write.
type WriteFunc func(err error)

// CloseFunc runs once the handle has released its resources.
type CloseFunc func()

// ResolveFunc receives the resolved addresses.
type ResolveFunc func(addrs []netip.AddrPort, err error)

// Timer is a pending StartTimer callback.
type Timer interface {
	// Stop cancels the timer and reports whether it had not fired yet.
	Stop() bool
}

// Loop is the asynchronous I/O capability. Every callback runs on the loop
// goroutine, and no callback runs from inside the call that registered it.
//
// A handle returned by TCPInit that never acquired resources (its Bind or
// Connect failed synchronously, or it was never used) may be dropped without
// Close. Any other handle must be closed exactly once.
type Loop interface {
	TCPInit() (TCP, error)
	Bind(h TCP, addr netip.AddrPort) error
	// Listen starts accepting on a bound handle. Drivers built on the
	// standard library listener bind and listen in one step, so for them
	// address conflicts surface from Bind, backlog is the system default and
	// Listen fails only on handle misuse.
	Listen(h TCP, backlog int, onConnection ConnectionFunc) error
	// Accept moves one pending connection from server onto client, a fresh
	// handle from TCPInit.
	Accept(server, client TCP) error
	Connect(h TCP, addr netip.AddrPort, cb ConnectFunc) error
	ReadStart(h TCP, cb ReadFunc) error
	ReadStop(h TCP) error
	// Write queues data. Writes on one handle complete in order. data must
	// not be modified until cb runs.
	Write(h TCP, data []byte, cb WriteFunc) error
	// Close releases h. Pending connect and write callbacks fire with a
	// closed error before cb.
	Close(h TCP, cb CloseFunc)
	LocalAddr(h TCP) (netip.AddrPort, error)

	StartTimer(d time.Duration, cb func()) Timer
	Resolve(host, service string, cb ResolveFunc) error

	// Post schedules fn on the loop goroutine. Safe from any goroutine.
	Post(fn func())
}

// FormatAddr renders addr the way it appears in logs and Host headers.
func FormatAddr(addr netip.AddrPort) string {
	if !addr.IsValid() {
		return "<invalid>"
	}
	return addr.String()
}
