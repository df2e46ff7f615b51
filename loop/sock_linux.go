//go:build linux

package loop

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

func sockaddrOf(addr netip.AddrPort) (unix.Sockaddr, int) {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}, unix.AF_INET6
}

// syscallSockaddrOf is sockaddrOf for APIs taking the syscall package's type.
func syscallSockaddrOf(addr netip.AddrPort) syscall.Sockaddr {
	ip := addr.Addr().Unmap()
	if ip.Is4() {
		return &syscall.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}
	}
	return &syscall.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

func addrOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func localAddrOf(fd int) netip.AddrPort {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrOf(sa)
}

// streamSocket creates a TCP socket for addr's family.
func streamSocket(addr netip.AddrPort, nonblock bool) (int, unix.Sockaddr, error) {
	sa, domain := sockaddrOf(addr)
	typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return -1, nil, err
	}
	return fd, sa, nil
}

func setNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// fdListener is a blocking listening socket whose accept loop runs on its own
// goroutine. Both io_uring drivers use it.
type fdListener struct {
	fd       int
	local    netip.AddrPort
	closed   atomic.Bool
	nonblock bool
	wrap     func(fd int) conn
}

func bindListener(addr netip.AddrPort, nonblock bool, wrap func(fd int) conn) (*fdListener, error) {
	fd, sa, err := streamSocket(addr, false)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &fdListener{fd: fd, local: localAddrOf(fd), nonblock: nonblock, wrap: wrap}, nil
}

func (l *fdListener) listen(backlog int, fn func(c conn, err error)) error {
	if err := unix.Listen(l.fd, backlog); err != nil {
		return err
	}
	go func() {
		for {
			flags := unix.SOCK_CLOEXEC
			if l.nonblock {
				flags |= unix.SOCK_NONBLOCK
			}
			nfd, _, err := unix.Accept4(l.fd, flags)
			if err != nil {
				if l.closed.Load() {
					return
				}
				if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
					continue
				}
				fn(nil, err)
				return
			}
			setNoDelay(nfd)
			fn(l.wrap(nfd), nil)
		}
	}()
	return nil
}

func (l *fdListener) addr() netip.AddrPort { return l.local }

// close shuts the socket down first so a blocked accept returns.
func (l *fdListener) close() error {
	if l.closed.Swap(true) {
		return nil
	}
	unix.Shutdown(l.fd, unix.SHUT_RDWR)
	return unix.Close(l.fd)
}

// closeStream shuts fd down so in-flight ring reads complete, then closes it.
func closeStream(fd int, closed *atomic.Bool) error {
	if closed.Swap(true) {
		return nil
	}
	unix.Shutdown(fd, unix.SHUT_RDWR)
	return unix.Close(fd)
}
