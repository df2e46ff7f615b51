package loop

import (
	"context"
	stderrors "errors"
	"io"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
)

func newTestLoop(t *testing.T, driver string) *EventLoop {
	t.Helper()
	l, err := New(WithDriver(driver), WithSink(diag.Discard()))
	if err != nil {
		t.Fatalf("New(%q): %v", driver, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		l.Shutdown()
	})
	return l
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(WithDriver("carrier-pigeon"))
	if err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
	if got := httperrors.TypeOf(err); got != httperrors.ErrorInvalidArgument {
		t.Errorf("error type = %v, want InvalidArgument", got)
	}
}

func TestDriversIncludesDefault(t *testing.T) {
	for _, name := range Drivers() {
		if name == DefaultDriver {
			return
		}
	}
	t.Fatalf("Drivers() = %v, missing %q", Drivers(), DefaultDriver)
}

func TestFormatAddr(t *testing.T) {
	if got := FormatAddr(netip.AddrPort{}); got != "<invalid>" {
		t.Errorf("FormatAddr(zero) = %q", got)
	}
	if got := FormatAddr(netip.MustParseAddrPort("127.0.0.1:8080")); got != "127.0.0.1:8080" {
		t.Errorf("FormatAddr = %q", got)
	}
}

// TestEchoRoundTrip accepts one connection, echoes what it reads and closes
// on EOF, driving both ends through the loop.
func TestEchoRoundTrip(t *testing.T) {
	l := newTestLoop(t, DefaultDriver)

	type result struct {
		got []byte
		err error
	}
	results := make(chan result, 1)

	l.Post(func() {
		fail := func(err error) { results <- result{err: err} }

		srv, err := l.TCPInit()
		if err != nil {
			fail(err)
			return
		}
		if err := l.Bind(srv, netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
			fail(err)
			return
		}
		addr, err := l.LocalAddr(srv)
		if err != nil {
			fail(err)
			return
		}
		err = l.Listen(srv, 16, func(err error) {
			if err != nil {
				fail(err)
				return
			}
			peer, _ := l.TCPInit()
			if err := l.Accept(srv, peer); err != nil {
				fail(err)
				return
			}
			l.ReadStart(peer, func(data []byte, err error) {
				if err != nil {
					l.Close(peer, nil)
					return
				}
				echo := append([]byte(nil), data...)
				l.Write(peer, echo, func(error) {})
			})
		})
		if err != nil {
			fail(err)
			return
		}

		cli, _ := l.TCPInit()
		want := []byte("ping over the loop")
		err = l.Connect(cli, addr, func(err error) {
			if err != nil {
				fail(err)
				return
			}
			var got []byte
			l.ReadStart(cli, func(data []byte, err error) {
				if err != nil {
					fail(err)
					return
				}
				got = append(got, data...)
				if len(got) >= len(want) {
					l.Close(cli, func() {
						l.Close(srv, func() { results <- result{got: got} })
					})
				}
			})
			l.Write(cli, want, func(err error) {
				if err != nil {
					fail(err)
				}
			})
		})
		if err != nil {
			fail(err)
		}
	})

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("echo failed: %v", r.err)
		}
		if string(r.got) != "ping over the loop" {
			t.Fatalf("echo = %q", r.got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

// On the default driver the socket listens from Bind on, so an address
// conflict surfaces there and Listen only starts accepting.
func TestDefaultDriverConflictFailsAtBind(t *testing.T) {
	l := newTestLoop(t, DefaultDriver)
	errs := make(chan error, 2)

	l.Post(func() {
		first, _ := l.TCPInit()
		if err := l.Bind(first, netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
			errs <- err
			errs <- nil
			return
		}
		defer l.Close(first, nil)
		addr, _ := l.LocalAddr(first)
		second, _ := l.TCPInit()
		errs <- l.Bind(second, addr)
		errs <- l.Listen(first, 1, func(error) {})
	})

	var he *httperrors.HttpError
	if err := <-errs; !stderrors.As(err, &he) || he.LoopErr != httperrors.LoopErrorBind || !stderrors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("second Bind = %v, want address in use", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("Listen = %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	l := newTestLoop(t, DefaultDriver)
	errs := make(chan error, 1)

	l.Post(func() {
		// bind and close a listener to find a port nobody answers on
		probe, _ := l.TCPInit()
		if err := l.Bind(probe, netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
			errs <- err
			return
		}
		addr, _ := l.LocalAddr(probe)
		l.Close(probe, func() {
			cli, _ := l.TCPInit()
			if err := l.Connect(cli, addr, func(err error) { errs <- err }); err != nil {
				errs <- err
			}
		})
	})

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("connect to a closed port succeeded")
		}
		var he *httperrors.HttpError
		if !stderrors.As(err, &he) || he.LoopErr != httperrors.LoopErrorConnect {
			t.Fatalf("err = %v, want a connect loop error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
}

func TestCloseCancelsPendingWrites(t *testing.T) {
	l := newTestLoop(t, DefaultDriver)
	order := make(chan string, 8)

	l.Post(func() {
		srv, _ := l.TCPInit()
		l.Bind(srv, netip.MustParseAddrPort("127.0.0.1:0"))
		addr, _ := l.LocalAddr(srv)
		l.Listen(srv, 4, func(error) {})
		cli, _ := l.TCPInit()
		l.Connect(cli, addr, func(err error) {
			if err != nil {
				order <- "connect-error"
				return
			}
			big := make([]byte, 8<<20)
			l.Write(cli, big, func(error) { order <- "write1" })
			l.Write(cli, []byte("tail"), func(error) { order <- "write2" })
			l.Close(cli, func() {
				order <- "closed"
				l.Close(srv, nil)
			})
		})
	})

	var seen []string
	timeout := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case s := <-order:
			seen = append(seen, s)
		case <-timeout:
			t.Fatalf("timed out; saw %v", seen)
		}
	}
	if seen[len(seen)-1] != "closed" {
		t.Fatalf("close callback ran before write callbacks: %v", seen)
	}
}

func TestReadStopStashes(t *testing.T) {
	l := newTestLoop(t, DefaultDriver)
	got := make(chan []byte, 1)

	l.Post(func() {
		srv, _ := l.TCPInit()
		l.Bind(srv, netip.MustParseAddrPort("127.0.0.1:0"))
		addr, _ := l.LocalAddr(srv)
		l.Listen(srv, 4, func(err error) {
			peer, _ := l.TCPInit()
			if l.Accept(srv, peer) != nil {
				return
			}
			var buf []byte
			l.ReadStart(peer, func(data []byte, err error) {
				if err == io.EOF {
					got <- buf
					l.Close(peer, nil)
					l.Close(srv, nil)
					return
				}
				buf = append(buf, data...)
				l.ReadStop(peer)
				l.StartTimer(20*time.Millisecond, func() {
					l.ReadStart(peer, func(data []byte, err error) {
						if err != nil {
							got <- buf
							l.Close(peer, nil)
							l.Close(srv, nil)
							return
						}
						buf = append(buf, data...)
					})
				})
			})
		})
		cli, _ := l.TCPInit()
		l.Connect(cli, addr, func(err error) {
			if err != nil {
				return
			}
			l.Write(cli, []byte("first"), func(error) {
				l.Write(cli, []byte("second"), func(error) {
					l.Close(cli, nil)
				})
			})
		})
	})

	select {
	case b := <-got:
		if string(b) != "firstsecond" {
			t.Fatalf("received %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestTimerStop(t *testing.T) {
	l := newTestLoop(t, DefaultDriver)
	fired := make(chan string, 2)
	l.Post(func() {
		stopped := l.StartTimer(10*time.Millisecond, func() { fired <- "stopped" })
		if !stopped.Stop() {
			fired <- "stop-failed"
		}
		l.StartTimer(30*time.Millisecond, func() { fired <- "kept" })
	})
	select {
	case s := <-fired:
		if s != "kept" {
			t.Fatalf("first timer result %q", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestResolveLiteral(t *testing.T) {
	addrs, err := lookup(context.Background(), "127.0.0.1", "8080")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddrPort("127.0.0.1:8080") {
		t.Fatalf("lookup = %v", addrs)
	}
	if _, err := lookup(context.Background(), "127.0.0.1", "no-such-service-xyz"); err == nil {
		t.Fatal("expected unknown service error")
	}
}
