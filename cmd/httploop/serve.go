package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nczempin/httploop/client"
	"github.com/nczempin/httploop/handler"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/loop"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/protocol"
	"github.com/nczempin/httploop/server"
	"github.com/nczempin/httploop/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	host            string
	port            int
	backlog         int
	routes          []string
	proxies         []string
	delay           time.Duration
	notFound        string
	adminAddr       string
	shutdownTimeout time.Duration
}

func serveCmd(g *globalOptions) *cobra.Command {
	o := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve static and proxied routes",
		Long: `Serve answers requests by exact path.

Examples:
  httploop serve --port 8080 --route '/json={"hello":"world"}'
  httploop serve --route /slow=done --delay 500ms
  httploop serve --proxy /api=http://127.0.0.1:9000 --admin-addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, &o)
		},
	}

	cmd.Flags().StringVarP(&o.host, "host", "H", server.DefaultHost, "Address to listen on")
	cmd.Flags().IntVarP(&o.port, "port", "p", server.DefaultPort, "Port to listen on")
	cmd.Flags().IntVar(&o.backlog, "backlog", server.DefaultBacklog, "Listen backlog")
	cmd.Flags().StringArrayVar(&o.routes, "route", nil, "Static route PATH=BODY (repeatable)")
	cmd.Flags().StringArrayVar(&o.proxies, "proxy", nil, "Forward PATH to upstream base URL, PATH=URL (repeatable)")
	cmd.Flags().DurationVar(&o.delay, "delay", 0, "Delay static responses by this long")
	cmd.Flags().StringVar(&o.notFound, "not-found", "", "Body of a 404 for unrouted paths (default: close the connection)")
	cmd.Flags().StringVar(&o.adminAddr, "admin-addr", "", "Serve /metrics and /debug/live on this address")
	cmd.Flags().DurationVar(&o.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Give up on a clean shutdown after this long")

	return cmd
}

// splitAssignment splits "PATH=VALUE".
func splitAssignment(flag, s string) (path, value string, err error) {
	path, value, ok := strings.Cut(s, "=")
	if !ok || !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("invalid --%s %q: want /path=value", flag, s)
	}
	return path, value, nil
}

// buildRouter maps every --route and --proxy. upstream is only used when
// there are proxies.
func buildRouter(l loop.Loop, o *serveOptions, upstream handler.Handler) (*handler.PathRouter, error) {
	r := handler.NewPathRouter()
	for _, arg := range o.routes {
		path, body, err := splitAssignment("route", arg)
		if err != nil {
			return nil, err
		}
		var h handler.Handler = handler.Static(200, []byte(body), contentTypeFor(body))
		if o.delay > 0 {
			h = handler.Delayed(l, o.delay, h)
		}
		r.Handle(path, h)
	}
	for _, arg := range o.proxies {
		path, base, err := splitAssignment("proxy", arg)
		if err != nil {
			return nil, err
		}
		h, err := handler.Forward(upstream, base)
		if err != nil {
			return nil, fmt.Errorf("invalid --proxy %q: %w", arg, err)
		}
		r.Handle(path, h)
	}
	if o.notFound != "" {
		r.SetDefault(handler.Static(404, []byte(o.notFound), contentTypeFor(o.notFound)))
	}
	return r, nil
}

func contentTypeFor(body string) protocol.Header {
	if strings.HasPrefix(strings.TrimSpace(body), "{") {
		return protocol.Header{Key: "Content-Type", Value: "application/json"}
	}
	return protocol.Header{Key: "Content-Type", Value: "text/plain; charset=utf-8"}
}

func runServe(ctx context.Context, g *globalOptions, o *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sink, err := g.sink()
	if err != nil {
		return err
	}
	log := sink.Logger()

	l, err := g.newLoop(sink)
	if err != nil {
		return err
	}
	defer l.Shutdown()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.WithRegistry(promReg))
	live := registry.New()
	tracer := telemetry.New("github.com/nczempin/httploop")

	// Nothing runs callbacks before Run, so this goroutine may build on the
	// loop until then.
	var (
		cli       *client.Client
		upstream  handler.Handler
		remaining int
	)
	destroyed := func() {
		remaining--
		if remaining == 0 {
			l.Stop()
		}
	}

	if len(o.proxies) > 0 {
		cli, err = client.Create(l,
			client.WithSink(sink), client.WithMetrics(m), client.WithTracer(tracer), client.WithRegistry(live))
		if err != nil {
			return err
		}
		remaining++
		if err := cli.InitAsync(destroyed); err != nil {
			return err
		}
		upstream = cli
	}
	router, err := buildRouter(l, o, upstream)
	if err != nil {
		return err
	}

	srv, err := server.Create(l, router,
		server.WithHost(o.host), server.WithPort(o.port), server.WithBacklog(o.backlog),
		server.WithSink(sink), server.WithMetrics(m), server.WithTracer(tracer), server.WithRegistry(live))
	if err != nil {
		return err
	}
	remaining++
	if err := srv.InitAsync(destroyed); err != nil {
		srv.Release()
		if cli != nil {
			cli.Release()
		}
		_ = l.Run(context.Background())
		return err
	}
	log.Info("serving", "addr", loop.FormatAddr(srv.Addr()), "routes", router.Paths())

	var admin *http.Server
	if o.adminAddr != "" {
		admin = &http.Server{Addr: o.adminAddr, Handler: adminRouter(promReg, live, l), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", "addr", o.adminAddr, "error", err)
			}
		}()
		log.Info("admin listening", "addr", o.adminAddr)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		log.Info("shutting down")
		l.Post(func() {
			srv.Release()
			if cli != nil {
				cli.Release()
			}
		})
		time.AfterFunc(o.shutdownTimeout, func() {
			log.Warn("shutdown timed out")
			l.Stop()
		})
	}()

	runErr := l.Run(context.Background())

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin shutdown", "error", err)
		}
	}
	return runErr
}
