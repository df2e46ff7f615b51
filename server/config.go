package server

import (
	"net/netip"
	"strconv"

	"github.com/nczempin/httploop/diag"
	httperrors "github.com/nczempin/httploop/errors"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/telemetry"
)

const (
	DefaultHost    = "0.0.0.0"
	DefaultPort    = 80
	DefaultBacklog = 128
)

// Config configures a Server.
type Config struct {
	// Host is the address to listen on (default: "0.0.0.0").
	Host string

	// Port is the TCP port (default: 80). 0 picks an ephemeral port.
	Port int

	// Backlog is the listen queue length (default: 128).
	Backlog int

	// Sink receives logs and invariant violations. Default: slog.Default().
	Sink *diag.Sink

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Tracer is optional.
	Tracer *telemetry.Tracer

	// Registry, when set, tracks live connections and transactions.
	Registry *registry.Registry
}

// Option configures a Server.
type Option func(*Config)

// WithHost sets the listen address.
func WithHost(host string) Option {
	return func(c *Config) {
		c.Host = host
	}
}

// WithPort sets the listen port.
func WithPort(port int) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithBacklog sets the listen queue length.
func WithBacklog(backlog int) Option {
	return func(c *Config) {
		c.Backlog = backlog
	}
}

// WithSink sets the diagnostics sink.
func WithSink(sink *diag.Sink) Option {
	return func(c *Config) {
		c.Sink = sink
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the span source.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}

// WithRegistry sets the live-object registry.
func WithRegistry(r *registry.Registry) Option {
	return func(c *Config) {
		c.Registry = r
	}
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Backlog: DefaultBacklog,
	}
}

func (c Config) listenAddr() (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(c.Host)
	if err != nil {
		return netip.AddrPort{}, &httperrors.HttpError{
			Type:          httperrors.ErrorInvalidArgument,
			Message:       "invalid listen host " + strconv.Quote(c.Host),
			UnderlyingErr: err,
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return netip.AddrPort{}, httperrors.NewInvalidArgumentError("invalid port " + strconv.Itoa(c.Port))
	}
	if c.Backlog <= 0 {
		return netip.AddrPort{}, httperrors.NewInvalidArgumentError("backlog must be positive")
	}
	return netip.AddrPortFrom(ip, uint16(c.Port)), nil
}
