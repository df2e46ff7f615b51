package client

import (
	"github.com/nczempin/httploop/diag"
	"github.com/nczempin/httploop/internal/registry"
	"github.com/nczempin/httploop/metrics"
	"github.com/nczempin/httploop/telemetry"
)

// Config configures a Client. There are no protocol options; every field is
// ambient.
type Config struct {
	// Sink receives logs and invariant violations. Default: slog.Default().
	Sink *diag.Sink

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Tracer is optional.
	Tracer *telemetry.Tracer

	// Registry, when set, tracks live connections and transactions.
	Registry *registry.Registry
}

// Option configures a Client.
type Option func(*Config)

func WithSink(sink *diag.Sink) Option {
	return func(c *Config) {
		c.Sink = sink
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Config) {
		c.Tracer = t
	}
}

func WithRegistry(r *registry.Registry) Option {
	return func(c *Config) {
		c.Registry = r
	}
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{}
}
