// Package metrics exposes Prometheus collectors for the engine: connections,
// transactions, pending operations, bytes moved and parse failures.
//
// Every method is safe to call on a nil *Metrics, so components take an
// optional collector set without branching.
package metrics

import (
	"time"

	httperrors "github.com/nczempin/httploop/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sides label which engine a sample came from.
const (
	SideServer = "server"
	SideClient = "client"
)

// Outcomes label how a transaction ended.
const (
	OutcomeOK = "ok"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "httploop").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for transaction duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "httploop",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the engine's collectors.
type Metrics struct {
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	pendingOps          *prometheus.GaugeVec
	bytesRead           *prometheus.CounterVec
	bytesWritten        *prometheus.CounterVec
	parseErrors         *prometheus.CounterVec
}

// New registers the collectors with the configured registry. Registering the
// same namespace twice on one registry panics, as promauto does.
func New(opts ...Option) *Metrics {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_total",
			Help:        "Total number of connections opened",
			ConstLabels: config.ConstLabels,
		}, []string{"side"}),

		connectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Number of connections not yet closed",
			ConstLabels: config.ConstLabels,
		}, []string{"side"}),

		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transactions_total",
			Help:        "Total number of request/response exchanges by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"side", "outcome"}),

		transactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transaction_duration_seconds",
			Help:        "Time from request to completed response in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"side"}),

		pendingOps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_operations",
			Help:        "Asynchronous operations in flight per counter",
			ConstLabels: config.ConstLabels,
		}, []string{"counter"}),

		bytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "read_bytes_total",
			Help:        "Total bytes read from connections",
			ConstLabels: config.ConstLabels,
		}, []string{"side"}),

		bytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "written_bytes_total",
			Help:        "Total bytes written to connections",
			ConstLabels: config.ConstLabels,
		}, []string{"side"}),

		parseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "parse_errors_total",
			Help:        "Total HTTP framing failures by errno",
			ConstLabels: config.ConstLabels,
		}, []string{"side", "errno"}),
	}
}

// ConnectionOpened counts a connection entering service.
func (m *Metrics) ConnectionOpened(side string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(side).Inc()
	m.connectionsActive.WithLabelValues(side).Inc()
}

// ConnectionClosed counts a connection whose handle was released.
func (m *Metrics) ConnectionClosed(side string) {
	if m == nil {
		return
	}
	m.connectionsActive.WithLabelValues(side).Dec()
}

// Transaction records one finished exchange.
func (m *Metrics) Transaction(side string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(side, Outcome(err)).Inc()
	m.transactionDuration.WithLabelValues(side).Observe(elapsed.Seconds())
}

// PendingGauge returns the gauge mirroring the named pending counter, or nil.
func (m *Metrics) PendingGauge(name string) prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.pendingOps.WithLabelValues(name)
}

func (m *Metrics) BytesRead(side string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.WithLabelValues(side).Add(float64(n))
}

func (m *Metrics) BytesWritten(side string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.WithLabelValues(side).Add(float64(n))
}

// ParseError counts a framing failure.
func (m *Metrics) ParseError(side string, err *httperrors.HttpError) {
	if m == nil || err == nil {
		return
	}
	m.parseErrors.WithLabelValues(side, err.ParseErrno.String()).Inc()
}

// Outcome maps a completion error to its label value.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	switch httperrors.TypeOf(err) {
	case httperrors.ErrorLoop:
		return "loop"
	case httperrors.ErrorProtocol:
		return "protocol"
	case httperrors.ErrorInvalidArgument:
		return "invalid_argument"
	case httperrors.ErrorHandler:
		return "handler"
	case httperrors.ErrorClosed:
		return "closed"
	case httperrors.ErrorInternal:
		return "internal"
	}
	return "other"
}
