// Package counter tracks asynchronous operations in flight so that owners
// know when teardown is safe.
package counter

import (
	"github.com/nczempin/httploop/diag"
	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a count of outstanding operations.
type Counter interface {
	Increment()
	Decrement()
	Value() int
}

// PendingOps is the production Counter. It is not safe for concurrent use;
// every mutation happens on the loop goroutine.
type PendingOps struct {
	name   string
	sink   *diag.Sink
	value  int
	onZero func()
	gauge  prometheus.Gauge
}

// Option configures a PendingOps.
type Option func(*PendingOps)

// WithOnZero sets the callback fired on every 1 -> 0 transition.
func WithOnZero(fn func()) Option {
	return func(p *PendingOps) { p.onZero = fn }
}

// WithGauge mirrors the value into g.
func WithGauge(g prometheus.Gauge) Option {
	return func(p *PendingOps) { p.gauge = g }
}

// New returns a counter at zero. The on-zero callback never fires here.
func New(name string, sink *diag.Sink, opts ...Option) *PendingOps {
	p := &PendingOps{name: name, sink: sink}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the label given at construction.
func (p *PendingOps) Name() string { return p.name }

func (p *PendingOps) Increment() {
	p.value++
	if p.gauge != nil {
		p.gauge.Inc()
	}
}

// Decrement lowers the count. Decrementing at zero is an invariant violation.
func (p *PendingOps) Decrement() {
	if p.value == 0 {
		p.sink.Fatalf("pending counter %q decremented below zero", p.name)
		return
	}
	p.value--
	if p.gauge != nil {
		p.gauge.Dec()
	}
	if p.value == 0 && p.onZero != nil {
		p.onZero()
	}
}

func (p *PendingOps) Value() int { return p.value }

// Splitter forwards every update to two counters, first then second.
type Splitter struct {
	first, second Counter
}

// Split returns a Counter updating both a and b.
func Split(a, b Counter) *Splitter {
	return &Splitter{first: a, second: b}
}

func (s *Splitter) Increment() {
	s.first.Increment()
	s.second.Increment()
}

func (s *Splitter) Decrement() {
	s.first.Decrement()
	s.second.Decrement()
}

// Value reports the first counter's value.
func (s *Splitter) Value() int { return s.first.Value() }
