package metrics

import (
	"errors"
	"testing"
	"time"

	httperrors "github.com/nczempin/httploop/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	if m.Gauge == nil {
		t.Fatal("expected gauge metric to have Gauge field")
	}
	return m.GetGauge().GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened(SideServer)
	m.ConnectionClosed(SideServer)
	m.Transaction(SideClient, nil, time.Millisecond)
	m.BytesRead(SideClient, 10)
	m.BytesWritten(SideClient, 10)
	m.ParseError(SideServer, httperrors.NewParseError(httperrors.ParseInvalidMethod, "bad", nil))
	if g := m.PendingGauge("x"); g != nil {
		t.Fatalf("PendingGauge on nil metrics = %v", g)
	}
}

func TestConnectionsAndTransactions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.ConnectionOpened(SideServer)
	m.ConnectionOpened(SideServer)
	m.ConnectionClosed(SideServer)

	if got := metricCounterValue(t, m.connectionsTotal.WithLabelValues(SideServer)); got != 2 {
		t.Errorf("connections_total = %v, want 2", got)
	}
	if got := metricGaugeValue(t, m.connectionsActive.WithLabelValues(SideServer)); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}

	m.Transaction(SideClient, nil, 5*time.Millisecond)
	m.Transaction(SideClient, httperrors.NewClosedError("connection closed", nil), time.Millisecond)
	if got := metricCounterValue(t, m.transactionsTotal.WithLabelValues(SideClient, OutcomeOK)); got != 1 {
		t.Errorf("ok transactions = %v, want 1", got)
	}
	if got := metricCounterValue(t, m.transactionsTotal.WithLabelValues(SideClient, "closed")); got != 1 {
		t.Errorf("closed transactions = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "test_transaction_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("duration histogram not registered under the namespace")
	}
}

func TestBytesAndParseErrors(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()))
	m.BytesRead(SideServer, 100)
	m.BytesRead(SideServer, 0)
	m.BytesWritten(SideServer, 42)
	m.ParseError(SideServer, httperrors.NewParseError(httperrors.ParseInvalidMethod, "bad", nil))

	if got := metricCounterValue(t, m.bytesRead.WithLabelValues(SideServer)); got != 100 {
		t.Errorf("read bytes = %v", got)
	}
	if got := metricCounterValue(t, m.bytesWritten.WithLabelValues(SideServer)); got != 42 {
		t.Errorf("written bytes = %v", got)
	}
	errno := httperrors.ParseInvalidMethod.String()
	if got := metricCounterValue(t, m.parseErrors.WithLabelValues(SideServer, errno)); got != 1 {
		t.Errorf("parse errors = %v", got)
	}
}

func TestPendingGauge(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()), WithConstLabels(prometheus.Labels{"instance": "a"}))
	g := m.PendingGauge("server_connections")
	g.Inc()
	g.Inc()
	g.Dec()
	if got := metricGaugeValue(t, g); got != 1 {
		t.Fatalf("pending gauge = %v, want 1", got)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{httperrors.NewLoopError(httperrors.LoopErrorWrite, "w", nil), "loop"},
		{httperrors.NewParseError(httperrors.ParseInvalidMethod, "p", nil), "protocol"},
		{httperrors.NewInvalidArgumentError("a"), "invalid_argument"},
		{httperrors.NewHandlerError("h", nil), "handler"},
		{httperrors.NewInternalError("i"), "internal"},
		{errors.New("plain"), "other"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
