package httpapi

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.NewRegistry())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetrics_RecordMessageSentIncrementsByMode(t *testing.T) {
	m := newTestMetrics()
	m.RecordMessageSent("atMostOnce")
	m.RecordMessageSent("atMostOnce")
	m.RecordMessageSent("redelivered")

	if got := counterValue(t, m.messagesSent.WithLabelValues("atMostOnce")); got != 2 {
		t.Fatalf("expected 2 atMostOnce sends, got %v", got)
	}
	if got := counterValue(t, m.messagesSent.WithLabelValues("redelivered")); got != 1 {
		t.Fatalf("expected 1 redelivered send, got %v", got)
	}
}

func TestMetrics_RecordDuplicate(t *testing.T) {
	m := newTestMetrics()
	m.RecordDuplicate()
	m.RecordDuplicate()

	if got := counterValue(t, m.messageDuplicates); got != 2 {
		t.Fatalf("expected 2 duplicates, got %v", got)
	}
}

func TestMetrics_RecordLockBusyByResourceKind(t *testing.T) {
	m := newTestMetrics()
	m.RecordLockBusy("room")
	m.RecordLockBusy("sidetap")
	m.RecordLockBusy("room")

	if got := counterValue(t, m.lockContention.WithLabelValues("room")); got != 2 {
		t.Fatalf("expected 2 room lock conflicts, got %v", got)
	}
}

func TestMetrics_RefreshWorkerGaugesSetsLatestValues(t *testing.T) {
	m := newTestMetrics()
	m.RefreshWorkerGauges([]WorkerSnapshot{
		{Pid: "100", CPUPercent: 12.5, Routers: 3},
		{Pid: "101", CPUPercent: 0, Routers: 0},
	})

	gauge := &dto.Metric{}
	if err := m.workerCPUPercent.WithLabelValues("100").Write(gauge); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := gauge.GetGauge().GetValue(); got != 12.5 {
		t.Fatalf("expected cpu percent 12.5, got %v", got)
	}
}
