package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsPublished.WithLabelValues("comment.created", ResultOK).Inc()
	m.SweepRemoved.Add(3)

	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues("comment.created", ResultOK)); got != 1 {
		t.Fatalf("expected 1 published, got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepRemoved); got != 3 {
		t.Fatalf("expected 3 removed, got %v", got)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n == 0 {
		t.Fatal("expected registered metrics")
	}
}

func TestNewUnregistered_Independent(t *testing.T) {
	a := NewUnregistered()
	b := NewUnregistered()
	a.SweepRemoved.Inc()
	if testutil.ToFloat64(b.SweepRemoved) != 0 {
		t.Fatal("expected separate registries")
	}
}
