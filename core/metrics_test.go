package core

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNodeMetricsRecordCounters(t *testing.T) {
	m := NewNodeMetrics(nil, nil, nil, nil)

	m.RecordConfirmation()
	m.RecordConfirmation()
	m.RecordError()

	if got := testutil.ToFloat64(m.confirmedCounter); got != 2 {
		t.Fatalf("confirmed counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.errorCounter); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}
}

func TestNodeMetricsSampleWithNilSources(t *testing.T) {
	m := NewNodeMetrics(nil, nil, nil, nil)
	// Every source is nil; Sample must still update the runtime gauges
	// without panicking on a nil ledger/node/elections/weights.
	m.Sample()

	if testutil.ToFloat64(m.memAllocGauge) <= 0 {
		t.Fatalf("memAllocGauge should be positive after Sample")
	}
	if testutil.ToFloat64(m.goroutinesGauge) <= 0 {
		t.Fatalf("goroutinesGauge should be positive after Sample")
	}
	if got := testutil.ToFloat64(m.blockCountGauge); got != 0 {
		t.Fatalf("blockCountGauge with a nil ledger = %v, want 0", got)
	}
}

func TestNodeMetricsSampleWiredToLedgerAndElections(t *testing.T) {
	l, _ := newTestLedger(t)
	ae := NewActiveElections(l, 10)
	weights := NewOnlineWeightSampler(l, l.store)
	if err := weights.Sample(time.Now()); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	m := NewNodeMetrics(l, nil, ae, weights)
	m.Sample()

	if got := testutil.ToFloat64(m.blockCountGauge); got != 1 {
		t.Fatalf("blockCountGauge after genesis seeding = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeElectionGauge); got != 0 {
		t.Fatalf("activeElectionGauge with no elections = %v, want 0", got)
	}
}
