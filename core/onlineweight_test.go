package core

import (
	"testing"
	"time"
)

func TestOnlineWeightSamplerSampleAndMedian(t *testing.T) {
	l, gc := newTestLedger(t)
	s := NewOnlineWeightSampler(l, l.store)

	now := time.Unix(1700000000, 0)
	if err := s.Sample(now); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	median, err := s.Median()
	if err != nil {
		t.Fatalf("Median: %v", err)
	}
	if median != gc.MaxBalance {
		t.Fatalf("Median after a single sample = %s, want the full genesis supply %s", median.Hex(), gc.MaxBalance.Hex())
	}
	if s.OnlineWeight() != median {
		t.Fatalf("OnlineWeight() should match Median()")
	}
}

func TestOnlineWeightSamplerWeightDelegatesToLedger(t *testing.T) {
	l, gc := newTestLedger(t)
	s := NewOnlineWeightSampler(l, l.store)

	got, err := s.Weight(gc.GenesisAccount)
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}
	if got != gc.MaxBalance {
		t.Fatalf("Weight(genesis) = %s, want %s", got.Hex(), gc.MaxBalance.Hex())
	}
}

func TestOnlineWeightSamplerPrunesOldSamples(t *testing.T) {
	l, _ := newTestLedger(t)
	s := NewOnlineWeightSampler(l, l.store)

	base := time.Unix(1700000000, 0)
	for i := 0; i < onlineWeightWindow+5; i++ {
		ts := base.Add(time.Duration(i) * onlineWeightSampleInterval)
		if err := s.Sample(ts); err != nil {
			t.Fatalf("Sample(%d): %v", i, err)
		}
	}

	txn, err := l.store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer txn.Discard()
	times, _, err := AllOnlineWeightSamples(txn)
	if err != nil {
		t.Fatalf("AllOnlineWeightSamples: %v", err)
	}
	if len(times) != onlineWeightWindow {
		t.Fatalf("retained sample count = %d, want %d after pruning", len(times), onlineWeightWindow)
	}
}

func TestOnlineWeightSamplerStartStopIsIdempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	s := NewOnlineWeightSampler(l, l.store)
	s.Start()
	s.Start() // second Start before Stop must not panic or leak a goroutine
	s.Stop()
	s.Stop() // second Stop must not panic on an already-nil stopCh
}
