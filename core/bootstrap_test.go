package core

import (
	"context"
	"testing"
	"time"
)

func TestTargetPoolSize(t *testing.T) {
	cases := []struct {
		remaining int
		want      int
	}{
		{0, bootstrapPoolMin},
		{-5, bootstrapPoolMin},
		{bootstrapPullsRemainingFull, bootstrapPoolMax},
		{bootstrapPullsRemainingFull * 2, bootstrapPoolMax},
	}
	for _, c := range cases {
		if got := TargetPoolSize(c.remaining); got != c.want {
			t.Errorf("TargetPoolSize(%d) = %d, want %d", c.remaining, got, c.want)
		}
	}
	// halfway to full should land strictly between min and max.
	mid := TargetPoolSize(bootstrapPullsRemainingFull / 2)
	if mid <= bootstrapPoolMin || mid >= bootstrapPoolMax {
		t.Errorf("TargetPoolSize(halfway) = %d, want strictly between %d and %d", mid, bootstrapPoolMin, bootstrapPoolMax)
	}
}

func TestPullsCacheEvictsOldest(t *testing.T) {
	c := newPullsCache(2)
	var a, b, d Account
	a[0], b[0], d[0] = 1, 2, 3

	if c.Seen(a) {
		t.Fatal("first sight of a reported as seen")
	}
	if c.Seen(b) {
		t.Fatal("first sight of b reported as seen")
	}
	if !c.Seen(a) {
		t.Fatal("a should be remembered")
	}
	// a was just touched (moved to front), so d's insertion evicts b.
	if c.Seen(d) {
		t.Fatal("first sight of d reported as seen")
	}
	if c.Seen(b) {
		t.Fatal("b should have been evicted, not remembered")
	}
}

func TestBootstrapAttemptAddClientRespectsPoolTarget(t *testing.T) {
	l, _ := newTestLedger(t)
	proc := NewBlockProcessor(l, nil)
	a := NewBootstrapAttempt(BootstrapLegacy, proc, l)

	// with pullsRemaining at zero the target pool size is the floor; only
	// that many clients should be admitted.
	admitted := 0
	for i := 0; i < bootstrapPoolMin+3; i++ {
		if a.AddClient(&fakeBootstrapTransport{}) {
			admitted++
		}
	}
	if admitted != bootstrapPoolMin {
		t.Fatalf("admitted %d clients, want %d", admitted, bootstrapPoolMin)
	}
}

func TestBootstrapAttemptEvictSlow(t *testing.T) {
	l, _ := newTestLedger(t)
	proc := NewBlockProcessor(l, nil)
	a := NewBootstrapAttempt(BootstrapLegacy, proc, l)
	a.AddClient(&fakeBootstrapTransport{})
	a.pool[0].lastProgress = time.Now().Add(-time.Hour)

	evicted := a.EvictSlow(time.Minute)
	if evicted != 1 {
		t.Fatalf("EvictSlow evicted %d, want 1", evicted)
	}
	if len(a.pool) != 0 {
		t.Fatalf("pool still has %d clients after eviction", len(a.pool))
	}
}

func TestBootstrapAttemptRunLazyPullsSingleBlockPerDependency(t *testing.T) {
	l, gc := newTestLedger(t)
	proc := NewBlockProcessor(l, nil)
	a := NewBootstrapAttempt(BootstrapLazy, proc, l)

	blk := gc.GenesisBlock
	transport := &fakeBootstrapTransport{blocksByHash: map[BlockHash]*Block{blk.Hash(): blk}}
	a.AddClient(transport)
	a.SeedLazy(blk.Hash())

	if err := a.RunLazy(context.Background()); err != nil {
		t.Fatalf("RunLazy: %v", err)
	}
	// The genesis open's source field is non-zero (it names the genesis
	// account), so RunLazy queues it as a second dependency and pulls it once
	// more; that pull finds nothing.
	if transport.bulkPullCalls != 2 {
		t.Fatalf("bulk_pull called %d times, want 2", transport.bulkPullCalls)
	}
}

func TestBootstrapAttemptRunLegacyNoPeersErrors(t *testing.T) {
	l, _ := newTestLedger(t)
	proc := NewBlockProcessor(l, nil)
	a := NewBootstrapAttempt(BootstrapLegacy, proc, l)
	if err := a.RunLegacy(context.Background()); err != errNoBootstrapPeers {
		t.Fatalf("RunLegacy with empty pool = %v, want errNoBootstrapPeers", err)
	}
}

// fakeBootstrapTransport is an in-memory BootstrapTransport stand-in used to
// drive BootstrapAttempt without real network I/O.
type fakeBootstrapTransport struct {
	blocksByHash  map[BlockHash]*Block
	bulkPullCalls int
}

func (f *fakeBootstrapTransport) FrontierReq(ctx context.Context, start Account, yield func(Account, BlockHash) bool) error {
	return nil
}

func (f *fakeBootstrapTransport) BulkPull(ctx context.Context, frontier, end BlockHash, yield func(*Block) bool) error {
	f.bulkPullCalls++
	if b, ok := f.blocksByHash[frontier]; ok {
		yield(b)
	}
	return nil
}

func (f *fakeBootstrapTransport) BulkPullAccount(ctx context.Context, account Account, minAmount U128, yield func(PendingKey, PendingInfo) bool) error {
	return nil
}
