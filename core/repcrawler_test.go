package core

import (
	"sync"
	"testing"
)

// fakeRepTransport is a RepCrawlerTransport test double recording every
// confirm_req it was asked to send.
type fakeRepTransport struct {
	mu       sync.Mutex
	channels []*Channel
	sent     []string
	failFor  map[string]bool
}

func (f *fakeRepTransport) Channels() []*Channel { return f.channels }

func (f *fakeRepTransport) SendConfirmReq(endpoint string, req ConfirmReqMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[endpoint] {
		return errShortVote // any error value; content is irrelevant here
	}
	f.sent = append(f.sent, endpoint)
	return nil
}

func TestRepCrawlerCycleProbesEveryChannelUpToQueryCount(t *testing.T) {
	l, _ := newTestLedger(t)
	weights := NewOnlineWeightSampler(l, l.store)

	transport := &fakeRepTransport{
		channels: []*Channel{
			{Endpoint: "a"}, {Endpoint: "b"}, {Endpoint: "c"},
		},
	}
	r := NewRepCrawler(transport, l, weights)

	blk := &Block{Type: BlockOpen, Open: &OpenFields{}}
	r.Cycle(blk)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent) != 3 {
		t.Fatalf("Cycle sent to %d channels, want 3 (below repCrawlQueryCount)", len(transport.sent))
	}
}

func TestRepCrawlerCycleNoopOnNilBlock(t *testing.T) {
	l, _ := newTestLedger(t)
	weights := NewOnlineWeightSampler(l, l.store)
	transport := &fakeRepTransport{channels: []*Channel{{Endpoint: "a"}}}
	r := NewRepCrawler(transport, l, weights)

	r.Cycle(nil)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent) != 0 {
		t.Fatalf("Cycle(nil) should not probe any channel, sent %v", transport.sent)
	}
}

func TestRepCrawlerObserveAppliesDustFilter(t *testing.T) {
	l, _ := newTestLedger(t)
	weights := NewOnlineWeightSampler(l, l.store)
	transport := &fakeRepTransport{}
	r := NewRepCrawler(transport, l, weights)

	onlineMin := u128FromInt(t, 1000)
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}

	r.Observe(kp.Public, u128FromInt(t, 1), onlineMin) // exactly at the 1000/1000 = 1 floor, kept
	r.Observe(kp.Public, u128FromInt(t, 0), onlineMin) // below floor, must be dropped

	reps := r.Representatives()
	if got, ok := reps[kp.Public]; !ok || got != u128FromInt(t, 1) {
		t.Fatalf("Representatives()[account] = (%s, %v), want (1, true) — the dust observation must not overwrite the floor-clearing one", got.Hex(), ok)
	}
}
