package core

import (
	"math/big"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// repCrawlQueryCount is how many channels are probed per cycle (spec.md
// §4.12 "rep_crawl_query_count=32").
const repCrawlQueryCount = 32

// repCrawlIntervalSteady/repCrawlIntervalWarmup are the probe cadence after
// and during the node's first minute up, respectively (spec.md §4.12).
const (
	repCrawlIntervalSteady = 7 * time.Second
	repCrawlIntervalWarmup = 3 * time.Second
	repCrawlWarmupWindow   = time.Minute
)

// onlineWeightDustDivisor derives the dust filter: any representative whose
// weight falls below onlineWeightMinimum/1000 is not worth tracking (spec.md
// §4.12 "dust filter at online_weight_minimum/1000").
const onlineWeightDustDivisor = 1000

// RepCrawlerTransport is the subset of Node a rep crawler needs: reading
// the current channel set and sending a confirm_req probe to one.
type RepCrawlerTransport interface {
	Channels() []*Channel
	SendConfirmReq(endpoint string, req ConfirmReqMessage) error
}

// RepCrawler periodically probes a random subset of connected peers with a
// confirm_req for a recent block, learning their representative weight
// from the resulting confirm_ack (spec.md §4.12).
type RepCrawler struct {
	transport RepCrawlerTransport
	ledger    *Ledger
	weights   *OnlineWeightSampler

	mu      sync.Mutex
	known   map[Account]U128 // representatives discovered, and their last known weight
	started time.Time
	stopCh  chan struct{}

	logger *log.Entry
}

// NewRepCrawler builds a crawler probing over transport.
func NewRepCrawler(transport RepCrawlerTransport, ledger *Ledger, weights *OnlineWeightSampler) *RepCrawler {
	return &RepCrawler{
		transport: transport,
		ledger:    ledger,
		weights:   weights,
		known:     make(map[Account]U128),
		started:   time.Now(),
		logger:    log.WithField("component", "rep_crawler"),
	}
}

// Start launches the periodic crawl loop.
func (r *RepCrawler) Start(probeBlock func() *Block) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	go func() {
		for {
			interval := r.interval()
			select {
			case <-time.After(interval):
				r.Cycle(probeBlock())
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *RepCrawler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
}

func (r *RepCrawler) interval() time.Duration {
	if time.Since(r.started) < repCrawlWarmupWindow {
		return repCrawlIntervalWarmup
	}
	return repCrawlIntervalSteady
}

// Cycle probes up to repCrawlQueryCount randomly chosen channels with a
// confirm_req for block.
func (r *RepCrawler) Cycle(block *Block) {
	if block == nil {
		return
	}
	channels := r.transport.Channels()
	rand.Shuffle(len(channels), func(i, j int) { channels[i], channels[j] = channels[j], channels[i] })
	n := repCrawlQueryCount
	if n > len(channels) {
		n = len(channels)
	}
	req := ConfirmReqMessage{Blocks: []*Block{block}}
	for _, ch := range channels[:n] {
		if err := r.transport.SendConfirmReq(ch.Endpoint, req); err != nil {
			r.logger.WithError(err).WithField("endpoint", ch.Endpoint).Debug("rep crawl probe failed")
		}
	}
}

// Observe records a representative's weight learned from an incoming vote,
// applying the dust filter (spec.md §4.12).
func (r *RepCrawler) Observe(account Account, weight U128, onlineWeightMinimum U128) {
	floor := onlineWeightMinimum.BigInt()
	floor.Div(floor, big.NewInt(onlineWeightDustDivisor))
	if floorU128, err := U128FromBigInt(floor); err == nil && weight.Less(floorU128) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[account] = weight
}

// Representatives returns every representative the crawler has observed,
// with its last known weight.
func (r *RepCrawler) Representatives() map[Account]U128 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Account]U128, len(r.known))
	for k, v := range r.known {
		out[k] = v
	}
	return out
}
