package core

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// onlineWeightSampleInterval is how often a new weight sample is taken
// (spec.md §4.12 "online weight sampler every 5 minutes").
const onlineWeightSampleInterval = 5 * time.Minute

// onlineWeightWindow bounds how many samples are retained; older ones are
// pruned as new ones are taken (spec.md §4.12 "median of samples in rolling
// window").
const onlineWeightWindow = 12 * 24 // 5-minute samples over 24h

// OnlineWeightSampler periodically records the ledger's total
// representative weight so elections can compute a quorum delta from the
// median of recent samples rather than a single noisy reading (spec.md
// §4.12).
type OnlineWeightSampler struct {
	ledger *Ledger
	store  Store

	mu     sync.Mutex
	stopCh chan struct{}
	logger *log.Entry
}

// NewOnlineWeightSampler builds a sampler over ledger/store.
func NewOnlineWeightSampler(ledger *Ledger, store Store) *OnlineWeightSampler {
	return &OnlineWeightSampler{
		ledger: ledger,
		store:  store,
		logger: log.WithField("component", "online_weight"),
	}
}

// Start launches the periodic sampling loop; call Stop to end it.
func (s *OnlineWeightSampler) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(onlineWeightSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Sample(time.Now()); err != nil {
					s.logger.WithError(err).Warn("online weight sample failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (s *OnlineWeightSampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

// Sample records total current representative weight as of now, and prunes
// samples outside the retention window.
func (s *OnlineWeightSampler) Sample(now time.Time) error {
	txn, err := s.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()

	total, err := totalWeight(txn)
	if err != nil {
		return err
	}
	if err := PutOnlineWeightSample(txn, now.UnixNano(), total); err != nil {
		return err
	}
	if err := prune(txn, now); err != nil {
		return err
	}
	return txn.Commit()
}

func totalWeight(txn ReadTxn) (U128, error) {
	it, err := txn.Begin(TableRepresentation, nil)
	if err != nil {
		return ZeroU128, err
	}
	defer it.Close()
	var sum U128
	for ; it.Valid(); it.Next() {
		var w U128
		copy(w[:], it.Value())
		next, err := sum.Add(w)
		if err != nil {
			continue
		}
		sum = next
	}
	return sum, nil
}

func prune(txn WriteTxn, now time.Time) error {
	times, _, err := AllOnlineWeightSamples(txn)
	if err != nil {
		return err
	}
	if len(times) <= onlineWeightWindow {
		return nil
	}
	cut := len(times) - onlineWeightWindow
	for _, t := range times[:cut] {
		if err := DeleteOnlineWeightSample(txn, t); err != nil {
			return err
		}
	}
	return nil
}

// Median returns the median of every retained sample, the value elections
// use as the online-weight input to HasQuorum (spec.md §4.12).
func (s *OnlineWeightSampler) Median() (U128, error) {
	txn, err := s.store.BeginRead()
	if err != nil {
		return ZeroU128, err
	}
	defer txn.Discard()
	_, weights, err := AllOnlineWeightSamples(txn)
	if err != nil {
		return ZeroU128, err
	}
	if len(weights) == 0 {
		return totalWeight(txn)
	}
	sorted := append([]U128(nil), weights...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	return sorted[len(sorted)/2], nil
}

// OnlineWeight implements WeightSource.OnlineWeight for the vote processor,
// returning the current median sample (falling back to zero on error).
func (s *OnlineWeightSampler) OnlineWeight() U128 {
	v, err := s.Median()
	if err != nil {
		return ZeroU128
	}
	return v
}

// Weight implements WeightSource.Weight by delegating to the ledger.
func (s *OnlineWeightSampler) Weight(account Account) (U128, error) {
	txn, err := s.store.BeginRead()
	if err != nil {
		return ZeroU128, err
	}
	defer txn.Discard()
	return s.ledger.Weight(txn, account)
}
