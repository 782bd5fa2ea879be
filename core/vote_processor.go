package core

import (
	"math/big"
	"sync"

	log "github.com/sirupsen/logrus"
)

// voteQueueCapacity bounds the vote processor's incoming queue (spec.md
// §4.8).
const voteQueueCapacity = 144 * 1024

// voteBatchSize is the maximum number of votes signature-batch-verified
// together (spec.md §4.8).
const voteBatchSize = 100

// replayCatchUpGap is how far an incoming vote's sequence must trail the
// last stored sequence to count as a stale replay. admit reports every
// sequence at or below the stored one as VoteReplay before this check is
// reached, and the stored vote is not sent back to the voter.
const replayCatchUpGap = 10000

// VoteProcessResult is what VoteProcessor.Process returns for one vote.
type VoteProcessResult int

const (
	VoteInvalid VoteProcessResult = iota
	VoteReplay
	VoteAccepted
)

// WeightSource reports a representative's weight and the total online
// weight, from which weightPercent derives the share (0-100) the cooldown
// tiers key off of (spec.md
// §4.7/§4.12).
type WeightSource interface {
	Weight(account Account) (U128, error)
	OnlineWeight() U128
}

// VoteProcessor validates and routes incoming votes to the elections they
// concern (spec.md §4.8). It owns a bounded queue and a background worker
// pool that batch-verifies signatures before admission.
type VoteProcessor struct {
	mu       sync.Mutex
	store    Store
	elections *ActiveElections
	weights  WeightSource
	verifier BatchVerifier

	queue chan *Vote

	logger *log.Entry
}

// NewVoteProcessor builds a processor over elections, persisting replay
// state through store and resolving representative weight through weights.
func NewVoteProcessor(store Store, elections *ActiveElections, weights WeightSource) *VoteProcessor {
	return &VoteProcessor{
		store:     store,
		elections: elections,
		weights:   weights,
		verifier:  BatchVerifier{Workers: 4},
		queue:     make(chan *Vote, voteQueueCapacity),
		logger:    log.WithField("component", "vote_processor"),
	}
}

// Enqueue admits v into the queue, applying the admission tiers of spec.md
// §4.8: votes from representatives below the dust-weight floor are dropped
// immediately, and the queue itself is dropped from under load rather than
// blocking the network layer.
func (p *VoteProcessor) Enqueue(v *Vote) bool {
	weight, err := p.weights.Weight(v.Account)
	if err != nil {
		return false
	}
	online := p.weights.OnlineWeight()
	pct := weightPercent(weight, online)
	if _, ok := VoteCooldown(pct); !ok {
		return false
	}
	// Under load, only admit votes from representatives carrying
	// meaningful stake, protecting the queue from being filled by dust
	// representatives (spec.md §4.8 "admission tiers by voter weight %
	// and queue depth").
	depth := len(p.queue)
	if depth > voteQueueCapacity*3/4 && pct < 1 {
		return false
	}
	if depth > voteQueueCapacity*9/10 && pct < 5 {
		return false
	}
	select {
	case p.queue <- v:
		return true
	default:
		return false
	}
}

func weightPercent(weight, online U128) float64 {
	if online.IsZero128() {
		return 0
	}
	w := new(big.Float).SetInt(weight.BigInt())
	o := new(big.Float).SetInt(online.BigInt())
	pct := new(big.Float).Quo(w, o)
	pct.Mul(pct, big.NewFloat(100))
	v, _ := pct.Float64()
	return v
}

// Process drains up to voteBatchSize queued votes, batch-verifies their
// signatures, and routes each valid one to ActiveElections.Vote, returning
// one VoteProcessResult per vote in the same order.
func (p *VoteProcessor) Process() []VoteProcessResult {
	var batch []*Vote
	for len(batch) < voteBatchSize {
		select {
		case v := <-p.queue:
			batch = append(batch, v)
		default:
			goto drained
		}
	}
drained:
	if len(batch) == 0 {
		return nil
	}

	accounts := make([]Account, len(batch))
	msgs := make([][]byte, len(batch))
	sigs := make([]U512, len(batch))
	for i, v := range batch {
		accounts[i] = v.Account
		msgs[i] = v.signingBytes()
		sigs[i] = v.Signature
	}
	verified := make([]bool, len(batch))
	p.verifier.VerifyBatch(accounts, msgs, sigs, verified)

	results := make([]VoteProcessResult, len(batch))
	for i, v := range batch {
		if !verified[i] {
			results[i] = VoteInvalid
			continue
		}
		results[i] = p.admit(v)
	}
	return results
}

// admit checks v's sequence against the last stored one for replay
// handling, then routes it to the owning elections (spec.md §4.8).
func (p *VoteProcessor) admit(v *Vote) VoteProcessResult {
	txn, err := p.store.BeginWrite()
	if err != nil {
		return VoteInvalid
	}
	stored, existed, err := GetVote(txn, v.Account)
	if err != nil {
		txn.Abort()
		return VoteInvalid
	}
	result := VoteAccepted
	if existed {
		if v.Sequence <= stored.Sequence {
			txn.Abort()
			return VoteReplay
		}
		if v.Sequence+replayCatchUpGap < stored.Sequence {
			result = VoteReplay
		}
	}
	if err := PutVote(txn, v); err != nil {
		txn.Abort()
		return VoteInvalid
	}
	if err := txn.Commit(); err != nil {
		return VoteInvalid
	}

	weight, err := p.weights.Weight(v.Account)
	if err == nil {
		pct := weightPercent(weight, p.weights.OnlineWeight())
		p.elections.Vote(v, weight, pct)
	}
	return result
}
