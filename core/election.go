package core

import (
	"math/big"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// QualifiedRoot keys an election: a block's root together with its previous
// hash, so two forks rooted at the same account but diverging at different
// heights never collide (spec.md §4.7).
type QualifiedRoot struct {
	Root     U256
	Previous U256
}

// ElectionStatus snapshots the current winner and confirmation state of one
// election.
type ElectionStatus struct {
	Winner    *Block
	Confirmed bool
}

// Election tracks stake-weighted voting over the competing blocks (forks)
// published at one qualified root (spec.md §4.7).
type Election struct {
	mu sync.Mutex

	root   QualifiedRoot
	blocks map[U256]*Block // hash -> block, every known fork at this root

	lastVotes map[Account]*Vote       // most recently admitted vote per representative
	lastSeen  map[Account]time.Time   // time each representative's vote was last admitted
	lastTally map[U256]U128           // hash -> summed representative weight

	status        ElectionStatus
	announcements int
	started       time.Time
}

func newElection(root QualifiedRoot, winner *Block) *Election {
	e := &Election{
		root:      root,
		blocks:    map[U256]*Block{winner.Hash(): winner},
		lastVotes: make(map[Account]*Vote),
		lastSeen:  make(map[Account]time.Time),
		lastTally: make(map[U256]U128),
		status:    ElectionStatus{Winner: winner},
		started:   time.Now(),
	}
	return e
}

// Status returns a snapshot of the election's current status.
func (e *Election) Status() ElectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// addBlock registers a newly observed fork at this root, if not already
// known. Returns true if this was a new fork.
func (e *Election) addBlock(b *Block) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := b.Hash()
	if _, ok := e.blocks[h]; ok {
		return false
	}
	e.blocks[h] = b
	return true
}

// --- vote admission cooldown tiers (spec.md §4.7) -------------------------

// VoteCooldown returns the minimum interval between accepted votes from a
// representative holding the given fraction (0-100) of online stake.
// Representatives below the dust threshold are rejected entirely (spec.md
// §4.7 "vote admission cooldown tiers by rep weight % of online stake").
func VoteCooldown(weightPercent float64) (time.Duration, bool) {
	switch {
	case weightPercent >= 5:
		return time.Second, true
	case weightPercent >= 1:
		return 5 * time.Second, true
	case weightPercent >= 0.1:
		return 15 * time.Second, true
	default:
		return 0, false
	}
}

// ErrVoteRejected is returned when a vote fails admission (too little
// stake, or arriving inside its representative's cooldown window).
var ErrVoteRejected = vErr("core: vote rejected by admission control")

// admitVote applies the cooldown tiers and, if admitted, folds v's weight
// into the tally. weightPercent is the voter's share (0-100) of online
// stake, supplied by the caller (the vote processor, which tracks online
// weight).
func (e *Election) admitVote(v *Vote, weight U128, weightPercent float64, now time.Time) error {
	cooldown, ok := VoteCooldown(weightPercent)
	if !ok {
		return ErrVoteRejected
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.lastVotes[v.Account]; ok {
		if v.Sequence <= prior.Sequence {
			return ErrVoteRejected
		}
	}
	if seen, ok := e.lastSeen[v.Account]; ok && now.Sub(seen) < cooldown {
		return ErrVoteRejected
	}
	e.lastVotes[v.Account] = v
	e.lastSeen[v.Account] = now

	for _, h := range v.Hashes {
		cur := e.lastTally[h]
		next, err := cur.Add(weight)
		if err != nil {
			next = cur
		}
		e.lastTally[h] = next
	}
	e.recomputeWinnerLocked()
	return nil
}

// recomputeWinnerLocked updates status.Winner to the highest-tallied known
// block. Must be called with e.mu held.
func (e *Election) recomputeWinnerLocked() {
	var bestHash U256
	var bestTally U128
	first := true
	for h, tally := range e.lastTally {
		if _, known := e.blocks[h]; !known {
			continue
		}
		if first || bestTally.Less(tally) {
			bestHash, bestTally, first = h, tally, false
		}
	}
	if !first {
		if b, ok := e.blocks[bestHash]; ok {
			e.status.Winner = b
		}
	}
}

// tallies returns a snapshot of hash->weight for HasQuorum.
func (e *Election) tallies() map[U256]U128 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[U256]U128, len(e.lastTally))
	for h, w := range e.lastTally {
		out[h] = w
	}
	return out
}

// quorumDeltaPercent is the fraction of sampled online weight a winning
// block must lead its runner-up by to confirm (spec.md §4.7).
const quorumDeltaPercent = 8

// QuorumDelta derives the minimum tally lead a winner needs over its
// runner-up from the current sampled online weight.
func QuorumDelta(onlineWeight U128) U128 {
	product := new(big.Int).Mul(onlineWeight.BigInt(), big.NewInt(quorumDeltaPercent))
	product.Div(product, big.NewInt(100))
	v, err := U128FromBigInt(product)
	if err != nil {
		return ZeroU128
	}
	return v
}

// HasQuorum reports whether the election's tallies satisfy spec.md §4.7's
// confirmation condition: total observed weight at least onlineWeightMin,
// and the winner's tally exceeds the runner-up's by more than delta.
func HasQuorum(tallies map[U256]U128, onlineWeightMin U128, delta U128) (winner U256, ok bool) {
	type entry struct {
		hash U256
		w    U128
	}
	entries := make([]entry, 0, len(tallies))
	var sum U128
	for h, w := range tallies {
		entries = append(entries, entry{h, w})
		if s, err := sum.Add(w); err == nil {
			sum = s
		}
	}
	if len(entries) == 0 {
		return U256{}, false
	}
	sort.Slice(entries, func(i, j int) bool { return entries[j].w.Less(entries[i].w) })
	if onlineWeightMin.Less(sum) || onlineWeightMin == sum {
		top := entries[0]
		var second U128
		if len(entries) > 1 {
			second = entries[1].w
		}
		needed, err := second.Add(delta)
		if err != nil {
			needed = second
		}
		if needed.Less(top.w) {
			return top.hash, true
		}
	}
	return U256{}, false
}

// ActiveElections owns every election currently in progress, keyed by
// qualified root (spec.md §4.7).
type ActiveElections struct {
	mu       sync.Mutex
	ledger   *Ledger
	elections map[QualifiedRoot]*Election

	// MaxSize bounds how many elections may be active at once; inserting
	// past this evicts the lowest-difficulty election (spec.md §4.7 "global
	// size cap with lowest-difficulty eviction").
	MaxSize int

	logger *log.Entry
}

// NewActiveElections creates an empty election set over ledger.
func NewActiveElections(ledger *Ledger, maxSize int) *ActiveElections {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &ActiveElections{
		ledger:    ledger,
		elections: make(map[QualifiedRoot]*Election),
		MaxSize:   maxSize,
		logger:    log.WithField("component", "active_elections"),
	}
}

// Insert starts a new election for block, or folds block into an existing
// one as an additional fork, returning the (possibly pre-existing) election.
func (a *ActiveElections) Insert(block *Block) *Election {
	root := QualifiedRoot{Root: block.Root(), Previous: block.Previous()}

	a.mu.Lock()
	if e, ok := a.elections[root]; ok {
		a.mu.Unlock()
		e.addBlock(block)
		return e
	}
	if len(a.elections) >= a.MaxSize {
		a.evictLowestDifficultyLocked()
	}
	e := newElection(root, block)
	a.elections[root] = e
	a.mu.Unlock()
	return e
}

// evictLowestDifficultyLocked drops the election whose winner has the
// lowest proof-of-work value. Must be called with a.mu held.
func (a *ActiveElections) evictLowestDifficultyLocked() {
	var worstRoot QualifiedRoot
	var worstValue uint64
	first := true
	for root, e := range a.elections {
		st := e.Status()
		if st.Winner == nil {
			continue
		}
		v := WorkValue(st.Winner.Work, st.Winner.Root())
		if first || v < worstValue {
			worstRoot, worstValue, first = root, v, false
		}
	}
	if !first {
		delete(a.elections, worstRoot)
	}
}

// Find returns the election at root, if any.
func (a *ActiveElections) Find(root QualifiedRoot) (*Election, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.elections[root]
	return e, ok
}

// Roots returns every root with a currently active election, a snapshot a
// caller can drive a confirmation sweep over (spec.md §4.7).
func (a *ActiveElections) Roots() []QualifiedRoot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]QualifiedRoot, 0, len(a.elections))
	for root := range a.elections {
		out = append(out, root)
	}
	return out
}

// Vote routes an incoming vote to every election it names a hash in,
// applying weight and admission rules; returns the set of roots whose
// election the vote touched.
func (a *ActiveElections) Vote(v *Vote, weight U128, weightPercent float64) []QualifiedRoot {
	a.mu.Lock()
	elections := make(map[QualifiedRoot]*Election, len(a.elections))
	for root, e := range a.elections {
		elections[root] = e
	}
	a.mu.Unlock()

	now := time.Now()
	var touched []QualifiedRoot
	for _, h := range v.Hashes {
		for root, e := range elections {
			if _, known := e.blocks[h]; !known {
				continue
			}
			if err := e.admitVote(v, weight, weightPercent, now); err == nil {
				touched = append(touched, root)
			}
		}
	}
	return touched
}

// TryConfirm checks root's election for quorum and, if reached, confirms
// its winner into the ledger: rolling back and replacing any competing
// fork, then removing the election (spec.md §4.7 "fork resolution via
// ledger rollback + forced reinsertion").
func (a *ActiveElections) TryConfirm(root QualifiedRoot, onlineWeightMin, delta U128) (*Block, bool, error) {
	a.mu.Lock()
	e, ok := a.elections[root]
	a.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	winnerHash, reached := HasQuorum(e.tallies(), onlineWeightMin, delta)
	if !reached {
		return nil, false, nil
	}
	e.mu.Lock()
	winner, ok := e.blocks[winnerHash]
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	if err := a.resolveFork(winner); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	e.status = ElectionStatus{Winner: winner, Confirmed: true}
	e.mu.Unlock()

	a.mu.Lock()
	delete(a.elections, root)
	a.mu.Unlock()
	return winner, true, nil
}

// TryConfirmAndCement attempts confirmation at root and, on success, cements
// the winner's account up to its new chain length. Without this, a confirmed
// election would update the ledger's head but leave confirmation_height
// behind, so nothing downstream (pruning, wallet receive-confirmed) would
// ever see the block as final (spec.md §§4.7/§§4.9).
func (a *ActiveElections) TryConfirmAndCement(root QualifiedRoot, onlineWeightMin, delta U128, confirmations *ConfirmationHeightProcessor) (*Block, bool, error) {
	winner, confirmed, err := a.TryConfirm(root, onlineWeightMin, delta)
	if err != nil || !confirmed {
		return winner, confirmed, err
	}

	account, err := a.winnerAccount(winner)
	if err != nil {
		return winner, confirmed, err
	}

	txn, err := a.ledger.store.BeginRead()
	if err != nil {
		return winner, confirmed, err
	}
	ai, exists, err := GetAccountInfo(txn, account)
	txn.Discard()
	if err != nil || !exists {
		return winner, confirmed, err
	}

	if err := confirmations.CementUpTo(account, ai.BlockCount); err != nil {
		return winner, confirmed, err
	}
	return winner, confirmed, nil
}

// resolveFork makes winner the ledger's head at its account, rolling back
// whatever currently occupies that position if it differs.
func (a *ActiveElections) resolveFork(winner *Block) error {
	account, err := a.winnerAccount(winner)
	if err != nil {
		return err
	}
	res, err := a.ledger.Process(winner)
	if err != nil {
		return err
	}
	if res.Code != Fork {
		return nil
	}
	// A fork already holds this position: roll the account back to winner's
	// predecessor and reinsert.
	if err := a.ledger.Rollback(account); err != nil {
		return err
	}
	_, err = a.ledger.Process(winner)
	return err
}

func (a *ActiveElections) winnerAccount(winner *Block) (Account, error) {
	switch winner.Type {
	case BlockOpen:
		return winner.Open.Account, nil
	case BlockState:
		return winner.State.Account, nil
	default:
		// legacy send/receive/change blocks: resolve via the block's
		// previous-block's owning account.
		prev := winner.Previous()
		return frontierAccountOf(a.ledger, prev)
	}
}

func frontierAccountOf(l *Ledger, hash BlockHash) (Account, error) {
	txn, err := l.store.BeginRead()
	if err != nil {
		return ZeroAccount, err
	}
	defer txn.Discard()
	acc, _, err := GetFrontier(txn, hash)
	return acc, err
}
