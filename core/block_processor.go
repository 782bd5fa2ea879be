package core

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// blockProcessorFullSize bounds the state and live queues (the forced queue
// is not bounded); once one is full, ingress paths
// must back off rather than block (spec.md §4.6 "backpressure via
// block_processor_full_size").
const blockProcessorFullSize = 65536

// blockProcessorBatchSize is how many blocks are pulled from a queue and
// applied within a single ledger write transaction (spec.md §4.6).
const blockProcessorBatchSize = 256

// BlockSource tags which staged queue a block arrived through, since state
// and legacy blocks are verified differently before insertion (spec.md
// §4.6).
type BlockSource int

const (
	// SourceState blocks are state blocks awaiting batch signature
	// verification.
	SourceState BlockSource = iota
	// SourceLive blocks (legacy blocks, and dependents replayed from the
	// unchecked table) have their signatures checked one at a time by the
	// ledger as they are applied.
	SourceLive
	// SourceForced blocks come from an election's confirmed winner; they
	// are drained first and never refused for capacity, and the ledger
	// still checks their signatures as they are applied.
	SourceForced
)

type queuedBlock struct {
	block  *Block
	source BlockSource
}

// BlockProcessor drains the three staged ingress queues into the ledger,
// parking blocks on missing dependencies in the unchecked table and
// replaying dependents once the blocking hash arrives (spec.md §4.6).
type BlockProcessor struct {
	ledger   *Ledger
	verifier BatchVerifier

	mu       sync.Mutex
	state    []queuedBlock
	live     []queuedBlock
	forced   []queuedBlock

	elections *ActiveElections

	logger *log.Entry
}

// NewBlockProcessor builds a processor over ledger, forwarding confirmed
// forks to elections (which may be nil if elections are not yet wired up).
func NewBlockProcessor(ledger *Ledger, elections *ActiveElections) *BlockProcessor {
	return &BlockProcessor{
		ledger:    ledger,
		verifier:  BatchVerifier{Workers: 4},
		elections: elections,
		logger:    log.WithField("component", "block_processor"),
	}
}

// Add enqueues block for processing on the given source's queue, returning
// false if the state or live queue is at capacity; forced blocks are always
// accepted (spec.md §4.6 backpressure contract).
func (p *BlockProcessor) Add(b *Block, source BlockSource) bool {
	full := p.ledger.Uniquer()
	b = full.Unique(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch source {
	case SourceState:
		if len(p.state) >= blockProcessorFullSize {
			return false
		}
		p.state = append(p.state, queuedBlock{b, source})
	case SourceForced:
		p.forced = append(p.forced, queuedBlock{b, source})
	default:
		if len(p.live) >= blockProcessorFullSize {
			return false
		}
		p.live = append(p.live, queuedBlock{b, source})
	}
	return true
}

// Size reports the total number of blocks across all staged queues.
func (p *BlockProcessor) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state) + len(p.live) + len(p.forced)
}

// ProcessBatch drains up to blockProcessorBatchSize blocks (forced first,
// then state, then live) through a single ledger write transaction,
// verifying state-block signatures as one batch before insertion, and
// returns the per-block results in processing order (spec.md §4.6).
func (p *BlockProcessor) ProcessBatch() ([]ProcessResult, error) {
	batch := p.drainBatch()
	if len(batch) == 0 {
		return nil, nil
	}

	verifyState(batch, p.verifier)

	txn, err := p.ledger.beginProcessorTxn()
	if err != nil {
		return nil, err
	}
	results := make([]ProcessResult, len(batch))
	for i, qb := range batch {
		if qb.source == SourceState && !qb.verified {
			results[i] = ProcessResult{Code: BadSignature}
			continue
		}
		res, err := p.ledger.ProcessInTxn(txn, qb.block)
		if err != nil {
			txn.Abort()
			return nil, err
		}
		results[i] = res
		p.handleResult(txn, qb.block, res)
		p.ledger.Uniquer().Release(qb.block.FullHash())
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

// verifiedBlock pairs a queuedBlock with its batch-verification
// outcome.
type verifiedBlock struct {
	queuedBlock
	verified bool
}

func (p *BlockProcessor) drainBatch() []verifiedBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []verifiedBlock
	take := func(q *[]queuedBlock) {
		for len(out) < blockProcessorBatchSize && len(*q) > 0 {
			out = append(out, verifiedBlock{(*q)[0], true})
			*q = (*q)[1:]
		}
	}
	take(&p.forced)
	take(&p.state)
	take(&p.live)
	return out
}

// verifyState batch-verifies every state-sourced block's signature,
// marking failures so the caller skips inserting them (spec.md §4.6).
func verifyState(batch []verifiedBlock, v BatchVerifier) {
	var idx []int
	var accounts []Account
	var msgs [][]byte
	var sigs []U512
	for i, qb := range batch {
		if qb.source != SourceState {
			continue
		}
		acc := stateBlockAccount(qb.block)
		idx = append(idx, i)
		accounts = append(accounts, acc)
		hash := qb.block.Hash()
		msgs = append(msgs, hash[:])
		sigs = append(sigs, qb.block.Signature)
	}
	if len(idx) == 0 {
		return
	}
	results := make([]bool, len(idx))
	v.VerifyBatch(accounts, msgs, sigs, results)
	for k, i := range idx {
		batch[i].verified = results[k]
	}
}

func stateBlockAccount(b *Block) Account {
	if b.Type == BlockState {
		return b.State.Account
	}
	return ZeroAccount
}

// handleResult parks gap_previous/gap_source blocks on the unchecked table,
// dequeues/reprocesses any unchecked entries depending on a block that just
// progressed, and forwards forks to active elections (spec.md §4.6).
func (p *BlockProcessor) handleResult(txn WriteTxn, b *Block, res ProcessResult) {
	switch res.Code {
	case GapPrevious:
		_ = PutUnchecked(txn, UncheckedKey{Dependency: b.Previous(), BlockHash: b.Hash()},
			UncheckedInfo{Block: b, ArrivalTime: time.Now().Unix(), SigState: SigVerified})
	case GapSource:
		_ = PutUnchecked(txn, UncheckedKey{Dependency: b.Link(), BlockHash: b.Hash()},
			UncheckedInfo{Block: b, ArrivalTime: time.Now().Unix(), SigState: SigVerified})
	case Fork:
		if p.elections != nil {
			p.elections.Insert(b)
		}
		return
	case Progress:
		p.reprocessDependents(txn, b.Hash())
	}
}

// reprocessDependents re-enqueues every unchecked block parked on dep now
// that it has progressed, deleting their unchecked rows (spec.md §4.6
// "successful inserts dequeue/reprocess unchecked entries").
func (p *BlockProcessor) reprocessDependents(txn WriteTxn, dep BlockHash) {
	infos, err := GetUncheckedForDependency(txn, dep)
	if err != nil {
		return
	}
	for _, info := range infos {
		_ = DeleteUnchecked(txn, UncheckedKey{Dependency: dep, BlockHash: info.Block.Hash()})
		p.Add(info.Block, SourceLive)
	}
}

// beginProcessorTxn opens a write transaction on the ledger's store. It is
// a thin accessor so the block processor can batch many blocks into one
// transaction without the ledger exposing its store publicly elsewhere.
func (l *Ledger) beginProcessorTxn() (WriteTxn, error) {
	return l.store.BeginWrite()
}
