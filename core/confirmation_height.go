package core

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConfirmationHeightProcessor walks an account's chain forward from its
// current confirmation_height up to a target height, cementing each block
// along the way in one transaction (spec.md §4.9). Cementing a receive or
// open also cements the send it redeemed, since the destination's
// confirmation implies the source funds were truly spent.
type ConfirmationHeightProcessor struct {
	ledger *Ledger

	mu       sync.Mutex
	observer func(account Account, hash BlockHash, height uint64)

	logger *log.Entry
}

// NewConfirmationHeightProcessor builds a processor over ledger.
func NewConfirmationHeightProcessor(ledger *Ledger) *ConfirmationHeightProcessor {
	return &ConfirmationHeightProcessor{
		ledger: ledger,
		logger: log.WithField("component", "confirmation_height"),
	}
}

// OnCemented registers a callback invoked once per cemented block, used by
// the confirmation observer chain (spec.md §9).
func (c *ConfirmationHeightProcessor) OnCemented(fn func(account Account, hash BlockHash, height uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// CementUpTo walks account forward from its stored confirmation_height to
// targetHeight (inclusive), updating AccountInfo.ConfirmationHeight and
// cementing the originating send of every receive/open encountered along
// the way, all within one write transaction (spec.md §4.9).
func (c *ConfirmationHeightProcessor) CementUpTo(account Account, targetHeight uint64) error {
	txn, err := c.ledger.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()

	ai, exists, err := GetAccountInfo(txn, account)
	if err != nil {
		return err
	}
	if !exists || ai.ConfirmationHeight >= targetHeight {
		return txn.Commit()
	}

	hash, err := hashAtHeight(txn, account, ai, ai.ConfirmationHeight+1)
	if err != nil {
		return err
	}

	for h := ai.ConfirmationHeight + 1; h <= targetHeight; h++ {
		block, sb, err := GetBlock(txn, hash)
		if err != nil {
			return err
		}
		if err := c.cementSourceIfReceive(txn, block); err != nil {
			return err
		}
		ai.ConfirmationHeight = h
		if err := PutAccountInfo(txn, account, ai); err != nil {
			return err
		}
		c.notify(account, hash, h)
		if h == targetHeight {
			break
		}
		hash = sb.Successor
		if hash.IsZero() {
			break
		}
	}
	return txn.Commit()
}

// cementSourceIfReceive cements the send block a receive/open/state-receive
// redeemed, since confirming the destination implies the source transfer is
// final too (spec.md §4.9 "receive also enqueues the source send").
func (c *ConfirmationHeightProcessor) cementSourceIfReceive(txn WriteTxn, block *Block) error {
	source := receiveSource(block)
	if source.IsZero() {
		return nil
	}
	srcAccount, found, err := c.ledger.accountOf(txn, source)
	if err != nil || !found {
		return err
	}
	_, srcSideband, err := GetBlock(txn, source)
	if err != nil {
		return err
	}
	srcAI, exists, err := GetAccountInfo(txn, srcAccount)
	if err != nil || !exists {
		return err
	}
	if srcSideband.Height <= srcAI.ConfirmationHeight {
		return nil
	}
	srcAI.ConfirmationHeight = srcSideband.Height
	return PutAccountInfo(txn, srcAccount, srcAI)
}

// receiveSource returns the hash of the send block a block redeems, or the
// zero hash if block is not a receive-shaped block.
func receiveSource(block *Block) BlockHash {
	switch block.Type {
	case BlockReceive:
		return block.Receive.Source
	case BlockOpen:
		return block.Open.Source
	case BlockState:
		// Every non-zero state link is passed on as a candidate source. For
		// a send (link is the destination account) or an epoch marker the
		// link names no stored block, so accountOf finds no owner and
		// cementSourceIfReceive does nothing for it.
		return block.State.Link
	default:
		return ZeroU256
	}
}

func (c *ConfirmationHeightProcessor) notify(account Account, hash BlockHash, height uint64) {
	c.mu.Lock()
	fn := c.observer
	c.mu.Unlock()
	if fn != nil {
		fn(account, hash, height)
	}
}

// hashAtHeight walks forward from the account's open block to height,
// following sideband successor pointers. Used only to locate the starting
// hash for CementUpTo; subsequent iterations reuse the previous block's
// successor instead of repeating this walk.
func hashAtHeight(txn ReadTxn, account Account, ai AccountInfo, height uint64) (BlockHash, error) {
	hash := ai.OpenBlock
	_, sb, err := GetBlock(txn, hash)
	if err != nil {
		return ZeroU256, err
	}
	for sb.Height < height {
		hash = sb.Successor
		if hash.IsZero() {
			return ZeroU256, ErrNotFound
		}
		_, sb, err = GetBlock(txn, hash)
		if err != nil {
			return ZeroU256, err
		}
	}
	return hash, nil
}
