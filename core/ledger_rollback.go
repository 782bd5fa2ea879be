package core

import "errors"

// ErrRollbackConfirmed is returned when the caller asks to roll back a block
// at or below an account's confirmation height (spec.md §§4.3 "rollback
// refuses to cross confirmation_height").
var ErrRollbackConfirmed = errors.New("core: cannot roll back a cemented block")

// Rollback undoes account's current head block within its own write
// transaction. If the head is a send whose pending entry has already been
// redeemed, the redeeming block is rolled back first (recursively, since
// that receiver's own head may have since advanced further).
func (l *Ledger) Rollback(account Account) error {
	txn, err := l.store.BeginWrite()
	if err != nil {
		return err
	}
	if err := l.rollbackHead(txn, account); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

func (l *Ledger) rollbackHead(txn WriteTxn, account Account) error {
	ai, exists, err := GetAccountInfo(txn, account)
	if err != nil {
		return err
	}
	if !exists {
		return errors.New("core: no such account")
	}
	if ai.BlockCount <= ai.ConfirmationHeight {
		return ErrRollbackConfirmed
	}
	blk, sb, err := GetBlock(txn, ai.Head)
	if err != nil {
		return err
	}

	switch blk.Type {
	case BlockSend:
		return l.undoSend(txn, account, ai, blk, blk.Send.Destination)
	case BlockReceive:
		return l.undoReceive(txn, account, ai, blk, blk.Receive.Source)
	case BlockOpen:
		return l.undoOpen(txn, account, ai, blk)
	case BlockChange:
		return l.undoChange(txn, account, ai, blk)
	case BlockState:
		return l.undoState(txn, account, ai, blk, sb)
	default:
		return errors.New("core: cannot roll back unknown block type")
	}
}

// rollbackUntil repeatedly rolls back account's head until target is no
// longer reachable as its head, i.e. target itself has just been undone.
func (l *Ledger) rollbackUntil(txn WriteTxn, account Account, target BlockHash) error {
	for {
		ai, exists, err := GetAccountInfo(txn, account)
		if err != nil {
			return err
		}
		if !exists {
			return errors.New("core: rollback target not found on account")
		}
		wasTarget := ai.Head == target
		if err := l.rollbackHead(txn, account); err != nil {
			return err
		}
		if wasTarget {
			return nil
		}
	}
}

// releasePending restores a send's pending entry before undoing the send
// itself, rolling back whichever block redeemed it first if it was already
// received (spec.md §§4.3 "rollback ... recursively").
func (l *Ledger) releasePending(txn WriteTxn, sendHash BlockHash) error {
	receivingHash, redeemed, err := GetReceivedBy(txn, sendHash)
	if err != nil {
		return err
	}
	if !redeemed {
		return nil
	}
	destAccount, found, err := l.accountOf(txn, receivingHash)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("core: received_by points at an unknown block")
	}
	return l.rollbackUntil(txn, destAccount, receivingHash)
}

// priorRepBlock walks backward from hash until it finds a block that itself
// names a representative (open/change/state), or the chain start. Used to
// restore AccountInfo.RepBlock when undoing a legacy change block, since
// sends and receives never advance it (spec.md §§3).
func (l *Ledger) priorRepBlock(txn ReadTxn, hash BlockHash) (BlockHash, error) {
	for !hash.IsZero() {
		blk, _, err := GetBlock(txn, hash)
		if err != nil {
			return ZeroU256, err
		}
		if _, ok := blk.Representative(); ok {
			return hash, nil
		}
		hash = blk.Previous()
	}
	return ZeroU256, nil
}

func (l *Ledger) undoSend(txn WriteTxn, account Account, ai AccountInfo, blk *Block, destination Account) error {
	hash := blk.Hash()
	if err := l.releasePending(txn, hash); err != nil {
		return err
	}
	if err := DeletePending(txn, PendingKey{Destination: destination, SendHash: hash}); err != nil {
		return err
	}
	prev := blk.Send.Previous
	previousBalance, err := l.balanceBefore(txn, account, prev)
	if err != nil {
		return err
	}
	rep, err := l.representativeOf(txn, ai)
	if err != nil {
		return err
	}
	delta, err := previousBalance.Sub(blk.Send.Balance)
	if err != nil {
		return err
	}
	if err := AddWeight(txn, rep, delta); err != nil {
		return err
	}
	ai.Head = prev
	ai.Balance = previousBalance
	ai.BlockCount--
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return err
	}
	return l.finishUndo(txn, account, hash, prev)
}

func (l *Ledger) undoReceive(txn WriteTxn, account Account, ai AccountInfo, blk *Block, source BlockHash) error {
	hash := blk.Hash()
	sender, found, err := l.accountOf(txn, source)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("core: receive's source block has no owner")
	}
	prev := blk.Receive.Previous
	previousBalance, err := l.balanceBefore(txn, account, prev)
	if err != nil {
		return err
	}
	amount, err := ai.Balance.Sub(previousBalance)
	if err != nil {
		return err
	}
	rep, err := l.representativeOf(txn, ai)
	if err != nil {
		return err
	}
	if err := SubWeight(txn, rep, amount); err != nil {
		return err
	}
	if err := PutPending(txn, PendingKey{Destination: account, SendHash: source},
		PendingInfo{Source: sender, Amount: amount, Epoch: 0}); err != nil {
		return err
	}
	if err := DeleteReceivedBy(txn, source); err != nil {
		return err
	}
	ai.Head = prev
	ai.Balance = previousBalance
	ai.BlockCount--
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return err
	}
	return l.finishUndo(txn, account, hash, prev)
}

func (l *Ledger) undoOpen(txn WriteTxn, account Account, ai AccountInfo, blk *Block) error {
	hash := blk.Hash()
	f := blk.Open
	sender, found, err := l.accountOf(txn, f.Source)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("core: open's source block has no owner")
	}
	if err := SubWeight(txn, f.Representative, ai.Balance); err != nil {
		return err
	}
	if err := PutPending(txn, PendingKey{Destination: account, SendHash: f.Source},
		PendingInfo{Source: sender, Amount: ai.Balance, Epoch: 0}); err != nil {
		return err
	}
	if err := DeleteReceivedBy(txn, f.Source); err != nil {
		return err
	}
	if err := DeleteAccountInfo(txn, account); err != nil {
		return err
	}
	if err := DeleteFrontier(txn, hash); err != nil {
		return err
	}
	if err := DeleteBlock(txn, hash); err != nil {
		return err
	}
	return l.decrementBlockCount(txn)
}

func (l *Ledger) undoChange(txn WriteTxn, account Account, ai AccountInfo, blk *Block) error {
	hash := blk.Hash()
	f := blk.Change
	prev := f.Previous
	oldRepBlock, err := l.priorRepBlock(txn, prev)
	if err != nil {
		return err
	}
	var oldRep Account
	if !oldRepBlock.IsZero() {
		prevBlk, _, err := GetBlock(txn, oldRepBlock)
		if err != nil {
			return err
		}
		oldRep, _ = prevBlk.Representative()
	}
	if err := SubWeight(txn, f.Representative, ai.Balance); err != nil {
		return err
	}
	if err := AddWeight(txn, oldRep, ai.Balance); err != nil {
		return err
	}
	ai.Head = prev
	ai.RepBlock = oldRepBlock
	ai.BlockCount--
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return err
	}
	return l.finishUndo(txn, account, hash, prev)
}

func (l *Ledger) undoState(txn WriteTxn, account Account, ai AccountInfo, blk *Block, sb Sideband) error {
	f := blk.State
	hash := blk.Hash()
	prev := f.Previous

	if prev.IsZero() {
		// this state block both opened the account and (possibly) received
		// into it; undoing it removes the account entirely.
		if !f.Link.IsZero() && f.Link != l.gc.EpochLink {
			sender, found, err := l.accountOf(txn, f.Link)
			if err != nil {
				return err
			}
			if found {
				if err := PutPending(txn, PendingKey{Destination: account, SendHash: f.Link},
					PendingInfo{Source: sender, Amount: f.Balance, Epoch: ai.Epoch}); err != nil {
					return err
				}
				if err := DeleteReceivedBy(txn, f.Link); err != nil {
					return err
				}
			}
		}
		if !f.Balance.IsZero128() {
			if err := SubWeight(txn, f.Representative, f.Balance); err != nil {
				return err
			}
		}
		if err := DeleteAccountInfo(txn, account); err != nil {
			return err
		}
		if err := DeleteFrontier(txn, hash); err != nil {
			return err
		}
		if err := DeleteBlock(txn, hash); err != nil {
			return err
		}
		return l.decrementBlockCount(txn)
	}

	previousBalance, err := l.balanceBefore(txn, account, prev)
	if err != nil {
		return err
	}
	prevBlk, _, err := GetBlock(txn, prev)
	if err != nil {
		return err
	}
	prevRepBlock := prev
	prevRep, hasRep := prevBlk.Representative()
	if !hasRep {
		// prev is a legacy send/receive from before this account's chain
		// migrated to state blocks; walk further back for the block that
		// actually named the representative.
		prevRepBlock, err = l.priorRepBlock(txn, prev)
		if err != nil {
			return err
		}
		if !prevRepBlock.IsZero() {
			repBlk, _, err := GetBlock(txn, prevRepBlock)
			if err != nil {
				return err
			}
			prevRep, _ = repBlk.Representative()
		}
	}

	switch {
	case f.Balance.Less(previousBalance):
		if err := l.releasePending(txn, hash); err != nil {
			return err
		}
		if err := DeletePending(txn, PendingKey{Destination: f.Link, SendHash: hash}); err != nil {
			return err
		}
	case f.Balance != previousBalance && f.Link != l.gc.EpochLink:
		sender, found, err := l.accountOf(txn, f.Link)
		if err != nil {
			return err
		}
		if found {
			amount, err := f.Balance.Sub(previousBalance)
			if err != nil {
				return err
			}
			if err := PutPending(txn, PendingKey{Destination: account, SendHash: f.Link},
				PendingInfo{Source: sender, Amount: amount, Epoch: ai.Epoch}); err != nil {
				return err
			}
			if err := DeleteReceivedBy(txn, f.Link); err != nil {
				return err
			}
		}
	}

	if err := l.transferWeight(txn, ai, prevRep, f.Balance, previousBalance); err != nil {
		return err
	}
	ai.Head = prev
	ai.RepBlock = prevRepBlock
	ai.Balance = previousBalance
	ai.BlockCount--
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return err
	}
	return l.finishUndo(txn, account, hash, prev)
}

// balanceBefore returns the balance an account held as of prevHash (the
// zero hash meaning the account did not yet exist).
func (l *Ledger) balanceBefore(txn ReadTxn, account Account, prevHash BlockHash) (U128, error) {
	if prevHash.IsZero() {
		return ZeroU128, nil
	}
	_, sb, err := GetBlock(txn, prevHash)
	if err != nil {
		return ZeroU128, err
	}
	return sb.Balance, nil
}

// finishUndo clears hash's successor pointer from the block it used to
// point at to prev, restores prev's frontier entry, deletes hash's own rows
// and decrements the running block count. Shared tail of every undo* helper
// except undoOpen/undoState-as-open, which have no predecessor to restore.
func (l *Ledger) finishUndo(txn WriteTxn, account Account, hash, prev BlockHash) error {
	if err := DeleteFrontier(txn, hash); err != nil {
		return err
	}
	if !prev.IsZero() {
		prevBlk, prevSb, err := GetBlock(txn, prev)
		if err != nil {
			return err
		}
		prevSb.Successor = ZeroU256
		epoch := uint8(0)
		if prevBlk.Type == BlockState {
			if _, err := txn.Get(TableStateV1, prev[:]); err == nil {
				epoch = 1
			}
		}
		if err := PutBlock(txn, prevBlk, prevSb, epoch); err != nil {
			return err
		}
		if err := PutFrontier(txn, prev, account); err != nil {
			return err
		}
	}
	if err := DeleteBlock(txn, hash); err != nil {
		return err
	}
	return l.decrementBlockCount(txn)
}

func (l *Ledger) decrementBlockCount(txn WriteTxn) error {
	total, err := l.BlockCount(txn)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	return txn.Put(TableMeta, blockCountMetaKey[:], encodeU64(total-1))
}
