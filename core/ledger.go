package core

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProcessCode is the outcome of validating one block against the ledger
// (spec.md §§4.3).
type ProcessCode int

const (
	Progress ProcessCode = iota
	Old
	GapPrevious
	GapSource
	BadSignature
	NegativeSpend
	Unreceivable
	Fork
	OpenedBurnAccount
	BalanceMismatch
	RepresentativeMismatch
	BlockPosition
)

func (c ProcessCode) String() string {
	switch c {
	case Progress:
		return "progress"
	case Old:
		return "old"
	case GapPrevious:
		return "gap_previous"
	case GapSource:
		return "gap_source"
	case BadSignature:
		return "bad_signature"
	case NegativeSpend:
		return "negative_spend"
	case Unreceivable:
		return "unreceivable"
	case Fork:
		return "fork"
	case OpenedBurnAccount:
		return "opened_burn_account"
	case BalanceMismatch:
		return "balance_mismatch"
	case RepresentativeMismatch:
		return "representative_mismatch"
	case BlockPosition:
		return "block_position"
	default:
		return "unknown"
	}
}

// ProcessResult is the verdict Ledger.Process returns for one block.
type ProcessResult struct {
	Code           ProcessCode
	Amount         U128
	Account        Account
	PendingAccount Account // destination of a send / state-send
	StateIsSend    bool
	Verification   SignatureVerificationState
}

// Clock abstracts wall-clock time so tests can control ModifiedSeconds and
// sideband timestamps deterministically.
type Clock func() int64

func defaultClock() int64 { return time.Now().Unix() }

// Ledger implements the per-account validation state machine of spec.md
// §§4.3: apply/rollback blocks, maintain balances, frontiers, pending entries
// and representative weights. Genesis constants and epoch keys are instance
// fields, not process-wide globals (spec.md §§9).
type Ledger struct {
	store   Store
	gc      GenesisConstants
	uniquer *BlockUniquer
	clock   Clock
	logger  *log.Entry
}

// NewLedger opens a ledger over store, seeding it with the genesis block if
// the store is empty.
func NewLedger(store Store, gc GenesisConstants) (*Ledger, error) {
	l := &Ledger{
		store:   store,
		gc:      gc,
		uniquer: NewBlockUniquer(),
		clock:   defaultClock,
		logger:  log.WithField("component", "ledger"),
	}

	txn, err := store.BeginWrite()
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	if gc.GenesisBlock != nil {
		_, exists, err := GetAccountInfo(txn, gc.GenesisAccount)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := l.seedGenesis(txn); err != nil {
				return nil, err
			}
		}
	}
	return l, txn.Commit()
}

// seedGenesis writes the genesis open block directly rather than through
// process(): it is self-referential (its own source and account are the
// same key) and pre-funded with the entire supply, neither of which a
// regular open block is ever allowed to be (spec.md §§4.3/§§9).
func (l *Ledger) seedGenesis(txn WriteTxn) error {
	block := l.gc.GenesisBlock
	if block.Type != BlockOpen {
		return errors.New("core: genesis block must be an open block")
	}
	f := block.Open
	hash := block.Hash()
	if err := AddWeight(txn, f.Representative, l.gc.MaxBalance); err != nil {
		return err
	}
	ai := AccountInfo{
		Head: hash, RepBlock: hash, OpenBlock: hash,
		Balance: l.gc.MaxBalance, ModifiedSeconds: l.clock(), BlockCount: 1,
	}
	if err := PutAccountInfo(txn, f.Account, ai); err != nil {
		return err
	}
	if err := l.writeBlock(txn, block, f.Account, l.gc.MaxBalance, 1, 0); err != nil {
		return err
	}
	return l.updateFrontier(txn, ZeroU256, hash, f.Account)
}

// SetClock overrides the ledger's time source; used by tests.
func (l *Ledger) SetClock(c Clock) { l.clock = c }

// Genesis returns the ledger's genesis constants.
func (l *Ledger) Genesis() GenesisConstants { return l.gc }

// Uniquer exposes the ledger's block uniquer so ingress paths can
// canonicalize shared ownership before handing blocks to the ledger.
func (l *Ledger) Uniquer() *BlockUniquer { return l.uniquer }

// Process validates and, if valid, applies block within its own write
// transaction.
func (l *Ledger) Process(block *Block) (ProcessResult, error) {
	txn, err := l.store.BeginWrite()
	if err != nil {
		return ProcessResult{}, err
	}
	res, perr := l.process(txn, block)
	if perr != nil {
		txn.Abort()
		return ProcessResult{}, perr
	}
	if res.Code == Progress {
		return res, txn.Commit()
	}
	txn.Abort()
	return res, nil
}

// ProcessInTxn validates and applies block within an already-open write
// transaction, for batched callers (the block processor).
func (l *Ledger) ProcessInTxn(txn WriteTxn, block *Block) (ProcessResult, error) {
	return l.process(txn, block)
}

func (l *Ledger) process(txn WriteTxn, block *Block) (ProcessResult, error) {
	if err := block.validateShape(); err != nil {
		return ProcessResult{Code: BlockPosition}, nil
	}
	if BlockExists(txn, block.Hash()) {
		return ProcessResult{Code: Old}, nil
	}
	switch block.Type {
	case BlockSend:
		return l.processSend(txn, block)
	case BlockReceive:
		return l.processReceive(txn, block)
	case BlockOpen:
		return l.processOpen(txn, block)
	case BlockChange:
		return l.processChange(txn, block)
	case BlockState:
		return l.processState(txn, block)
	default:
		return ProcessResult{Code: BlockPosition}, nil
	}
}

// accountOf resolves the account owning head, preferring the sideband's
// denormalized owner field and falling back to the legacy frontier table
// (spec.md §§3 "Frontier").
func (l *Ledger) accountOf(txn ReadTxn, head BlockHash) (Account, bool, error) {
	_, sb, err := GetBlock(txn, head)
	if err == nil {
		return sb.Account, true, nil
	}
	if err != ErrNotFound {
		return ZeroAccount, false, err
	}
	acc, ok, ferr := GetFrontier(txn, head)
	return acc, ok, ferr
}

// representativeOf resolves an account's current representative by
// following AccountInfo.RepBlock (spec.md §§3: "rep_block is the most recent
// block defining the representative").
func (l *Ledger) representativeOf(txn ReadTxn, ai AccountInfo) (Account, error) {
	if ai.RepBlock.IsZero() {
		return ZeroAccount, nil
	}
	blk, _, err := GetBlock(txn, ai.RepBlock)
	if err != nil {
		return ZeroAccount, err
	}
	rep, ok := blk.Representative()
	if !ok {
		return ZeroAccount, errors.New("core: rep_block does not define a representative")
	}
	return rep, nil
}

// updateFrontier maintains the legacy frontier table, valid only for
// pre-state blocks (spec.md §§3).
func (l *Ledger) updateFrontier(txn WriteTxn, oldHead, newHead BlockHash, account Account) error {
	if !oldHead.IsZero() {
		_ = DeleteFrontier(txn, oldHead)
	}
	return PutFrontier(txn, newHead, account)
}

// predecessorFill writes newHash into prevHash's successor sideband field
// (spec.md §§4.3). Open blocks have no predecessor and this is a no-op.
func (l *Ledger) predecessorFill(txn WriteTxn, prevHash, newHash BlockHash) error {
	if prevHash.IsZero() {
		return nil
	}
	blk, sb, err := GetBlock(txn, prevHash)
	if err != nil {
		return err
	}
	sb.Successor = newHash
	epoch := uint8(0)
	if blk.Type == BlockState {
		// state_v0/state_v1 is keyed by the *block's own* epoch, which the
		// sideband does not directly carry; re-derive it by checking which
		// table currently holds it.
		if _, err := txn.Get(TableStateV1, prevHash[:]); err == nil {
			epoch = 1
		}
	}
	return PutBlock(txn, blk, sb, epoch)
}

func (l *Ledger) writeBlock(txn WriteTxn, block *Block, account Account, balance U128, height uint64, epoch uint8) error {
	sb := Sideband{Type: block.Type, Account: account, Balance: balance, Height: height, Timestamp: l.clock()}
	if err := PutBlock(txn, block, sb, epoch); err != nil {
		return err
	}
	return l.incrementBlockCount(txn)
}

// incrementBlockCount maintains the running total Weight consults to decide
// whether the bootstrap weight override is still active (spec.md §§4.3).
func (l *Ledger) incrementBlockCount(txn WriteTxn) error {
	total, err := l.BlockCount(txn)
	if err != nil {
		return err
	}
	return txn.Put(TableMeta, blockCountMetaKey[:], encodeU64(total+1))
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// --- send --------------------------------------------------------------

func (l *Ledger) processSend(txn WriteTxn, block *Block) (ProcessResult, error) {
	f := block.Send
	account, found, err := l.accountOf(txn, f.Previous)
	if err != nil {
		return ProcessResult{}, err
	}
	if !found {
		return ProcessResult{Code: GapPrevious}, nil
	}
	ai, _, err := GetAccountInfo(txn, account)
	if err != nil {
		return ProcessResult{}, err
	}
	if ai.Head != f.Previous {
		return ProcessResult{Code: Fork}, nil
	}
	if !VerifySignature(account, block.Hash().Bytes(), block.Signature) {
		return ProcessResult{Code: BadSignature}, nil
	}
	if !f.Balance.Less(ai.Balance) {
		return ProcessResult{Code: NegativeSpend}, nil
	}
	delta, err := ai.Balance.Sub(f.Balance)
	if err != nil {
		return ProcessResult{}, err
	}
	rep, err := l.representativeOf(txn, ai)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := SubWeight(txn, rep, delta); err != nil {
		return ProcessResult{}, err
	}
	if err := PutPending(txn, PendingKey{Destination: f.Destination, SendHash: block.Hash()},
		PendingInfo{Source: account, Amount: delta, Epoch: 0}); err != nil {
		return ProcessResult{}, err
	}

	oldHead := ai.Head
	ai.Head = block.Hash()
	ai.Balance = f.Balance
	ai.BlockCount++
	ai.ModifiedSeconds = l.clock()
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, account, f.Balance, ai.BlockCount, 0); err != nil {
		return ProcessResult{}, err
	}
	if err := l.predecessorFill(txn, f.Previous, block.Hash()); err != nil {
		return ProcessResult{}, err
	}
	if err := l.updateFrontier(txn, oldHead, block.Hash(), account); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: Progress, Amount: delta, Account: account, PendingAccount: f.Destination}, nil
}

// --- receive -------------------------------------------------------------

func (l *Ledger) processReceive(txn WriteTxn, block *Block) (ProcessResult, error) {
	f := block.Receive
	account, found, err := l.accountOf(txn, f.Previous)
	if err != nil {
		return ProcessResult{}, err
	}
	if !found {
		return ProcessResult{Code: GapPrevious}, nil
	}
	if !BlockExists(txn, f.Source) {
		return ProcessResult{Code: GapSource}, nil
	}
	ai, _, err := GetAccountInfo(txn, account)
	if err != nil {
		return ProcessResult{}, err
	}
	if ai.Head != f.Previous {
		return ProcessResult{Code: Fork}, nil
	}
	if !VerifySignature(account, block.Hash().Bytes(), block.Signature) {
		return ProcessResult{Code: BadSignature}, nil
	}
	pending, ok, err := GetPending(txn, PendingKey{Destination: account, SendHash: f.Source})
	if err != nil {
		return ProcessResult{}, err
	}
	if !ok || pending.Epoch != 0 {
		// legacy receive cannot redeem an epoch-1 send (spec.md §§4.3).
		return ProcessResult{Code: Unreceivable}, nil
	}
	if err := DeletePending(txn, PendingKey{Destination: account, SendHash: f.Source}); err != nil {
		return ProcessResult{}, err
	}
	if err := PutReceivedBy(txn, f.Source, block.Hash()); err != nil {
		return ProcessResult{}, err
	}
	rep, err := l.representativeOf(txn, ai)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := AddWeight(txn, rep, pending.Amount); err != nil {
		return ProcessResult{}, err
	}
	newBalance, err := ai.Balance.Add(pending.Amount)
	if err != nil {
		return ProcessResult{}, err
	}

	oldHead := ai.Head
	ai.Head = block.Hash()
	ai.Balance = newBalance
	ai.BlockCount++
	ai.ModifiedSeconds = l.clock()
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, account, newBalance, ai.BlockCount, 0); err != nil {
		return ProcessResult{}, err
	}
	if err := l.predecessorFill(txn, f.Previous, block.Hash()); err != nil {
		return ProcessResult{}, err
	}
	if err := l.updateFrontier(txn, oldHead, block.Hash(), account); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: Progress, Amount: pending.Amount, Account: account}, nil
}

// --- open ----------------------------------------------------------------

func (l *Ledger) processOpen(txn WriteTxn, block *Block) (ProcessResult, error) {
	f := block.Open
	if !BlockExists(txn, f.Source) {
		return ProcessResult{Code: GapSource}, nil
	}
	if f.Account == l.gc.BurnAccount {
		return ProcessResult{Code: OpenedBurnAccount}, nil
	}
	if _, exists, err := GetAccountInfo(txn, f.Account); err != nil {
		return ProcessResult{}, err
	} else if exists {
		return ProcessResult{Code: Fork}, nil
	}
	if !VerifySignature(f.Account, block.Hash().Bytes(), block.Signature) {
		return ProcessResult{Code: BadSignature}, nil
	}
	pending, ok, err := GetPending(txn, PendingKey{Destination: f.Account, SendHash: f.Source})
	if err != nil {
		return ProcessResult{}, err
	}
	if !ok || pending.Epoch != 0 {
		return ProcessResult{Code: Unreceivable}, nil
	}
	if err := DeletePending(txn, PendingKey{Destination: f.Account, SendHash: f.Source}); err != nil {
		return ProcessResult{}, err
	}
	if err := PutReceivedBy(txn, f.Source, block.Hash()); err != nil {
		return ProcessResult{}, err
	}
	if err := AddWeight(txn, f.Representative, pending.Amount); err != nil {
		return ProcessResult{}, err
	}

	hash := block.Hash()
	ai := AccountInfo{
		Head: hash, RepBlock: hash, OpenBlock: hash,
		Balance: pending.Amount, ModifiedSeconds: l.clock(), BlockCount: 1,
	}
	if err := PutAccountInfo(txn, f.Account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, f.Account, pending.Amount, 1, 0); err != nil {
		return ProcessResult{}, err
	}
	if err := l.updateFrontier(txn, ZeroU256, hash, f.Account); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: Progress, Amount: pending.Amount, Account: f.Account}, nil
}

// --- change ----------------------------------------------------------------

func (l *Ledger) processChange(txn WriteTxn, block *Block) (ProcessResult, error) {
	f := block.Change
	account, found, err := l.accountOf(txn, f.Previous)
	if err != nil {
		return ProcessResult{}, err
	}
	if !found {
		return ProcessResult{Code: GapPrevious}, nil
	}
	ai, _, err := GetAccountInfo(txn, account)
	if err != nil {
		return ProcessResult{}, err
	}
	if ai.Head != f.Previous {
		return ProcessResult{Code: Fork}, nil
	}
	if !VerifySignature(account, block.Hash().Bytes(), block.Signature) {
		return ProcessResult{Code: BadSignature}, nil
	}
	oldRep, err := l.representativeOf(txn, ai)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := SubWeight(txn, oldRep, ai.Balance); err != nil {
		return ProcessResult{}, err
	}
	if err := AddWeight(txn, f.Representative, ai.Balance); err != nil {
		return ProcessResult{}, err
	}

	oldHead := ai.Head
	hash := block.Hash()
	ai.Head = hash
	ai.RepBlock = hash
	ai.BlockCount++
	ai.ModifiedSeconds = l.clock()
	if err := PutAccountInfo(txn, account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, account, ai.Balance, ai.BlockCount, 0); err != nil {
		return ProcessResult{}, err
	}
	if err := l.predecessorFill(txn, f.Previous, hash); err != nil {
		return ProcessResult{}, err
	}
	if err := l.updateFrontier(txn, oldHead, hash, account); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: Progress, Account: account}, nil
}

// --- state -----------------------------------------------------------------

func (l *Ledger) processState(txn WriteTxn, block *Block) (ProcessResult, error) {
	f := block.State
	ai, exists, err := GetAccountInfo(txn, f.Account)
	if err != nil {
		return ProcessResult{}, err
	}

	var previousBalance U128
	var existingHead BlockHash
	if exists {
		if f.Previous != ai.Head {
			return ProcessResult{Code: Fork}, nil
		}
		previousBalance = ai.Balance
		existingHead = ai.Head
	} else {
		if !f.Previous.IsZero() {
			return ProcessResult{Code: GapPrevious}, nil
		}
		previousBalance = ZeroU128
	}

	// Epoch-marker classification (spec.md §§4.3): link matches the
	// configured epoch link, balance is unchanged, and -- decisively --
	// the signature verifies under the epoch signer rather than the
	// account's own key.
	if block.IsEpochCandidate(l.gc, previousBalance) &&
		VerifySignature(l.gc.EpochSigner.Public, block.Hash().Bytes(), block.Signature) {
		var currentRep Account
		if exists {
			currentRep, err = l.representativeOf(txn, ai)
			if err != nil {
				return ProcessResult{}, err
			}
		}
		if f.Representative != currentRep {
			return ProcessResult{Code: RepresentativeMismatch}, nil
		}
		hash := block.Hash()
		if exists {
			ai.Epoch = maxEpoch(ai.Epoch, 1)
			ai.Head = hash
			ai.BlockCount++
			ai.ModifiedSeconds = l.clock()
		} else {
			ai = AccountInfo{Head: hash, RepBlock: hash, OpenBlock: hash, Epoch: 1, BlockCount: 1, ModifiedSeconds: l.clock()}
		}
		if err := PutAccountInfo(txn, f.Account, ai); err != nil {
			return ProcessResult{}, err
		}
		if err := l.writeBlock(txn, block, f.Account, previousBalance, ai.BlockCount, ai.Epoch); err != nil {
			return ProcessResult{}, err
		}
		if exists {
			if err := l.predecessorFill(txn, existingHead, hash); err != nil {
				return ProcessResult{}, err
			}
		}
		return ProcessResult{Code: Progress, Account: f.Account}, nil
	}

	// Regular (non-epoch) state block: must verify under the account's own
	// key.
	if !VerifySignature(f.Account, block.Hash().Bytes(), block.Signature) {
		return ProcessResult{Code: BadSignature}, nil
	}
	if f.Account == l.gc.BurnAccount && !exists {
		return ProcessResult{Code: OpenedBurnAccount}, nil
	}

	switch {
	case f.Balance.Less(previousBalance):
		return l.applyStateSend(txn, block, ai, exists, previousBalance)
	case f.Balance == previousBalance:
		if !f.Link.IsZero() {
			return ProcessResult{Code: BalanceMismatch}, nil
		}
		return l.applyStateChange(txn, block, ai, exists, previousBalance)
	default: // f.Balance > previousBalance
		return l.applyStateReceive(txn, block, ai, exists, previousBalance)
	}
}

// transferWeight applies the weight-bookkeeping consequence of one state
// block: every state block names a representative, even sends and receives
// that happen to repeat the account's existing one, so the representative
// can change on any subtype (spec.md §§4.3). When it stays the same only the
// balance delta moves; when it changes the whole old and new balances move
// between the two representatives.
func (l *Ledger) transferWeight(txn WriteTxn, ai AccountInfo, newRep Account, oldBalance, newBalance U128) error {
	oldRep, err := l.representativeOf(txn, ai)
	if err != nil {
		return err
	}
	if oldRep == newRep {
		if newBalance.Less(oldBalance) {
			delta, err := oldBalance.Sub(newBalance)
			if err != nil {
				return err
			}
			return SubWeight(txn, oldRep, delta)
		}
		delta, err := newBalance.Sub(oldBalance)
		if err != nil {
			return err
		}
		return AddWeight(txn, oldRep, delta)
	}
	if err := SubWeight(txn, oldRep, oldBalance); err != nil {
		return err
	}
	return AddWeight(txn, newRep, newBalance)
}

func maxEpoch(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func (l *Ledger) applyStateSend(txn WriteTxn, block *Block, ai AccountInfo, exists bool, previousBalance U128) (ProcessResult, error) {
	f := block.State
	if !exists {
		// unsigned arithmetic already rules this out (balance can never be
		// less than a zero previous balance), kept for clarity.
		return ProcessResult{Code: BlockPosition}, nil
	}
	delta, err := previousBalance.Sub(f.Balance)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := l.transferWeight(txn, ai, f.Representative, previousBalance, f.Balance); err != nil {
		return ProcessResult{}, err
	}
	if err := PutPending(txn, PendingKey{Destination: f.Link, SendHash: block.Hash()},
		PendingInfo{Source: f.Account, Amount: delta, Epoch: ai.Epoch}); err != nil {
		return ProcessResult{}, err
	}

	hash := block.Hash()
	oldHead := ai.Head
	ai.Head = hash
	ai.RepBlock = hash
	ai.Balance = f.Balance
	ai.BlockCount++
	ai.ModifiedSeconds = l.clock()
	if err := PutAccountInfo(txn, f.Account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, f.Account, f.Balance, ai.BlockCount, ai.Epoch); err != nil {
		return ProcessResult{}, err
	}
	if err := l.predecessorFill(txn, oldHead, hash); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: Progress, Amount: delta, Account: f.Account, PendingAccount: f.Link, StateIsSend: true}, nil
}

func (l *Ledger) applyStateReceive(txn WriteTxn, block *Block, ai AccountInfo, exists bool, previousBalance U128) (ProcessResult, error) {
	f := block.State
	delta, err := f.Balance.Sub(previousBalance)
	if err != nil {
		return ProcessResult{}, err
	}
	destination := PendingKey{Destination: f.Account, SendHash: f.Link}
	pending, ok, err := GetPending(txn, destination)
	if err != nil {
		return ProcessResult{}, err
	}
	if !ok || pending.Amount != delta {
		if !exists {
			// opening a brand-new account with no matching pending entry:
			// there is nothing else this block could be (spec.md §§4.3
			// "open"-equivalent), so this is simply unreceivable.
			return ProcessResult{Code: Unreceivable}, nil
		}
		// existing account claiming an unbacked balance increase.
		return ProcessResult{Code: NegativeSpend}, nil
	}
	if err := DeletePending(txn, destination); err != nil {
		return ProcessResult{}, err
	}
	if err := PutReceivedBy(txn, f.Link, block.Hash()); err != nil {
		return ProcessResult{}, err
	}
	newEpoch := maxEpoch(ai.Epoch, pending.Epoch)

	hash := block.Hash()
	var oldHead BlockHash
	if exists {
		oldHead = ai.Head
		if err := l.transferWeight(txn, ai, f.Representative, previousBalance, f.Balance); err != nil {
			return ProcessResult{}, err
		}
		ai.Head = hash
		ai.RepBlock = hash
		ai.Balance = f.Balance
		ai.Epoch = newEpoch
		ai.BlockCount++
		ai.ModifiedSeconds = l.clock()
	} else {
		if err := AddWeight(txn, f.Representative, f.Balance); err != nil {
			return ProcessResult{}, err
		}
		ai = AccountInfo{Head: hash, RepBlock: hash, OpenBlock: hash, Balance: f.Balance,
			Epoch: newEpoch, BlockCount: 1, ModifiedSeconds: l.clock()}
	}
	if err := PutAccountInfo(txn, f.Account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, f.Account, f.Balance, ai.BlockCount, newEpoch); err != nil {
		return ProcessResult{}, err
	}
	if exists {
		if err := l.predecessorFill(txn, oldHead, hash); err != nil {
			return ProcessResult{}, err
		}
	}
	return ProcessResult{Code: Progress, Amount: delta, Account: f.Account}, nil
}

func (l *Ledger) applyStateChange(txn WriteTxn, block *Block, ai AccountInfo, exists bool, previousBalance U128) (ProcessResult, error) {
	f := block.State
	if !exists {
		// zero balance, zero link, brand-new account: nothing to record.
		return ProcessResult{Code: BlockPosition}, nil
	}
	if err := l.transferWeight(txn, ai, f.Representative, previousBalance, previousBalance); err != nil {
		return ProcessResult{}, err
	}

	hash := block.Hash()
	oldHead := ai.Head
	ai.Head = hash
	ai.RepBlock = hash
	ai.BlockCount++
	ai.ModifiedSeconds = l.clock()
	if err := PutAccountInfo(txn, f.Account, ai); err != nil {
		return ProcessResult{}, err
	}
	if err := l.writeBlock(txn, block, f.Account, previousBalance, ai.BlockCount, ai.Epoch); err != nil {
		return ProcessResult{}, err
	}
	if err := l.predecessorFill(txn, oldHead, hash); err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Code: Progress, Account: f.Account}, nil
}

// Weight returns a representative's current vote weight: the live
// representation-table entry, or -- only while the ledger's total block
// count is below BootstrapWeightMaxBlocks -- a compiled bootstrap override
// (spec.md §§4.3). The override is permanently disabled past the threshold.
func (l *Ledger) Weight(txn ReadTxn, rep Account) (U128, error) {
	live, err := GetWeight(txn, rep)
	if err != nil {
		return U128{}, err
	}
	total, err := l.BlockCount(txn)
	if err != nil {
		return U128{}, err
	}
	if total < l.gc.BootstrapWeightMaxBlocks {
		if w, ok := l.gc.BootstrapWeights[rep]; ok {
			return w, nil
		}
	}
	return live, nil
}

// BlockCount returns the ledger's total processed-block count, derived from
// the meta table's running counter.
func (l *Ledger) BlockCount(txn ReadTxn) (uint64, error) {
	v, err := txn.Get(TableMeta, blockCountMetaKey[:])
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeU64(v), nil
}

var blockCountMetaKey = U256{31: 2}

func decodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
