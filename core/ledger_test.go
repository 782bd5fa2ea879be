package core

import (
	"path/filepath"
	"testing"
)

func newTestLedger(t *testing.T) (*Ledger, GenesisConstants) {
	t.Helper()
	gc, err := TestGenesis()
	if err != nil {
		t.Fatalf("TestGenesis: %v", err)
	}
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	l, err := NewLedger(store, gc)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l, gc
}

func mustSub(t *testing.T, a, b U128) U128 {
	t.Helper()
	v, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub: %v", err)
	}
	return v
}

// signedState builds a state block for kp's account with the given previous,
// representative, balance and link, and signs it with kp.
func signedState(t *testing.T, kp Ed25519KeyPair, prev BlockHash, rep Account, balance U128, link U256) *Block {
	t.Helper()
	blk := &Block{
		Type: BlockState,
		State: &StateFields{
			Account:        kp.Public,
			Previous:       prev,
			Representative: rep,
			Balance:        balance,
			Link:           link,
		},
	}
	hash := blk.Hash()
	sig, err := kp.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	blk.Signature = sig
	return blk
}

func mustGetAccountInfo(t *testing.T, store Store, account Account) AccountInfo {
	t.Helper()
	txn, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer txn.Discard()
	ai, ok, err := GetAccountInfo(txn, account)
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if !ok {
		t.Fatalf("account %x has no info", account[:4])
	}
	return ai
}

func mustGetWeight(t *testing.T, l *Ledger, store Store, rep Account) U128 {
	t.Helper()
	txn, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer txn.Discard()
	w, err := l.Weight(txn, rep)
	if err != nil {
		t.Fatalf("Weight: %v", err)
	}
	return w
}

func process(t *testing.T, l *Ledger, blk *Block) ProcessResult {
	t.Helper()
	res, err := l.Process(blk)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return res
}

func TestNewLedgerSeedsGenesis(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	defer store.Close()
	gc, err := TestGenesis()
	if err != nil {
		t.Fatalf("TestGenesis: %v", err)
	}
	l, err := NewLedger(store, gc)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ai := mustGetAccountInfo(t, store, gc.GenesisAccount)
	if ai.Balance != gc.MaxBalance {
		t.Fatalf("genesis balance = %x, want %x", ai.Balance[:], gc.MaxBalance[:])
	}
	if ai.BlockCount != 1 {
		t.Fatalf("genesis block count = %d, want 1", ai.BlockCount)
	}
	w := mustGetWeight(t, l, store, gc.GenesisAccount)
	if w != gc.MaxBalance {
		t.Fatalf("genesis weight = %x, want %x", w[:], gc.MaxBalance[:])
	}
	// Reopening must not reseed or duplicate genesis.
	l2, err := NewLedger(store, gc)
	if err != nil {
		t.Fatalf("NewLedger (reopen): %v", err)
	}
	count, err := func() (uint64, error) {
		txn, err := store.BeginRead()
		if err != nil {
			return 0, err
		}
		defer txn.Discard()
		return l2.BlockCount(txn)
	}()
	if err != nil {
		t.Fatalf("BlockCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("block count after reopen = %d, want 1 (no reseed)", count)
	}
}

func TestStateSendAndReceive(t *testing.T) {
	l, gc := newTestLedger(t)
	store := l.store

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}

	sendAmount := U128{15: 100}
	newBalance := mustSub(t, gc.MaxBalance, sendAmount)

	sendBlk := signedState(t, gc.GenesisKey, gc.GenesisBlock.Hash(), gc.GenesisAccount, newBalance, U256(destKP.Public))
	res := process(t, l, sendBlk)
	if res.Code != Progress {
		t.Fatalf("send result = %v, want Progress", res.Code)
	}
	if res.Amount != sendAmount {
		t.Fatalf("send amount = %x, want %x", res.Amount[:], sendAmount[:])
	}
	if !res.StateIsSend {
		t.Fatalf("StateIsSend = false, want true")
	}

	genesisAi := mustGetAccountInfo(t, store, gc.GenesisAccount)
	if genesisAi.Balance != newBalance {
		t.Fatalf("genesis balance after send = %x, want %x", genesisAi.Balance[:], newBalance[:])
	}
	if genesisAi.RepBlock != sendBlk.Hash() {
		t.Fatalf("genesis rep_block not advanced by state send")
	}

	genesisWeight := mustGetWeight(t, l, store, gc.GenesisAccount)
	if genesisWeight != newBalance {
		t.Fatalf("genesis weight after send = %x, want %x", genesisWeight[:], newBalance[:])
	}

	// Receive: opens destKP's account.
	recvBlk := signedState(t, destKP, ZeroU256, destKP.Public, sendAmount, sendBlk.Hash())
	res = process(t, l, recvBlk)
	if res.Code != Progress {
		t.Fatalf("receive result = %v, want Progress", res.Code)
	}

	destAi := mustGetAccountInfo(t, store, destKP.Public)
	if destAi.Balance != sendAmount {
		t.Fatalf("dest balance = %x, want %x", destAi.Balance[:], sendAmount[:])
	}
	destWeight := mustGetWeight(t, l, store, destKP.Public)
	if destWeight != sendAmount {
		t.Fatalf("dest weight = %x, want %x", destWeight[:], sendAmount[:])
	}
}

func TestStateSendForkAndDuplicate(t *testing.T) {
	l, gc := newTestLedger(t)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	sendAmount := U128{15: 50}
	newBalance := mustSub(t, gc.MaxBalance, sendAmount)

	sendBlk := signedState(t, gc.GenesisKey, gc.GenesisBlock.Hash(), gc.GenesisAccount, newBalance, U256(destKP.Public))
	if res := process(t, l, sendBlk); res.Code != Progress {
		t.Fatalf("first send = %v, want Progress", res.Code)
	}

	// Re-processing the identical block is Old.
	if res := process(t, l, sendBlk); res.Code != Old {
		t.Fatalf("duplicate send = %v, want Old", res.Code)
	}

	// A second send off the same (now stale) previous hash forks.
	otherAmount := U128{15: 10}
	otherBalance := mustSub(t, gc.MaxBalance, otherAmount)
	forkBlk := signedState(t, gc.GenesisKey, gc.GenesisBlock.Hash(), gc.GenesisAccount, otherBalance, U256(destKP.Public))
	if res := process(t, l, forkBlk); res.Code != Fork {
		t.Fatalf("fork send = %v, want Fork", res.Code)
	}
}

func TestStateReceiveUnreceivableWithoutPending(t *testing.T) {
	l, _ := newTestLedger(t)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	bogusSource := U256{1: 0xaa}
	recvBlk := signedState(t, destKP, ZeroU256, destKP.Public, U128{15: 5}, bogusSource)
	res := process(t, l, recvBlk)
	if res.Code != Unreceivable {
		t.Fatalf("receive with no pending = %v, want Unreceivable", res.Code)
	}
}

func TestStateChangeRepresentative(t *testing.T) {
	l, gc := newTestLedger(t)
	store := l.store

	newRepKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	changeBlk := signedState(t, gc.GenesisKey, gc.GenesisBlock.Hash(), newRepKP.Public, gc.MaxBalance, ZeroU256)
	if res := process(t, l, changeBlk); res.Code != Progress {
		t.Fatalf("change result = %v, want Progress", res.Code)
	}

	oldWeight := mustGetWeight(t, l, store, gc.GenesisAccount)
	if oldWeight != ZeroU128 {
		t.Fatalf("old rep weight = %x, want zero", oldWeight[:])
	}
	newWeight := mustGetWeight(t, l, store, newRepKP.Public)
	if newWeight != gc.MaxBalance {
		t.Fatalf("new rep weight = %x, want %x", newWeight[:], gc.MaxBalance[:])
	}
	ai := mustGetAccountInfo(t, store, gc.GenesisAccount)
	if ai.RepBlock != changeBlk.Hash() {
		t.Fatalf("rep_block not updated by change")
	}
}

func TestRollbackUndoesSend(t *testing.T) {
	l, gc := newTestLedger(t)
	store := l.store

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	sendAmount := U128{15: 77}
	newBalance := mustSub(t, gc.MaxBalance, sendAmount)
	sendBlk := signedState(t, gc.GenesisKey, gc.GenesisBlock.Hash(), gc.GenesisAccount, newBalance, U256(destKP.Public))
	if res := process(t, l, sendBlk); res.Code != Progress {
		t.Fatalf("send = %v, want Progress", res.Code)
	}

	if err := l.Rollback(gc.GenesisAccount); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	ai := mustGetAccountInfo(t, store, gc.GenesisAccount)
	if ai.Balance != gc.MaxBalance {
		t.Fatalf("balance after rollback = %x, want %x (pre-send)", ai.Balance[:], gc.MaxBalance[:])
	}
	if ai.Head != gc.GenesisBlock.Hash() {
		t.Fatalf("head after rollback not restored to genesis")
	}
	if ai.BlockCount != 1 {
		t.Fatalf("block count after rollback = %d, want 1", ai.BlockCount)
	}
	w := mustGetWeight(t, l, store, gc.GenesisAccount)
	if w != gc.MaxBalance {
		t.Fatalf("weight after rollback = %x, want %x", w[:], gc.MaxBalance[:])
	}

	// The send can be reprocessed after rollback (its pending entry and
	// block row were fully undone).
	if res := process(t, l, sendBlk); res.Code != Progress {
		t.Fatalf("replaying the rolled-back send = %v, want Progress", res.Code)
	}
}

func TestRollbackRecursesThroughRedeemedSend(t *testing.T) {
	l, gc := newTestLedger(t)
	store := l.store

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	sendAmount := U128{15: 40}
	newBalance := mustSub(t, gc.MaxBalance, sendAmount)
	sendBlk := signedState(t, gc.GenesisKey, gc.GenesisBlock.Hash(), gc.GenesisAccount, newBalance, U256(destKP.Public))
	if res := process(t, l, sendBlk); res.Code != Progress {
		t.Fatalf("send = %v, want Progress", res.Code)
	}

	recvBlk := signedState(t, destKP, ZeroU256, destKP.Public, sendAmount, sendBlk.Hash())
	if res := process(t, l, recvBlk); res.Code != Progress {
		t.Fatalf("receive = %v, want Progress", res.Code)
	}

	// Rolling back the send must first unwind the destination's receive,
	// since the receive depends on the send's pending entry.
	if err := l.Rollback(gc.GenesisAccount); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	readTxn, err := store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	_, destExists, err := GetAccountInfo(readTxn, destKP.Public)
	readTxn.Discard()
	if err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	}
	if destExists {
		t.Fatalf("destination account should have been removed by the recursive rollback")
	}

	ai := mustGetAccountInfo(t, store, gc.GenesisAccount)
	if ai.Balance != gc.MaxBalance {
		t.Fatalf("genesis balance after recursive rollback = %x, want %x", ai.Balance[:], gc.MaxBalance[:])
	}
	w := mustGetWeight(t, l, store, gc.GenesisAccount)
	if w != gc.MaxBalance {
		t.Fatalf("genesis weight after recursive rollback = %x, want %x", w[:], gc.MaxBalance[:])
	}
}

func TestRollbackRefusesPastConfirmationHeight(t *testing.T) {
	l, gc := newTestLedger(t)
	store := l.store

	txn, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	ai := mustGetAccountInfo(t, store, gc.GenesisAccount)
	ai.ConfirmationHeight = ai.BlockCount
	if err := PutAccountInfo(txn, gc.GenesisAccount, ai); err != nil {
		t.Fatalf("PutAccountInfo: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := l.Rollback(gc.GenesisAccount); err != ErrRollbackConfirmed {
		t.Fatalf("Rollback past confirmation height = %v, want ErrRollbackConfirmed", err)
	}
}
