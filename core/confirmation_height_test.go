package core

import "testing"

func TestConfirmationHeightProcessorCementUpTo(t *testing.T) {
	l, gc := newTestLedger(t)
	c := NewConfirmationHeightProcessor(l)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	genesisAi := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	balanceAfterSend := mustSub(t, genesisAi.Balance, u128FromInt(t, 1))
	send := signedState(t, gc.GenesisKey, genesisAi.Head, gc.GenesisAccount, balanceAfterSend, destKP.Public)
	process(t, l, send)

	var notified []uint64
	c.OnCemented(func(account Account, hash BlockHash, height uint64) {
		if account == gc.GenesisAccount {
			notified = append(notified, height)
		}
	})

	ai := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	if err := c.CementUpTo(gc.GenesisAccount, ai.BlockCount); err != nil {
		t.Fatalf("CementUpTo: %v", err)
	}

	got := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	if got.ConfirmationHeight != ai.BlockCount {
		t.Fatalf("ConfirmationHeight = %d, want %d", got.ConfirmationHeight, ai.BlockCount)
	}
	if len(notified) == 0 {
		t.Fatalf("expected OnCemented to fire at least once")
	}
}

func TestConfirmationHeightProcessorNoopBelowCurrentHeight(t *testing.T) {
	l, gc := newTestLedger(t)
	c := NewConfirmationHeightProcessor(l)

	ai := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	if err := c.CementUpTo(gc.GenesisAccount, ai.BlockCount); err != nil {
		t.Fatalf("CementUpTo: %v", err)
	}
	// Requesting the same (already cemented) height again must not error or
	// regress ConfirmationHeight.
	if err := c.CementUpTo(gc.GenesisAccount, ai.BlockCount); err != nil {
		t.Fatalf("CementUpTo (repeat): %v", err)
	}
	got := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	if got.ConfirmationHeight != ai.BlockCount {
		t.Fatalf("ConfirmationHeight = %d, want %d", got.ConfirmationHeight, ai.BlockCount)
	}
}

func TestConfirmationHeightProcessorCementsReceiveSource(t *testing.T) {
	l, gc := newTestLedger(t)
	c := NewConfirmationHeightProcessor(l)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	genesisAi := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	amount := u128FromInt(t, 1)
	balanceAfterSend := mustSub(t, genesisAi.Balance, amount)
	send := signedState(t, gc.GenesisKey, genesisAi.Head, gc.GenesisAccount, balanceAfterSend, destKP.Public)
	process(t, l, send)

	open := signedState(t, destKP, BlockHash{}, destKP.Public, amount, send.Hash())
	process(t, l, open)

	destAi := mustGetAccountInfo(t, l.store, destKP.Public)
	if err := c.CementUpTo(destKP.Public, destAi.BlockCount); err != nil {
		t.Fatalf("CementUpTo: %v", err)
	}

	genesisGot := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	if genesisGot.ConfirmationHeight == 0 {
		t.Fatalf("cementing the receive should also cement the source send's height")
	}
}
