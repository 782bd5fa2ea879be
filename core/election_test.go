package core

import (
	"math/big"
	"testing"
	"time"
)

func u128FromInt(t *testing.T, n int64) U128 {
	t.Helper()
	v, err := U128FromBigInt(big.NewInt(n))
	if err != nil {
		t.Fatalf("U128FromBigInt(%d): %v", n, err)
	}
	return v
}

func TestVoteCooldownTiers(t *testing.T) {
	cases := []struct {
		percent float64
		want    time.Duration
		ok      bool
	}{
		{10, time.Second, true},
		{5, time.Second, true},
		{2, 5 * time.Second, true},
		{1, 5 * time.Second, true},
		{0.5, 15 * time.Second, true},
		{0.1, 15 * time.Second, true},
		{0.01, 0, false},
	}
	for _, c := range cases {
		got, ok := VoteCooldown(c.percent)
		if ok != c.ok || got != c.want {
			t.Errorf("VoteCooldown(%v) = (%v, %v), want (%v, %v)", c.percent, got, ok, c.want, c.ok)
		}
	}
}

func TestQuorumDeltaIsEightPercent(t *testing.T) {
	online := u128FromInt(t, 1000)
	got := QuorumDelta(online)
	want := u128FromInt(t, 80)
	if got != want {
		t.Fatalf("QuorumDelta(1000) = %s, want %s", got.Hex(), want.Hex())
	}
}

func TestHasQuorumRequiresLeadOverRunnerUp(t *testing.T) {
	winner := U256{1}
	runnerUp := U256{2}
	onlineMin := u128FromInt(t, 100)
	delta := u128FromInt(t, 10)

	tallies := map[U256]U128{
		winner:   u128FromInt(t, 150),
		runnerUp: u128FromInt(t, 145),
	}
	if _, ok := HasQuorum(tallies, onlineMin, delta); ok {
		t.Fatalf("a 5-weight lead should not clear a 10-weight delta requirement")
	}

	tallies[winner] = u128FromInt(t, 160)
	got, ok := HasQuorum(tallies, onlineMin, delta)
	if !ok || got != winner {
		t.Fatalf("HasQuorum = (%v, %v), want (%v, true)", got, ok, winner)
	}
}

func TestHasQuorumRequiresOnlineWeightFloor(t *testing.T) {
	winner := U256{1}
	tallies := map[U256]U128{winner: u128FromInt(t, 50)}
	onlineMin := u128FromInt(t, 1000)
	delta := u128FromInt(t, 0)
	if _, ok := HasQuorum(tallies, onlineMin, delta); ok {
		t.Fatalf("total observed weight below onlineWeightMin must not confirm")
	}
}

func TestActiveElectionsInsertFindRoots(t *testing.T) {
	l, gc := newTestLedger(t)
	ae := NewActiveElections(l, 10)

	blk := gc.GenesisBlock
	root := QualifiedRoot{Root: blk.Root(), Previous: blk.Previous()}

	e1 := ae.Insert(blk)
	e2 := ae.Insert(blk)
	if e1 != e2 {
		t.Fatalf("inserting the same root twice should return the same election")
	}

	found, ok := ae.Find(root)
	if !ok || found != e1 {
		t.Fatalf("Find did not return the inserted election")
	}

	roots := ae.Roots()
	if len(roots) != 1 || roots[0] != root {
		t.Fatalf("Roots() = %v, want [%v]", roots, root)
	}
}

func TestActiveElectionsVoteAndTryConfirm(t *testing.T) {
	l, gc := newTestLedger(t)
	ae := NewActiveElections(l, 10)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	genesisAi := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	newBalance := mustSub(t, genesisAi.Balance, u128FromInt(t, 1))
	send := signedState(t, gc.GenesisKey, genesisAi.Head, gc.GenesisAccount, newBalance, destKP.Public)

	e := ae.Insert(send)
	root := QualifiedRoot{Root: send.Root(), Previous: send.Previous()}
	if _, ok := ae.Find(root); !ok {
		t.Fatalf("expected the inserted election to be findable")
	}

	voterKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v := &Vote{Sequence: 1, Hashes: []BlockHash{send.Hash()}}
	if err := v.Sign(voterKP); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	touched := ae.Vote(v, u128FromInt(t, 100), 10)
	if len(touched) != 1 || touched[0] != root {
		t.Fatalf("Vote() touched = %v, want [%v]", touched, root)
	}
	_ = e

	winner, confirmed, err := ae.TryConfirm(root, u128FromInt(t, 0), u128FromInt(t, 0))
	if err != nil {
		t.Fatalf("TryConfirm: %v", err)
	}
	if !confirmed {
		t.Fatalf("expected TryConfirm to reach quorum with a single unopposed voter")
	}
	if winner.Hash() != send.Hash() {
		t.Fatalf("TryConfirm returned an unexpected winner")
	}

	if _, ok := ae.Find(root); ok {
		t.Fatalf("a confirmed election should be removed from the active set")
	}

	ai := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	if ai.Balance != newBalance {
		t.Fatalf("genesis balance after confirmation = %s, want %s", ai.Balance.Hex(), newBalance.Hex())
	}
}

func TestActiveElectionsEvictsLowestDifficultyWhenFull(t *testing.T) {
	l, gc := newTestLedger(t)
	ae := NewActiveElections(l, 1)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	genesisAi := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	first := signedState(t, gc.GenesisKey, genesisAi.Head, gc.GenesisAccount, genesisAi.Balance, destKP.Public)
	ae.Insert(first)

	otherKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	second := signedState(t, otherKP, BlockHash{}, otherKP.Public, ZeroU128, otherKP.Public)
	ae.Insert(second)

	if len(ae.Roots()) != 1 {
		t.Fatalf("MaxSize=1 should evict down to a single election, got %d", len(ae.Roots()))
	}
}
