package core

import "testing"

// fakeWeightSource is a fixed-response WeightSource for vote processor tests,
// avoiding the real sampler's background ticking and store plumbing.
type fakeWeightSource struct {
	weight U128
	online U128
}

func (f fakeWeightSource) Weight(Account) (U128, error) { return f.weight, nil }
func (f fakeWeightSource) OnlineWeight() U128            { return f.online }

func TestVoteProcessorEnqueueDropsDustWeight(t *testing.T) {
	l, _ := newTestLedger(t)
	ae := NewActiveElections(l, 10)
	weights := fakeWeightSource{weight: u128FromInt(t, 0), online: u128FromInt(t, 1000)}
	p := NewVoteProcessor(l.store, ae, weights)

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v := &Vote{Sequence: 1, Hashes: []BlockHash{{1}}}
	if err := v.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if p.Enqueue(v) {
		t.Fatalf("a vote from a representative with zero weight should be dropped")
	}
}

func TestVoteProcessorProcessAcceptsValidVote(t *testing.T) {
	l, gc := newTestLedger(t)
	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	genesisAi := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	send := signedState(t, gc.GenesisKey, genesisAi.Head, gc.GenesisAccount, genesisAi.Balance, destKP.Public)

	ae := NewActiveElections(l, 10)
	ae.Insert(send)

	weights := fakeWeightSource{weight: u128FromInt(t, 100), online: u128FromInt(t, 1000)}
	p := NewVoteProcessor(l.store, ae, weights)

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v := &Vote{Sequence: 1, Hashes: []BlockHash{send.Hash()}}
	if err := v.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !p.Enqueue(v) {
		t.Fatalf("Enqueue should accept a vote from a representative above the dust floor")
	}
	results := p.Process()
	if len(results) != 1 || results[0] != VoteAccepted {
		t.Fatalf("Process results = %v, want a single VoteAccepted", results)
	}

	root := QualifiedRoot{Root: send.Root(), Previous: send.Previous()}
	e, ok := ae.Find(root)
	if !ok {
		t.Fatalf("expected the election to still be present")
	}
	st := e.Status()
	if st.Winner.Hash() != send.Hash() {
		t.Fatalf("election winner should reflect the tallied vote")
	}
}

func TestVoteProcessorProcessRejectsInvalidSignature(t *testing.T) {
	l, _ := newTestLedger(t)
	ae := NewActiveElections(l, 10)
	weights := fakeWeightSource{weight: u128FromInt(t, 100), online: u128FromInt(t, 1000)}
	p := NewVoteProcessor(l.store, ae, weights)

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v := &Vote{Account: kp.Public, Sequence: 1, Hashes: []BlockHash{{1}}}
	// Deliberately left unsigned: Signature is the zero value, which must
	// fail batch verification.

	if !p.Enqueue(v) {
		t.Fatalf("Enqueue should not itself check the signature")
	}
	results := p.Process()
	if len(results) != 1 || results[0] != VoteInvalid {
		t.Fatalf("Process results = %v, want a single VoteInvalid", results)
	}
}

func TestVoteProcessorReplayOlderSequenceRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	ae := NewActiveElections(l, 10)
	weights := fakeWeightSource{weight: u128FromInt(t, 100), online: u128FromInt(t, 1000)}
	p := NewVoteProcessor(l.store, ae, weights)

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v1 := &Vote{Sequence: 5, Hashes: []BlockHash{{1}}}
	if err := v1.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	p.Enqueue(v1)
	if results := p.Process(); len(results) != 1 || results[0] != VoteAccepted {
		t.Fatalf("first vote should be accepted, got %v", results)
	}

	v2 := &Vote{Sequence: 4, Hashes: []BlockHash{{2}}}
	if err := v2.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	p.Enqueue(v2)
	results := p.Process()
	if len(results) != 1 || results[0] != VoteReplay {
		t.Fatalf("a vote with a non-increasing sequence should be reported as a replay, got %v", results)
	}
}
