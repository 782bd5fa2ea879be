package core

import "testing"

func TestVoteSignAndValidRoundTrip(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v := &Vote{
		Sequence: 7,
		Hashes:   []BlockHash{{1, 2, 3}, {4, 5, 6}},
	}
	if err := v.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if v.Account != kp.Public {
		t.Fatalf("Sign did not set Account")
	}
	if !v.Valid() {
		t.Fatalf("freshly signed vote should validate")
	}

	v.Sequence++
	if v.Valid() {
		t.Fatalf("mutating a signed field must invalidate the signature")
	}
}

func TestVoteEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	v := &Vote{Sequence: 42, Hashes: []BlockHash{{9}, {8}, {7}}}
	if err := v.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	buf := encodeVote(v)
	got, err := decodeVote(buf)
	if err != nil {
		t.Fatalf("decodeVote: %v", err)
	}
	if got.Account != v.Account || got.Sequence != v.Sequence || got.Signature != v.Signature {
		t.Fatalf("decodeVote round-trip mismatch")
	}
	if len(got.Hashes) != len(v.Hashes) {
		t.Fatalf("hash count mismatch: got %d, want %d", len(got.Hashes), len(v.Hashes))
	}
	for i := range v.Hashes {
		if got.Hashes[i] != v.Hashes[i] {
			t.Fatalf("hash %d mismatch: got %x, want %x", i, got.Hashes[i], v.Hashes[i])
		}
	}
	if !got.Valid() {
		t.Fatalf("decoded vote should still validate")
	}
}

func TestDecodeVoteRejectsTruncatedInput(t *testing.T) {
	if _, err := decodeVote([]byte{1, 2, 3}); err == nil {
		t.Fatalf("decodeVote should reject a truncated buffer")
	}
}

func TestPutVoteGetVoteKeepsLatest(t *testing.T) {
	l, _ := newTestLedger(t)
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}

	v1 := &Vote{Sequence: 1, Hashes: []BlockHash{{1}}}
	if err := v1.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	v2 := &Vote{Sequence: 2, Hashes: []BlockHash{{2}}}
	if err := v2.Sign(kp); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	wtxn, err := l.store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := PutVote(wtxn, v1); err != nil {
		t.Fatalf("PutVote v1: %v", err)
	}
	if err := PutVote(wtxn, v2); err != nil {
		t.Fatalf("PutVote v2: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtxn, err := l.store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtxn.Discard()
	got, ok, err := GetVote(rtxn, kp.Public)
	if err != nil {
		t.Fatalf("GetVote: %v", err)
	}
	if !ok {
		t.Fatalf("expected a stored vote for %s", kp.Public.Hex())
	}
	if got.Sequence != v2.Sequence {
		t.Fatalf("GetVote returned sequence %d, want the latest (%d)", got.Sequence, v2.Sequence)
	}
}

func TestGetVoteMissingAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	rtxn, err := l.store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtxn.Discard()
	_, ok, err := GetVote(rtxn, kp.Public)
	if err != nil {
		t.Fatalf("GetVote: %v", err)
	}
	if ok {
		t.Fatalf("expected no stored vote for an account that never voted")
	}
}
