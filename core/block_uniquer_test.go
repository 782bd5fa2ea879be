package core

import "testing"

func TestBlockUniquerReturnsSamePointerForEqualFullHash(t *testing.T) {
	u := NewBlockUniquer()

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	b1 := &Block{
		Type: BlockOpen,
		Open: &OpenFields{
			Source:         kp.Public,
			Representative: kp.Public,
			Account:        kp.Public,
		},
	}
	hash := b1.Hash()
	sig, err := kp.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b1.Signature = sig

	// b2 is a distinct allocation with identical hash, signature and work,
	// so it has the same full hash as b1 but is not the same pointer.
	b2 := &Block{
		Type: BlockOpen,
		Open: &OpenFields{
			Source:         b1.Open.Source,
			Representative: b1.Open.Representative,
			Account:        b1.Open.Account,
		},
		Signature: b1.Signature,
		Work:      b1.Work,
	}
	if b1 == b2 {
		t.Fatalf("test setup invalid: b1 and b2 must be distinct allocations")
	}

	first := u.Unique(b1)
	if first != b1 {
		t.Fatalf("first Unique call should install and return b1, got different pointer")
	}

	second := u.Unique(b2)
	if second != first {
		t.Fatalf("Unique should return the canonical pointer for an equal full hash, got a distinct pointer")
	}
	if u.Size() != 1 {
		t.Fatalf("Size = %d, want 1 (b2 must not be separately tracked)", u.Size())
	}
}

func TestBlockUniquerEvictsAfterRelease(t *testing.T) {
	u := NewBlockUniquer()

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	b := &Block{
		Type: BlockOpen,
		Open: &OpenFields{
			Source:         kp.Public,
			Representative: kp.Public,
			Account:        kp.Public,
		},
	}
	hash := b.Hash()
	sig, err := kp.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b.Signature = sig
	full := b.FullHash()

	u.Unique(b)
	u.Release(full)

	// A fresh pointer for the same full hash should be installed as
	// canonical once the only reference has been released, not returned as
	// a still-live duplicate. evictDeadLocked only evicts a bounded sample,
	// so the dead entry may or may not be physically gone yet, but it must
	// no longer be treated as live.
	other := &Block{
		Type:      b.Type,
		Open:      b.Open,
		Signature: b.Signature,
		Work:      b.Work,
	}
	got := u.Unique(other)
	if got != other {
		t.Fatalf("Unique should install a fresh pointer once the prior entry's refcount reached zero")
	}
}
