package core

import (
	"math/rand"
	"sync"
)

// BlockUniquer deduplicates shared ownership of in-flight blocks: every
// ingress path (network, bootstrap, unchecked replay) that observes the same
// full-hash gets back the same *Block pointer, so elections, the block
// processor queue and the network layer can all hold "shared" references
// without copying (spec.md §§3 "Ownership & lifecycle", §§9 "Polymorphic
// blocks").
//
// Dead entries (full-hash present but the weak reference has been
// collected) cannot be expressed with Go's GC directly, so this uniquer
// tracks liveness via an explicit refcount: Release must be called once per
// Unique call that returned a new or existing live entry.
type BlockUniquer struct {
	mu      sync.Mutex
	entries map[U256]*uniqueEntry
}

type uniqueEntry struct {
	block *Block
	refs  int
}

// evictSample bounds how many randomly chosen dead entries are swept on
// every insert, per spec.md §§4.2.
const evictSample = 2

func NewBlockUniquer() *BlockUniquer {
	return &BlockUniquer{entries: make(map[U256]*uniqueEntry)}
}

// Unique returns the canonical shared *Block for b's full hash: if an
// equivalent block is already tracked and live, that pointer is returned
// (dropping b); otherwise b is installed and becomes canonical. The caller
// owns one reference and must call Release when done with it.
func (u *BlockUniquer) Unique(b *Block) *Block {
	full := b.FullHash()
	u.mu.Lock()
	defer u.mu.Unlock()

	if e, ok := u.entries[full]; ok && e.refs > 0 {
		e.refs++
		u.evictDeadLocked()
		return e.block
	}
	u.entries[full] = &uniqueEntry{block: b, refs: 1}
	u.evictDeadLocked()
	return b
}

// Release drops one reference to the block identified by full hash.
func (u *BlockUniquer) Release(full U256) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e, ok := u.entries[full]; ok {
		e.refs--
		if e.refs <= 0 {
			e.refs = 0 // keep the dead entry around for eviction sampling
		}
	}
}

// Size returns the number of tracked entries (live and dead).
func (u *BlockUniquer) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.entries)
}

// evictDeadLocked removes up to evictSample randomly chosen dead entries.
// Must be called with u.mu held.
func (u *BlockUniquer) evictDeadLocked() {
	if len(u.entries) == 0 {
		return
	}
	keys := make([]U256, 0, len(u.entries))
	for k, e := range u.entries {
		if e.refs == 0 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return
	}
	n := evictSample
	if n > len(keys) {
		n = len(keys)
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for i := 0; i < n; i++ {
		delete(u.entries, keys[i])
	}
}
