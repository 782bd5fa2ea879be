package core

import "errors"

// Table names the logical key/value tables spec.md §§4.1 requires. The
// concrete engine (core/store_bbolt.go) maps each to one bbolt bucket.
type Table string

const (
	TableFrontiers     Table = "frontiers"
	TableAccountsV0    Table = "accounts_v0"
	TableAccountsV1    Table = "accounts_v1"
	TableSend          Table = "send"
	TableReceive       Table = "receive"
	TableOpen          Table = "open"
	TableChange        Table = "change"
	TableStateV0       Table = "state_v0"
	TableStateV1       Table = "state_v1"
	TablePendingV0     Table = "pending_v0"
	TablePendingV1     Table = "pending_v1"
	TableRepresentation Table = "representation"
	TableUnchecked     Table = "unchecked"
	TableVote          Table = "vote"
	TableOnlineWeight  Table = "online_weight"
	TableMeta          Table = "meta"
	TablePeers         Table = "peers"
	// TableWallet stores one row per wallet (its encrypted seed, next
	// derivation index and default representative) keyed by wallet ID
	// (spec.md §§4.10).
	TableWallet Table = "wallet"
	// TableWalletSendIDs indexes a caller-supplied idempotency ID to the
	// block hash it produced, so retrying a send action after a crash
	// never double-spends (spec.md §§4.10 "idempotent send").
	TableWalletSendIDs Table = "wallet_send_ids"
	// TableReceivedBy indexes send_hash -> the block that redeemed its
	// pending entry, so Rollback can locate and unwind a destination's
	// receive before it restores the send's own pending entry (spec.md
	// §§4.3 "rollback"). It has no analogue in the plain ledger schema.
	TableReceivedBy Table = "received_by"
)

// blockTables lists the tables probed, in order, when looking up a block
// body by hash (spec.md §§4.1 "Block lookup").
var blockTables = []Table{TableStateV1, TableStateV0, TableSend, TableReceive, TableOpen, TableChange}

// MetaSchemaVersionKey is the fixed key (u256(1)) the schema-version row
// lives at within TableMeta (spec.md §§6).
var MetaSchemaVersionKey = U256{31: 1}

// ErrNotFound is returned by Get/iteration helpers when a key is absent.
var ErrNotFound = errors.New("core: key not found")

// ErrWriteInProgress is returned by BeginWrite when another write
// transaction is already open; the store serializes writes process-wide
// (spec.md §§4.1/§§5).
var ErrWriteInProgress = errors.New("core: a write transaction is already open")

// Iterator walks one table's keys in ascending memcmp order. It is
// forward-only; Begin positions at the first key >= start. An exhausted
// iterator's Valid() returns false, acting as the end sentinel spec.md
// §§4.1 describes.
type Iterator interface {
	// Valid reports whether Key/Value may be called.
	Valid() bool
	// Next advances to the following key.
	Next()
	Key() []byte
	Value() []byte
	Close() error
}

// ReadTxn is a snapshot-isolated read transaction. Many may be open at once.
type ReadTxn interface {
	Get(table Table, key []byte) ([]byte, error)
	// Begin returns an iterator positioned at the first key >= from within
	// table (from == nil begins at the table's first key).
	Begin(table Table, from []byte) (Iterator, error)
	// Renew releases the current snapshot and reopens against the latest
	// committed state, without destroying the ReadTxn handle itself
	// (spec.md §§4.1 "may be renewed").
	Renew() error
	Discard()
}

// WriteTxn is the single concurrent write transaction. All of its mutations
// commit atomically; readers already in flight keep reading their own
// snapshot until they renew (spec.md §§4.1/§§5).
type WriteTxn interface {
	ReadTxn
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	Commit() error
	// Abort discards all mutations made in this transaction.
	Abort()
}

// MergeIterator yields the sorted union of two tables' keys, used to read
// across the accounts/pending/state epoch-0/epoch-1 split without storing
// the epoch tag in the value (spec.md §§4.1).
type MergeIterator struct {
	a, b       Iterator
	aTable     Table
	bTable     Table
	lastFromA  bool
}

// NewMergeIterator merges two already-positioned iterators over distinct
// tables.
func NewMergeIterator(aTable Table, a Iterator, bTable Table, b Iterator) *MergeIterator {
	return &MergeIterator{a: a, b: b, aTable: aTable, bTable: bTable}
}

func (m *MergeIterator) Valid() bool { return m.a.Valid() || m.b.Valid() }

// Next advances whichever side produced the key last returned by Key/Value.
// Callers must call Valid/Key before Next, mirroring Iterator's contract.
func (m *MergeIterator) Next() {
	if !m.a.Valid() {
		m.b.Next()
		return
	}
	if !m.b.Valid() {
		m.a.Next()
		return
	}
	if string(m.a.Key()) <= string(m.b.Key()) {
		m.a.Next()
	} else {
		m.b.Next()
	}
}

// Key returns the smaller of the two sides' current keys.
func (m *MergeIterator) Key() []byte {
	switch {
	case !m.a.Valid():
		return m.b.Key()
	case !m.b.Valid():
		return m.a.Key()
	case string(m.a.Key()) <= string(m.b.Key()):
		return m.a.Key()
	default:
		return m.b.Key()
	}
}

// Value returns the value paired with Key.
func (m *MergeIterator) Value() []byte {
	switch {
	case !m.a.Valid():
		return m.b.Value()
	case !m.b.Valid():
		return m.a.Value()
	case string(m.a.Key()) <= string(m.b.Key()):
		return m.a.Value()
	default:
		return m.b.Value()
	}
}

// Table reports which underlying table Key/Value currently come from, so
// callers (e.g. account-info readers) can attribute the correct epoch.
func (m *MergeIterator) Table() Table {
	switch {
	case !m.a.Valid():
		return m.bTable
	case !m.b.Valid():
		return m.aTable
	case string(m.a.Key()) <= string(m.b.Key()):
		return m.aTable
	default:
		return m.bTable
	}
}

func (m *MergeIterator) Close() error {
	err1 := m.a.Close()
	err2 := m.b.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Store is the keyed transactional storage contract spec.md §§4.1 specifies.
// The concrete engine is an implementation detail (this repo backs it with
// bbolt, see store_bbolt.go); all ledger/bootstrap/wallet code only depends
// on this interface.
type Store interface {
	BeginRead() (ReadTxn, error)
	// BeginWrite returns ErrWriteInProgress at once if another write
	// transaction is open.
	BeginWrite() (WriteTxn, error)
	// Version returns the schema version stamped in TableMeta.
	Version(txn ReadTxn) (uint32, error)
	Close() error
}
