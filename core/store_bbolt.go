package core

import (
	"encoding/binary"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// allTables lists every bucket the store creates on open.
var allTables = []Table{
	TableFrontiers, TableAccountsV0, TableAccountsV1, TableSend, TableReceive,
	TableOpen, TableChange, TableStateV0, TableStateV1, TablePendingV0,
	TablePendingV1, TableRepresentation, TableUnchecked, TableVote,
	TableOnlineWeight, TableMeta, TablePeers, TableReceivedBy,
	TableWallet, TableWalletSendIDs,
}

// CurrentSchemaVersion is the schema version a freshly created store is
// stamped with, and the target of BoltStore's upgrade chain (spec.md §§4.1).
const CurrentSchemaVersion = 14

// fullSidebandVersion is the version at and above which block bodies store a
// complete sideband rather than only a successor pointer (spec.md §§4.1).
const fullSidebandVersion = 13

// BoltStore implements Store on top of go.etcd.io/bbolt, an embedded
// single-writer B+tree with MVCC snapshot reads — the same engine
// prysmaticlabs/prysm uses for its validator slashing-protection database
// and erigon links in (indirectly) alongside mdbx-go. bbolt's bucket +
// Update/View + Cursor model maps directly onto spec.md §§4.1's
// table/write-transaction/iterator contract.
type BoltStore struct {
	db *bolt.DB

	// writeMu serializes BeginWrite callers process-wide; bbolt itself
	// already serializes writers, but we want BeginWrite to fail fast with
	// ErrWriteInProgress rather than block indefinitely when a caller
	// polls (spec.md §§4.1/§§5 "exactly one write transaction at a time").
	writeMu   sync.Mutex
	writeBusy bool

	logger *log.Entry
}

// OpenBoltStore opens (creating if absent) a bbolt-backed store at path and
// runs any pending schema upgrades.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	s := &BoltStore{db: db, logger: log.WithField("component", "store")}
	if err := s.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.upgrade(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, t := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte(TableMeta))
		if meta.Get(MetaSchemaVersionKey[:]) == nil {
			return meta.Put(MetaSchemaVersionKey[:], encodeU32(CurrentSchemaVersion))
		}
		return nil
	})
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeU32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// upgrade runs the linear 1->...->CurrentSchemaVersion sequence in a single
// write transaction (spec.md §§4.1 "Schema upgrade"). Each step is a no-op
// placeholder here except the sideband back-fill step (12->13), which
// demonstrates the bounded-batch-commit discipline spec.md calls for on
// large upgrades; aborting startup on failure per spec.md §§7.
func (s *BoltStore) upgrade() error {
	const batchSize = 5000
	for {
		var current uint32
		err := s.db.View(func(tx *bolt.Tx) error {
			current = decodeU32(tx.Bucket([]byte(TableMeta)).Get(MetaSchemaVersionKey[:]))
			return nil
		})
		if err != nil {
			return err
		}
		if current >= CurrentSchemaVersion {
			return nil
		}
		next := current + 1
		s.logger.Infof("upgrading store schema %d -> %d", current, next)
		switch next {
		case fullSidebandVersion:
			if err := s.backfillSidebandsBatched(batchSize); err != nil {
				return err
			}
		}
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(TableMeta)).Put(MetaSchemaVersionKey[:], encodeU32(next))
		}); err != nil {
			return err
		}
	}
}

// backfillSidebandsBatched rewrites rows missing a full sideband in bounded
// batches so a large ledger does not require one giant transaction
// (spec.md §§4.1). In this greenfield store there is nothing to backfill on
// first boot; the loop structure is kept because later versions of this
// node may carry forward pre-13 data directories.
func (s *BoltStore) backfillSidebandsBatched(batchSize int) error {
	for _, table := range blockTables {
		for {
			n, err := s.backfillOneBatch(table, batchSize)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}
	return nil
}

func (s *BoltStore) backfillOneBatch(table Table, batchSize int) (int, error) {
	touched := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		c := b.Cursor()
		for k, v := c.First(); k != nil && touched < batchSize; k, v = c.Next() {
			if len(v) == 0 || sidebandAlreadyFull(v) {
				continue
			}
			touched++
		}
		return nil
	})
	return touched, err
}

// sidebandAlreadyFull is a placeholder predicate; in this implementation
// block rows are always written with a full sideband (PutBlock in
// block_store.go), so the
// backfill loop always finds zero work and terminates on the first pass.
func sidebandAlreadyFull(v []byte) bool { return true }

func (s *BoltStore) Version(txn ReadTxn) (uint32, error) {
	v, err := txn.Get(TableMeta, MetaSchemaVersionKey[:])
	if err != nil {
		return 0, err
	}
	return decodeU32(v), nil
}

func (s *BoltStore) BeginRead() (ReadTxn, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltReadTxn{store: s, tx: tx}, nil
}

func (s *BoltStore) BeginWrite() (WriteTxn, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeBusy {
		return nil, ErrWriteInProgress
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, err
	}
	s.writeBusy = true
	return &boltWriteTxn{boltReadTxn: boltReadTxn{store: s, tx: tx}}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// boltReadTxn wraps a bbolt read-only transaction.
type boltReadTxn struct {
	store *BoltStore
	tx    *bolt.Tx
	path  string // never set; Renew reopens through store.db instead
}

func (r *boltReadTxn) Get(table Table, key []byte) ([]byte, error) {
	b := r.tx.Bucket([]byte(table))
	if b == nil {
		return nil, ErrNotFound
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *boltReadTxn) Begin(table Table, from []byte) (Iterator, error) {
	b := r.tx.Bucket([]byte(table))
	if b == nil {
		return nil, errors.New("core: unknown table " + string(table))
	}
	c := b.Cursor()
	var k, v []byte
	if from == nil {
		k, v = c.First()
	} else {
		k, v = c.Seek(from)
	}
	return &boltIterator{cursor: c, key: k, value: v}, nil
}

func (r *boltReadTxn) Renew() error {
	if err := r.tx.Rollback(); err != nil {
		return err
	}
	tx, err := r.store.db.Begin(false)
	if err != nil {
		return err
	}
	r.tx = tx
	return nil
}

func (r *boltReadTxn) Discard() { _ = r.tx.Rollback() }

// boltWriteTxn wraps a bbolt read-write transaction.
type boltWriteTxn struct {
	boltReadTxn
}

func (w *boltWriteTxn) Put(table Table, key, value []byte) error {
	b := w.tx.Bucket([]byte(table))
	if b == nil {
		return errors.New("core: unknown table " + string(table))
	}
	return b.Put(key, value)
}

func (w *boltWriteTxn) Delete(table Table, key []byte) error {
	b := w.tx.Bucket([]byte(table))
	if b == nil {
		return errors.New("core: unknown table " + string(table))
	}
	return b.Delete(key)
}

func (w *boltWriteTxn) Commit() error {
	err := w.tx.Commit()
	w.store.writeMu.Lock()
	w.store.writeBusy = false
	w.store.writeMu.Unlock()
	return err
}

func (w *boltWriteTxn) Abort() {
	_ = w.tx.Rollback()
	w.store.writeMu.Lock()
	w.store.writeBusy = false
	w.store.writeMu.Unlock()
}

// boltIterator implements Iterator over a bbolt cursor.
type boltIterator struct {
	cursor     *bolt.Cursor
	key, value []byte
}

func (it *boltIterator) Valid() bool { return it.key != nil }
func (it *boltIterator) Next()       { it.key, it.value = it.cursor.Next() }
func (it *boltIterator) Key() []byte { return it.key }
func (it *boltIterator) Value() []byte {
	return it.value
}
func (it *boltIterator) Close() error { return nil }
