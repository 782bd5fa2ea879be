package core

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"
)

// workThresholdDefault is the proof-of-work difficulty required for account
// blocks when no caller-supplied threshold is given (spec.md §§4.11).
const workThresholdDefault uint64 = 0xffffffc000000000

// Argon2 tuning parameters for the wallet seed KDF (spec.md §§4.10 "Argon2d
// KDF"). golang.org/x/crypto/argon2 exposes Argon2i and Argon2id but not the
// data-dependent Argon2d variant; Argon2id is used instead as the closest
// available member of the same family (documented, not silently swapped).
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var (
	// ErrWalletLocked is returned by any operation needing the seed while
	// the wallet has not been unlocked.
	ErrWalletLocked = errors.New("core: wallet is locked")
	// ErrWalletAlreadyUnlocked guards against re-deriving the seed key.
	ErrWalletAlreadyUnlocked = errors.New("core: wallet is already unlocked")
)

// walletRecord is the on-disk, encrypted representation of one wallet
// (spec.md §§4.10). The seed is never stored in the clear.
type walletRecord struct {
	ID                 string
	Salt               [saltLen]byte
	Nonce              [12]byte
	EncryptedSeed      []byte
	NextIndex          uint32
	Representative     Account
	RepresentativeSet  bool
}

func encodeWalletRecord(w walletRecord) []byte {
	var buf bytes.Buffer
	writeLenPrefixed(&buf, []byte(w.ID))
	buf.Write(w.Salt[:])
	buf.Write(w.Nonce[:])
	writeLenPrefixed(&buf, w.EncryptedSeed)
	var idx [4]byte
	putUint32BE(idx[:], w.NextIndex)
	buf.Write(idx[:])
	buf.Write(w.Representative[:])
	if w.RepresentativeSet {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decodeWalletRecord(data []byte) (walletRecord, error) {
	r := bytes.NewReader(data)
	var w walletRecord
	id, err := readLenPrefixed(r)
	if err != nil {
		return w, err
	}
	w.ID = string(id)
	if _, err := r.Read(w.Salt[:]); err != nil {
		return w, err
	}
	if _, err := r.Read(w.Nonce[:]); err != nil {
		return w, err
	}
	seed, err := readLenPrefixed(r)
	if err != nil {
		return w, err
	}
	w.EncryptedSeed = seed
	var idx [4]byte
	if _, err := r.Read(idx[:]); err != nil {
		return w, err
	}
	w.NextIndex = getUint32BE(idx[:])
	if _, err := r.Read(w.Representative[:]); err != nil {
		return w, err
	}
	flag, err := r.ReadByte()
	if err != nil {
		return w, err
	}
	w.RepresentativeSet = flag != 0
	return w, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	putUint32BE(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := r.Read(l[:]); err != nil {
		return nil, err
	}
	n := getUint32BE(l[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PutWalletRecord and GetWalletRecord persist the encrypted wallet row
// (spec.md §§4.10).
func PutWalletRecord(txn WriteTxn, w walletRecord) error {
	return txn.Put(TableWallet, []byte(w.ID), encodeWalletRecord(w))
}

func getWalletRecord(txn ReadTxn, id string) (walletRecord, bool, error) {
	v, err := txn.Get(TableWallet, []byte(id))
	if err == ErrNotFound {
		return walletRecord{}, false, nil
	}
	if err != nil {
		return walletRecord{}, false, err
	}
	rec, err := decodeWalletRecord(v)
	return rec, true, err
}

// PutSendActionID/GetSendActionID back the idempotent-send guarantee: the
// same action ID always resolves to the same resulting block hash, even if
// the caller retries after a crash (spec.md §§4.10).
func PutSendActionID(txn WriteTxn, actionID string, hash BlockHash) error {
	return txn.Put(TableWalletSendIDs, []byte(actionID), hash[:])
}

func GetSendActionID(txn ReadTxn, actionID string) (BlockHash, bool, error) {
	v, err := txn.Get(TableWalletSendIDs, []byte(actionID))
	if err == ErrNotFound {
		return BlockHash{}, false, nil
	}
	if err != nil {
		return BlockHash{}, false, err
	}
	var h BlockHash
	copy(h[:], v)
	return h, true, nil
}

// deriveKey stretches passphrase into an AES-256 key via Argon2.
func deriveKey(passphrase string, salt [saltLen]byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt[:], argonTime, argonMemory, argonThreads, argonKeyLen)
}

// ProfileKDF times one run of the wallet's seed-unlock KDF against a random
// salt, for the `debug profile-kdf` CLI utility.
func ProfileKDF(passphrase string) time.Duration {
	var salt [saltLen]byte
	_, _ = crand.Read(salt[:])
	start := time.Now()
	deriveKey(passphrase, salt)
	return time.Since(start)
}

func encryptSeed(seed [32]byte, passphrase string) ([saltLen]byte, [12]byte, []byte, error) {
	var salt [saltLen]byte
	if _, err := crand.Read(salt[:]); err != nil {
		return salt, [12]byte{}, nil, err
	}
	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return salt, [12]byte{}, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return salt, [12]byte{}, nil, err
	}
	var nonce [12]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		return salt, nonce, nil, err
	}
	ct := gcm.Seal(nil, nonce[:], seed[:], nil)
	return salt, nonce, ct, nil
}

func decryptSeed(salt [saltLen]byte, nonce [12]byte, ciphertext []byte, passphrase string) ([32]byte, error) {
	var seed [32]byte
	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return seed, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return seed, err
	}
	pt, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return seed, errors.New("core: wrong wallet passphrase")
	}
	copy(seed[:], pt)
	return seed, nil
}

// walletAction is one queued send/receive/change request, processed
// strictly in submission order by the wallet's single worker goroutine
// (spec.md §§4.10 "wallet actions serialized per wallet").
type walletAction struct {
	kind    walletActionKind
	result  chan walletActionResult
	account Account // the wallet-controlled account the action acts on

	// send
	actionID    string
	destination Account
	amount      U128

	// receive
	pendingKey PendingKey
	pendingVal PendingInfo

	// change
	representative Account
}

type walletActionKind int

const (
	actionSend walletActionKind = iota
	actionReceive
	actionChange
)

type walletActionResult struct {
	hash BlockHash
	err  error
}

// Wallet holds one deterministic seed, the accounts derived from it, and the
// action queue that serializes every mutation against that seed (spec.md
// §§4.10).
type Wallet struct {
	ID     string
	store  Store
	ledger *Ledger
	work   *WorkGenerator

	mu       sync.Mutex
	seed     [32]byte
	unlocked bool
	accounts []Ed25519KeyPair

	actions chan walletAction
	stopCh  chan struct{}

	logger *log.Entry
}

// NewWallet creates and persists a brand-new encrypted wallet, returning its
// recovery mnemonic alongside the handle (spec.md §§4.10, enriched with
// BIP-39 mnemonic recovery per the pack's wallet implementations).
func NewWallet(store Store, ledger *Ledger, work *WorkGenerator, passphrase string) (*Wallet, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", err
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	var seed [32]byte
	copy(seed[:], seedBytes[:32])

	w, err := newWalletFromSeed(store, ledger, work, seed, passphrase)
	if err != nil {
		return nil, "", err
	}
	return w, mnemonic, nil
}

// RestoreWallet rebuilds a wallet from a previously issued mnemonic.
func RestoreWallet(store Store, ledger *Ledger, work *WorkGenerator, mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("core: invalid mnemonic")
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	var seed [32]byte
	copy(seed[:], seedBytes[:32])
	return newWalletFromSeed(store, ledger, work, seed, passphrase)
}

func newWalletFromSeed(store Store, ledger *Ledger, work *WorkGenerator, seed [32]byte, passphrase string) (*Wallet, error) {
	salt, nonce, ct, err := encryptSeed(seed, passphrase)
	if err != nil {
		return nil, err
	}
	rec := walletRecord{
		ID:            uuid.NewString(),
		Salt:          salt,
		Nonce:         nonce,
		EncryptedSeed: ct,
		NextIndex:     0,
	}
	txn, err := store.BeginWrite()
	if err != nil {
		return nil, err
	}
	if err := PutWalletRecord(txn, rec); err != nil {
		txn.Abort()
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}

	w := &Wallet{
		ID:      rec.ID,
		store:   store,
		ledger:  ledger,
		work:    work,
		seed:    seed,
		unlocked: true,
		logger:  log.WithField("component", "wallet").WithField("wallet_id", rec.ID),
	}
	w.startWorker()
	return w, nil
}

// OpenWallet loads an existing, locked wallet handle by ID.
func OpenWallet(store Store, ledger *Ledger, work *WorkGenerator, id string) (*Wallet, error) {
	txn, err := store.BeginRead()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	rec, ok, err := getWalletRecord(txn, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("core: no wallet with id %q", id)
	}
	w := &Wallet{ID: rec.ID, store: store, ledger: ledger, work: work, logger: log.WithField("component", "wallet").WithField("wallet_id", rec.ID)}
	return w, nil
}

// Unlock decrypts the wallet's seed, re-derives the accounts issued so far,
// and runs a search-pending pass over them in the background (spec.md
// §§4.10 "search-pending on unlock").
func (w *Wallet) Unlock(passphrase string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unlocked {
		return ErrWalletAlreadyUnlocked
	}
	txn, err := w.store.BeginRead()
	if err != nil {
		return err
	}
	rec, ok, err := getWalletRecord(txn, w.ID)
	txn.Discard()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("core: no wallet with id %q", w.ID)
	}
	seed, err := decryptSeed(rec.Salt, rec.Nonce, rec.EncryptedSeed, passphrase)
	if err != nil {
		return err
	}
	w.seed = seed
	w.unlocked = true
	for i := uint32(0); i < rec.NextIndex; i++ {
		kp, derr := w.deriveLocked(i)
		if derr != nil {
			return derr
		}
		w.accounts = append(w.accounts, kp)
	}
	w.startWorker()
	go w.searchPending()
	return nil
}

// Lock zeroes the in-memory seed and derived private keys.
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seed = [32]byte{}
	w.accounts = nil
	w.unlocked = false
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
}

// deriveLocked derives the index'th account key deterministically from the
// wallet seed: blake2b(seed || big-endian index) feeds Ed25519 key
// generation (spec.md §§4.10 "deterministic index derivation").
func (w *Wallet) deriveLocked(index uint32) (Ed25519KeyPair, error) {
	var idx [4]byte
	putUint32BE(idx[:], index)
	sub := Blake2b256(w.seed[:], idx[:])
	return Ed25519KeyPairFromSeed(sub[:])
}

// NewAccount derives and persists the next account in sequence.
func (w *Wallet) NewAccount() (Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.unlocked {
		return Account{}, ErrWalletLocked
	}
	index := uint32(len(w.accounts))
	kp, err := w.deriveLocked(index)
	if err != nil {
		return Account{}, err
	}
	txn, err := w.store.BeginWrite()
	if err != nil {
		return Account{}, err
	}
	rec, ok, err := getWalletRecord(txn, w.ID)
	if err != nil || !ok {
		txn.Abort()
		if err == nil {
			err = fmt.Errorf("core: wallet %q vanished", w.ID)
		}
		return Account{}, err
	}
	rec.NextIndex = index + 1
	if err := PutWalletRecord(txn, rec); err != nil {
		txn.Abort()
		return Account{}, err
	}
	if err := txn.Commit(); err != nil {
		return Account{}, err
	}
	w.accounts = append(w.accounts, kp)
	return kp.Public, nil
}

// Accounts returns every account this wallet has derived so far.
func (w *Wallet) Accounts() []Account {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Account, len(w.accounts))
	for i, kp := range w.accounts {
		out[i] = kp.Public
	}
	return out
}

// SetDefaultRepresentative persists the representative newly opened
// accounts vote through until they issue their own change block.
func (w *Wallet) SetDefaultRepresentative(rep Account) error {
	txn, err := w.store.BeginWrite()
	if err != nil {
		return err
	}
	rec, ok, err := getWalletRecord(txn, w.ID)
	if err != nil || !ok {
		txn.Abort()
		if err == nil {
			err = fmt.Errorf("core: wallet %q vanished", w.ID)
		}
		return err
	}
	rec.Representative = rep
	rec.RepresentativeSet = true
	if err := PutWalletRecord(txn, rec); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// DefaultRepresentative returns the wallet's configured default
// representative and whether one has been set.
func (w *Wallet) DefaultRepresentative() (Account, bool) {
	txn, err := w.store.BeginRead()
	if err != nil {
		return Account{}, false
	}
	defer txn.Discard()
	rec, ok, err := getWalletRecord(txn, w.ID)
	if err != nil || !ok {
		return Account{}, false
	}
	return rec.Representative, rec.RepresentativeSet
}

func (w *Wallet) keyFor(account Account) (Ed25519KeyPair, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, kp := range w.accounts {
		if kp.Public == account {
			return kp, true
		}
	}
	return Ed25519KeyPair{}, false
}

// Controls reports whether this wallet has derived account, for callers
// deciding whether to auto-receive a pending send on its behalf (the
// confirmation observer chain's wallet observer, spec.md §9).
func (w *Wallet) Controls(account Account) bool {
	_, ok := w.keyFor(account)
	return ok
}

func (w *Wallet) startWorker() {
	if w.actions != nil {
		return
	}
	w.actions = make(chan walletAction, 256)
	w.stopCh = make(chan struct{})
	go w.runActions()
}

func (w *Wallet) runActions() {
	for {
		select {
		case a := <-w.actions:
			a.result <- w.execute(a)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Wallet) submit(a walletAction) walletActionResult {
	a.result = make(chan walletActionResult, 1)
	w.actions <- a
	return <-a.result
}

// Send queues a send action for account, returning the resulting block's
// hash. actionID makes the call idempotent: calling Send again with the
// same actionID before or after a crash returns the same hash without
// re-spending (spec.md §§4.10 "idempotent send via send_action_ids ->
// block_hash").
func (w *Wallet) Send(account, destination Account, amount U128, actionID string) (BlockHash, error) {
	if actionID == "" {
		actionID = uuid.NewString()
	}
	r := w.submit(walletAction{kind: actionSend, account: account, actionID: actionID, destination: destination, amount: amount})
	return r.hash, r.err
}

// Receive queues a receive action redeeming the pending entry k/info into
// account's chain.
func (w *Wallet) Receive(account Account, k PendingKey, info PendingInfo) (BlockHash, error) {
	r := w.submit(walletAction{kind: actionReceive, account: account, pendingKey: k, pendingVal: info})
	return r.hash, r.err
}

// ChangeRepresentative queues a representative-change action for account.
func (w *Wallet) ChangeRepresentative(account, representative Account) (BlockHash, error) {
	r := w.submit(walletAction{kind: actionChange, account: account, representative: representative})
	return r.hash, r.err
}

func (w *Wallet) execute(a walletAction) walletActionResult {
	switch a.kind {
	case actionSend:
		return w.executeSend(a)
	case actionReceive:
		return w.executeReceive(a)
	case actionChange:
		return w.executeChange(a)
	default:
		return walletActionResult{err: fmt.Errorf("core: unknown wallet action kind %d", a.kind)}
	}
}

func (w *Wallet) executeSend(a walletAction) walletActionResult {
	txn, err := w.store.BeginRead()
	if err != nil {
		return walletActionResult{err: err}
	}
	if existing, ok, err := GetSendActionID(txn, a.actionID); err == nil && ok {
		txn.Discard()
		return walletActionResult{hash: existing}
	}
	txn.Discard()

	account := a.account
	kp, ok := w.keyFor(account)
	if !ok {
		return walletActionResult{err: fmt.Errorf("core: wallet does not control account %s", account.Hex())}
	}

	rtxn, err := w.store.BeginRead()
	if err != nil {
		return walletActionResult{err: err}
	}
	ai, ok, err := GetAccountInfo(rtxn, account)
	rtxn.Discard()
	if err != nil {
		return walletActionResult{err: err}
	}
	if !ok {
		return walletActionResult{err: fmt.Errorf("core: account %s has no chain yet", account.Hex())}
	}
	newBalance, err := ai.Balance.Sub(a.amount)
	if err != nil {
		return walletActionResult{err: fmt.Errorf("core: insufficient balance: %w", err)}
	}

	blk := &Block{Type: BlockState, State: &StateFields{
		Account:        account,
		Previous:       ai.Head,
		Representative: currentRepresentative(w.ledger, w.store, ai, account),
		Balance:        newBalance,
		Link:           destinationLink(a.destination),
	}}
	if err := w.signAndWork(blk, kp); err != nil {
		return walletActionResult{err: err}
	}
	res, err := w.ledger.Process(blk)
	if err != nil {
		return walletActionResult{err: err}
	}
	if res.Code != Progress {
		return walletActionResult{err: fmt.Errorf("core: send rejected: %v", res.Code)}
	}
	hash := blk.Hash()
	wtxn, err := w.store.BeginWrite()
	if err != nil {
		return walletActionResult{hash: hash}
	}
	if err := PutSendActionID(wtxn, a.actionID, hash); err != nil {
		wtxn.Abort()
		return walletActionResult{hash: hash, err: err}
	}
	if err := wtxn.Commit(); err != nil {
		return walletActionResult{hash: hash, err: err}
	}
	return walletActionResult{hash: hash}
}

func (w *Wallet) executeReceive(a walletAction) walletActionResult {
	kp, ok := w.keyFor(a.account)
	if !ok {
		return walletActionResult{err: fmt.Errorf("core: wallet does not control account %s", a.account.Hex())}
	}
	rtxn, err := w.store.BeginRead()
	if err != nil {
		return walletActionResult{err: err}
	}
	ai, exists, err := GetAccountInfo(rtxn, a.account)
	rtxn.Discard()
	if err != nil {
		return walletActionResult{err: err}
	}

	openRep := kp.Public
	if rep, ok := w.DefaultRepresentative(); ok {
		openRep = rep
	}

	var blk *Block
	if !exists {
		blk = &Block{Type: BlockState, State: &StateFields{
			Account:        a.account,
			Previous:       ZeroU256,
			Representative: openRep,
			Balance:        a.pendingVal.Amount,
			Link:           a.pendingKey.SendHash,
		}}
	} else {
		newBalance, err := ai.Balance.Add(a.pendingVal.Amount)
		if err != nil {
			return walletActionResult{err: err}
		}
		blk = &Block{Type: BlockState, State: &StateFields{
			Account:        a.account,
			Previous:       ai.Head,
			Representative: currentRepresentative(w.ledger, w.store, ai, a.account),
			Balance:        newBalance,
			Link:           a.pendingKey.SendHash,
		}}
	}
	if err := w.signAndWork(blk, kp); err != nil {
		return walletActionResult{err: err}
	}
	res, err := w.ledger.Process(blk)
	if err != nil {
		return walletActionResult{err: err}
	}
	if res.Code != Progress {
		return walletActionResult{err: fmt.Errorf("core: receive rejected: %v", res.Code)}
	}
	return walletActionResult{hash: blk.Hash()}
}

func (w *Wallet) executeChange(a walletAction) walletActionResult {
	kp, ok := w.keyFor(a.account)
	if !ok {
		return walletActionResult{err: fmt.Errorf("core: wallet does not control account %s", a.account.Hex())}
	}
	rtxn, err := w.store.BeginRead()
	if err != nil {
		return walletActionResult{err: err}
	}
	ai, exists, err := GetAccountInfo(rtxn, a.account)
	rtxn.Discard()
	if err != nil {
		return walletActionResult{err: err}
	}
	if !exists {
		return walletActionResult{err: fmt.Errorf("core: account %s has no chain yet", a.account.Hex())}
	}
	blk := &Block{Type: BlockState, State: &StateFields{
		Account:        a.account,
		Previous:       ai.Head,
		Representative: a.representative,
		Balance:        ai.Balance,
		Link:           ZeroU256,
	}}
	if err := w.signAndWork(blk, kp); err != nil {
		return walletActionResult{err: err}
	}
	res, err := w.ledger.Process(blk)
	if err != nil {
		return walletActionResult{err: err}
	}
	if res.Code != Progress {
		return walletActionResult{err: fmt.Errorf("core: change rejected: %v", res.Code)}
	}
	return walletActionResult{hash: blk.Hash()}
}

func (w *Wallet) signAndWork(blk *Block, kp Ed25519KeyPair) error {
	hash := blk.Hash()
	sig, err := kp.Sign(hash[:])
	if err != nil {
		return err
	}
	blk.Signature = sig
	if w.work != nil {
		root := blk.Root()
		nonce, err := w.work.Generate(context.Background(), root, workThresholdDefault)
		if err != nil {
			return fmt.Errorf("core: work generation failed: %w", err)
		}
		blk.Work = nonce
	}
	return nil
}

func destinationLink(destination Account) U256 { return destination }

// currentRepresentative resolves account's current representative, falling
// back to fallback if it has never set one (open blocks default to their
// own account as representative).
func currentRepresentative(l *Ledger, store Store, ai AccountInfo, fallback Account) Account {
	txn, err := store.BeginRead()
	if err != nil {
		return fallback
	}
	defer txn.Discard()
	rep, err := l.representativeOf(txn, ai)
	if err != nil || rep.IsZero() {
		return fallback
	}
	return rep
}

// searchPending scans the pending table for every derived account and
// queues a receive for each entry found, exactly once at unlock time
// (spec.md §§4.10 "search-pending on unlock").
func (w *Wallet) searchPending() {
	w.mu.Lock()
	accounts := w.accounts2Slice()
	w.mu.Unlock()

	for _, account := range accounts {
		txn, err := w.store.BeginRead()
		if err != nil {
			w.logger.WithError(err).Warn("search-pending: open read txn")
			continue
		}
		prefix := account[:]
		it, err := txn.Begin(TablePendingV1, prefix)
		if err == nil {
			w.drainPendingIterator(it, account)
		}
		it2, err := txn.Begin(TablePendingV0, prefix)
		if err == nil {
			w.drainPendingIterator(it2, account)
		}
		txn.Discard()
	}
}

func (w *Wallet) drainPendingIterator(it Iterator, account Account) {
	defer it.Close()
	for it.Valid() {
		key := it.Key()
		if len(key) < 32 || !bytes.Equal(key[:32], account[:]) {
			break
		}
		var pk PendingKey
		copy(pk.Destination[:], key[:32])
		copy(pk.SendHash[:], key[32:64])
		pi, err := decodePendingInfo(it.Value())
		if err == nil {
			if _, err := w.Receive(account, pk, pi); err != nil {
				w.logger.WithError(err).WithField("account", account.Hex()).Debug("search-pending: receive failed")
			}
		}
		it.Next()
	}
}

func (w *Wallet) accounts2Slice() []Account {
	out := make([]Account, len(w.accounts))
	for i, kp := range w.accounts {
		out[i] = kp.Public
	}
	return out
}

// WorkWatcher periodically generates work on the head of every account the
// wallet has derived (spec.md §§4.10 "work watcher background loop"). The
// nonce is discarded: nothing caches it, so signAndWork still generates
// fresh work for each new block, and no existing block is re-worked or
// re-broadcast.
type WorkWatcher struct {
	wallet   *Wallet
	interval time.Duration
	stopCh   chan struct{}
}

// NewWorkWatcher builds a watcher polling wallet every interval.
func NewWorkWatcher(wallet *Wallet, interval time.Duration) *WorkWatcher {
	return &WorkWatcher{wallet: wallet, interval: interval}
}

// Start launches the watcher's background loop.
func (ww *WorkWatcher) Start() {
	if ww.stopCh != nil {
		return
	}
	ww.stopCh = make(chan struct{})
	go func() {
		ticker := time.NewTicker(ww.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ww.precache()
			case <-ww.stopCh:
				return
			}
		}
	}()
}

// Stop ends the watcher's background loop.
func (ww *WorkWatcher) Stop() {
	if ww.stopCh != nil {
		close(ww.stopCh)
		ww.stopCh = nil
	}
}

func (ww *WorkWatcher) precache() {
	if ww.wallet.work == nil {
		return
	}
	for _, account := range ww.wallet.Accounts() {
		txn, err := ww.wallet.store.BeginRead()
		if err != nil {
			continue
		}
		ai, ok, err := GetAccountInfo(txn, account)
		txn.Discard()
		if err != nil || !ok {
			continue
		}
		root := ai.Head
		ww.wallet.work.Generate(context.Background(), root, workThresholdDefault)
	}
}
