package core

import "encoding/binary"

// Vote is a representative's signed assertion that hash is the correct block
// at its qualified root, used by elections to tally stake-weighted agreement
// (spec.md §4.8). A single vote may cover several hashes at once when a
// representative batches votes for multiple concurrently-active roots.
type Vote struct {
	Account   Account
	Sequence  uint64
	Hashes    []BlockHash
	Signature U512
}

// signingBytes renders the fields a vote's signature covers: sequence then
// every hash, in order (spec.md §4.8 "vote signing").
func (v *Vote) signingBytes() []byte {
	buf := make([]byte, 8+32*len(v.Hashes))
	binary.BigEndian.PutUint64(buf[:8], v.Sequence)
	for i, h := range v.Hashes {
		copy(buf[8+32*i:8+32*(i+1)], h[:])
	}
	return buf
}

// Sign signs the vote with kp, setting Account and Signature.
func (v *Vote) Sign(kp Ed25519KeyPair) error {
	v.Account = kp.Public
	sig, err := kp.Sign(v.signingBytes())
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// Valid reports whether the vote's signature verifies against Account.
func (v *Vote) Valid() bool {
	return VerifySignature(v.Account, v.signingBytes(), v.Signature)
}

// encodeVote renders a vote for storage/wire transmission: account, sequence,
// hash count, hashes, signature.
func encodeVote(v *Vote) []byte {
	buf := make([]byte, 0, 32+8+4+32*len(v.Hashes)+64)
	buf = append(buf, v.Account[:]...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], v.Sequence)
	buf = append(buf, seq[:]...)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(v.Hashes)))
	buf = append(buf, n[:]...)
	for _, h := range v.Hashes {
		buf = append(buf, h[:]...)
	}
	buf = append(buf, v.Signature[:]...)
	return buf
}

func decodeVote(buf []byte) (*Vote, error) {
	if len(buf) < 32+8+4+64 {
		return nil, errShortVote
	}
	v := &Vote{}
	off := 0
	copy(v.Account[:], buf[off:off+32])
	off += 32
	v.Sequence = binary.BigEndian.Uint64(buf[off:])
	off += 8
	n := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf) != off+32*int(n)+64 {
		return nil, errShortVote
	}
	v.Hashes = make([]BlockHash, n)
	for i := range v.Hashes {
		copy(v.Hashes[i][:], buf[off:off+32])
		off += 32
	}
	copy(v.Signature[:], buf[off:off+64])
	return v, nil
}

var errShortVote = vErr("core: truncated vote row")

type vErr string

func (e vErr) Error() string { return string(e) }

// PutVote records the most recent vote seen from account, keyed by account
// so GetVote always returns the latest one (spec.md §4.8 "replay via stored
// sequence").
func PutVote(txn WriteTxn, v *Vote) error {
	return txn.Put(TableVote, v.Account[:], encodeVote(v))
}

// GetVote returns the last stored vote from account, if any.
func GetVote(txn ReadTxn, account Account) (*Vote, bool, error) {
	buf, err := txn.Get(TableVote, account[:])
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := decodeVote(buf)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
