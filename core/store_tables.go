package core

import (
	"encoding/binary"
	"errors"
)

// --- accounts ---------------------------------------------------------

func accountsTable(epoch uint8) Table {
	if epoch == 1 {
		return TableAccountsV1
	}
	return TableAccountsV0
}

func encodeAccountInfo(ai AccountInfo) []byte {
	buf := make([]byte, 32*3+16+8+8+8+1)
	off := 0
	copy(buf[off:], ai.Head[:])
	off += 32
	copy(buf[off:], ai.RepBlock[:])
	off += 32
	copy(buf[off:], ai.OpenBlock[:])
	off += 32
	copy(buf[off:], ai.Balance[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], uint64(ai.ModifiedSeconds))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], ai.BlockCount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], ai.ConfirmationHeight)
	off += 8
	buf[off] = ai.Epoch
	return buf
}

func decodeAccountInfo(buf []byte) (AccountInfo, error) {
	if len(buf) != 32*3+16+8+8+8+1 {
		return AccountInfo{}, errors.New("core: bad account info length")
	}
	var ai AccountInfo
	off := 0
	copy(ai.Head[:], buf[off:off+32])
	off += 32
	copy(ai.RepBlock[:], buf[off:off+32])
	off += 32
	copy(ai.OpenBlock[:], buf[off:off+32])
	off += 32
	copy(ai.Balance[:], buf[off:off+16])
	off += 16
	ai.ModifiedSeconds = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	ai.BlockCount = binary.BigEndian.Uint64(buf[off:])
	off += 8
	ai.ConfirmationHeight = binary.BigEndian.Uint64(buf[off:])
	off += 8
	ai.Epoch = buf[off]
	return ai, nil
}

// GetAccountInfo reads the account row, probing accounts_v1 then
// accounts_v0 so the caller does not need to already know the epoch
// (spec.md §§3 "epoch selects which on-disk table stores the row").
func GetAccountInfo(txn ReadTxn, account Account) (AccountInfo, bool, error) {
	for _, table := range []Table{TableAccountsV1, TableAccountsV0} {
		v, err := txn.Get(table, account[:])
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return AccountInfo{}, false, err
		}
		ai, err := decodeAccountInfo(v)
		return ai, true, err
	}
	return AccountInfo{}, false, nil
}

// PutAccountInfo writes the account row into the table for ai.Epoch,
// removing any stale row in the other epoch's table (an account migrates
// tables exactly once, when its epoch advances from 0 to 1).
func PutAccountInfo(txn WriteTxn, account Account, ai AccountInfo) error {
	other := TableAccountsV0
	if ai.Epoch == 0 {
		other = TableAccountsV1
	}
	_ = txn.Delete(other, account[:])
	return txn.Put(accountsTable(ai.Epoch), account[:], encodeAccountInfo(ai))
}

// DeleteAccountInfo removes the account row from both epoch tables.
func DeleteAccountInfo(txn WriteTxn, account Account) error {
	_ = txn.Delete(TableAccountsV0, account[:])
	_ = txn.Delete(TableAccountsV1, account[:])
	return nil
}

// --- pending ------------------------------------------------------------

func pendingTable(epoch uint8) Table {
	if epoch == 1 {
		return TablePendingV1
	}
	return TablePendingV0
}

func encodePendingKey(k PendingKey) []byte {
	buf := make([]byte, 64)
	copy(buf[:32], k.Destination[:])
	copy(buf[32:], k.SendHash[:])
	return buf
}

func encodePendingInfo(p PendingInfo) []byte {
	buf := make([]byte, 32+16+1)
	copy(buf[:32], p.Source[:])
	copy(buf[32:48], p.Amount[:])
	buf[48] = p.Epoch
	return buf
}

func decodePendingInfo(buf []byte) (PendingInfo, error) {
	if len(buf) != 32+16+1 {
		return PendingInfo{}, errors.New("core: bad pending info length")
	}
	var p PendingInfo
	copy(p.Source[:], buf[:32])
	copy(p.Amount[:], buf[32:48])
	p.Epoch = buf[48]
	return p, nil
}

// GetPending reads a pending entry, checking both epoch tables.
func GetPending(txn ReadTxn, k PendingKey) (PendingInfo, bool, error) {
	key := encodePendingKey(k)
	for _, table := range []Table{TablePendingV1, TablePendingV0} {
		v, err := txn.Get(table, key)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return PendingInfo{}, false, err
		}
		pi, err := decodePendingInfo(v)
		return pi, true, err
	}
	return PendingInfo{}, false, nil
}

func PutPending(txn WriteTxn, k PendingKey, p PendingInfo) error {
	return txn.Put(pendingTable(p.Epoch), encodePendingKey(k), encodePendingInfo(p))
}

func DeletePending(txn WriteTxn, k PendingKey) error {
	key := encodePendingKey(k)
	_ = txn.Delete(TablePendingV0, key)
	_ = txn.Delete(TablePendingV1, key)
	return nil
}

// --- representation weight ----------------------------------------------

// GetWeight returns the raw representation-table entry for rep, or zero if
// absent. Bootstrap-override logic lives in the ledger, not here.
func GetWeight(txn ReadTxn, rep Account) (U128, error) {
	v, err := txn.Get(TableRepresentation, rep[:])
	if err == ErrNotFound {
		return ZeroU128, nil
	}
	if err != nil {
		return ZeroU128, err
	}
	var out U128
	copy(out[:], v)
	return out, nil
}

func PutWeight(txn WriteTxn, rep Account, weight U128) error {
	if weight == ZeroU128 {
		return txn.Delete(TableRepresentation, rep[:])
	}
	return txn.Put(TableRepresentation, rep[:], weight[:])
}

// AddWeight adds delta to rep's tracked weight; SubWeight below subtracts.
func AddWeight(txn WriteTxn, rep Account, delta U128) error {
	cur, err := GetWeight(txn, rep)
	if err != nil {
		return err
	}
	next, err := cur.Add(delta)
	if err != nil {
		return err
	}
	return PutWeight(txn, rep, next)
}

func SubWeight(txn WriteTxn, rep Account, delta U128) error {
	cur, err := GetWeight(txn, rep)
	if err != nil {
		return err
	}
	next, err := cur.Sub(delta)
	if err != nil {
		return err
	}
	return PutWeight(txn, rep, next)
}

// --- frontiers (legacy) ---------------------------------------------------

func GetFrontier(txn ReadTxn, hash BlockHash) (Account, bool, error) {
	v, err := txn.Get(TableFrontiers, hash[:])
	if err == ErrNotFound {
		return ZeroAccount, false, nil
	}
	if err != nil {
		return ZeroAccount, false, err
	}
	var acc Account
	copy(acc[:], v)
	return acc, true, nil
}

func PutFrontier(txn WriteTxn, hash BlockHash, account Account) error {
	return txn.Put(TableFrontiers, hash[:], account[:])
}

func DeleteFrontier(txn WriteTxn, hash BlockHash) error {
	return txn.Delete(TableFrontiers, hash[:])
}

// --- peers -----------------------------------------------------------------

// EncodePeerKey builds the persisted peer row key: ipv6 bytes || port (be).
func EncodePeerKey(ipv6 [16]byte, port uint16) []byte {
	buf := make([]byte, 18)
	copy(buf[:16], ipv6[:])
	binary.BigEndian.PutUint16(buf[16:], port)
	return buf
}

func PutPeer(txn WriteTxn, ipv6 [16]byte, port uint16) error {
	return txn.Put(TablePeers, EncodePeerKey(ipv6, port), []byte{})
}

func DeletePeer(txn WriteTxn, ipv6 [16]byte, port uint16) error {
	return txn.Delete(TablePeers, EncodePeerKey(ipv6, port))
}

// --- unchecked -----------------------------------------------------------

func encodeUncheckedKey(k UncheckedKey) []byte {
	buf := make([]byte, 64)
	copy(buf[:32], k.Dependency[:])
	copy(buf[32:], k.BlockHash[:])
	return buf
}

func encodeUncheckedInfo(info UncheckedInfo) ([]byte, error) {
	variant, err := info.Block.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(variant)+32+8+1)
	buf = append(buf, byte(info.Block.Type))
	buf = append(buf, variant...)
	buf = append(buf, info.AccountHint[:]...)
	var arr [8]byte
	binary.BigEndian.PutUint64(arr[:], uint64(info.ArrivalTime))
	buf = append(buf, arr[:]...)
	buf = append(buf, byte(info.SigState))
	return buf, nil
}

func decodeUncheckedInfo(buf []byte) (UncheckedInfo, error) {
	if len(buf) < 1 {
		return UncheckedInfo{}, errors.New("core: empty unchecked row")
	}
	t := BlockType(buf[0])
	fieldLen, err := blockWireLen(t)
	if err != nil {
		return UncheckedInfo{}, err
	}
	wireLen := fieldLen + 64 + 8
	if len(buf) != 1+wireLen+32+8+1 {
		return UncheckedInfo{}, errors.New("core: bad unchecked row length")
	}
	blk, err := UnmarshalBlockBinary(t, buf[1:1+wireLen])
	if err != nil {
		return UncheckedInfo{}, err
	}
	off := 1 + wireLen
	var hint Account
	copy(hint[:], buf[off:off+32])
	off += 32
	arrival := int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	sigState := SignatureVerificationState(buf[off])
	return UncheckedInfo{Block: blk, AccountHint: hint, ArrivalTime: arrival, SigState: sigState}, nil
}

// PutUnchecked parks a block awaiting a missing dependency.
func PutUnchecked(txn WriteTxn, k UncheckedKey, info UncheckedInfo) error {
	row, err := encodeUncheckedInfo(info)
	if err != nil {
		return err
	}
	return txn.Put(TableUnchecked, encodeUncheckedKey(k), row)
}

// GetUncheckedForDependency iterates every unchecked entry parked on dep.
func GetUncheckedForDependency(txn ReadTxn, dep BlockHash) ([]UncheckedInfo, error) {
	it, err := txn.Begin(TableUnchecked, dep[:])
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []UncheckedInfo
	for ; it.Valid(); it.Next() {
		key := it.Key()
		if len(key) < 32 || string(key[:32]) != string(dep[:]) {
			break
		}
		info, err := decodeUncheckedInfo(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func DeleteUnchecked(txn WriteTxn, k UncheckedKey) error {
	return txn.Delete(TableUnchecked, encodeUncheckedKey(k))
}

// --- received-by index (rollback support) ---------------------------------

// PutReceivedBy records that receivingBlock redeemed sendHash's pending
// entry, so a later rollback of sendHash can find and unwind it first.
func PutReceivedBy(txn WriteTxn, sendHash, receivingBlock BlockHash) error {
	return txn.Put(TableReceivedBy, sendHash[:], receivingBlock[:])
}

// GetReceivedBy looks up the block that redeemed sendHash's pending entry,
// if any.
func GetReceivedBy(txn ReadTxn, sendHash BlockHash) (BlockHash, bool, error) {
	v, err := txn.Get(TableReceivedBy, sendHash[:])
	if err == ErrNotFound {
		return ZeroU256, false, nil
	}
	if err != nil {
		return ZeroU256, false, err
	}
	var out BlockHash
	copy(out[:], v)
	return out, true, nil
}

func DeleteReceivedBy(txn WriteTxn, sendHash BlockHash) error {
	return txn.Delete(TableReceivedBy, sendHash[:])
}

// --- online weight samples -----------------------------------------------

func PutOnlineWeightSample(txn WriteTxn, timestampNs int64, weight U128) error {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(timestampNs))
	return txn.Put(TableOnlineWeight, key[:], weight[:])
}

func DeleteOnlineWeightSample(txn WriteTxn, timestampNs int64) error {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(timestampNs))
	return txn.Delete(TableOnlineWeight, key[:])
}

// AllOnlineWeightSamples returns every retained sample in ascending
// timestamp order.
func AllOnlineWeightSamples(txn ReadTxn) ([]int64, []U128, error) {
	it, err := txn.Begin(TableOnlineWeight, nil)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	var times []int64
	var weights []U128
	for ; it.Valid(); it.Next() {
		if len(it.Key()) != 8 {
			continue
		}
		times = append(times, int64(binary.BigEndian.Uint64(it.Key())))
		var w U128
		copy(w[:], it.Value())
		weights = append(weights, w)
	}
	return times, weights, nil
}
