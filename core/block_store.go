package core

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
)

// encodeSideband renders the sideband half of a block's on-disk row,
// `variant_bytes || sideband_bytes` (spec.md §§4.1). Table selection for state blocks depends
// on the sideband's epoch (state_v0 vs state_v1); legacy variants each have
// their own dedicated table.
func encodeSideband(sb Sideband) []byte {
	buf := make([]byte, 1+32+32+16+8+8)
	off := 0
	buf[off] = byte(sb.Type)
	off++
	copy(buf[off:], sb.Account[:])
	off += 32
	copy(buf[off:], sb.Successor[:])
	off += 32
	copy(buf[off:], sb.Balance[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], sb.Height)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(sb.Timestamp))
	return buf
}

const sidebandLen = 1 + 32 + 32 + 16 + 8 + 8

func decodeSideband(buf []byte) (Sideband, error) {
	if len(buf) != sidebandLen {
		return Sideband{}, errors.New("core: bad sideband length")
	}
	var sb Sideband
	off := 0
	sb.Type = BlockType(buf[off])
	off++
	copy(sb.Account[:], buf[off:off+32])
	off += 32
	copy(sb.Successor[:], buf[off:off+32])
	off += 32
	copy(sb.Balance[:], buf[off:off+16])
	off += 16
	sb.Height = binary.BigEndian.Uint64(buf[off:])
	off += 8
	sb.Timestamp = int64(binary.BigEndian.Uint64(buf[off:]))
	return sb, nil
}

// tableForBlock selects which block table a block belongs in, given the
// epoch its sideband was computed with (only meaningful for state blocks).
func tableForBlock(t BlockType, epoch uint8) Table {
	switch t {
	case BlockSend:
		return TableSend
	case BlockReceive:
		return TableReceive
	case BlockOpen:
		return TableOpen
	case BlockChange:
		return TableChange
	case BlockState:
		if epoch == 1 {
			return TableStateV1
		}
		return TableStateV0
	default:
		return ""
	}
}

// PutBlock writes a block body plus its computed sideband into the correct
// table, keyed by block hash.
func PutBlock(txn WriteTxn, b *Block, sb Sideband, epoch uint8) error {
	variant, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	row := append(append([]byte{}, variant...), encodeSideband(sb)...)
	hash := b.Hash()
	return txn.Put(tableForBlock(b.Type, epoch), hash[:], row)
}

// GetBlock looks a block up by hash, probing tables in the declared order
// (spec.md §§4.1 "Block lookup"): state_v1, state_v0, send, receive, open,
// change.
func GetBlock(txn ReadTxn, hash BlockHash) (*Block, Sideband, error) {
	for _, table := range blockTables {
		row, err := txn.Get(table, hash[:])
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, Sideband{}, err
		}
		return decodeBlockRow(blockTypeForTable(table), row)
	}
	return nil, Sideband{}, ErrNotFound
}

// AllBlocks walks every block table, invoking yield with each block and its
// sideband until yield returns false or the store is exhausted. Used by the
// `--debug_block_count` and `--debug_validate_blocks` CLI utilities, which
// have no other need to reach into per-variant table layout.
func AllBlocks(txn ReadTxn, yield func(*Block, Sideband) bool) error {
	for _, table := range blockTables {
		it, err := txn.Begin(table, nil)
		if err != nil {
			return err
		}
		bt := blockTypeForTable(table)
		for ; it.Valid(); it.Next() {
			b, sb, err := decodeBlockRow(bt, it.Value())
			if err != nil {
				it.Close()
				return err
			}
			if !yield(b, sb) {
				it.Close()
				return nil
			}
		}
		it.Close()
	}
	return nil
}

func blockTypeForTable(t Table) BlockType {
	switch t {
	case TableSend:
		return BlockSend
	case TableReceive:
		return BlockReceive
	case TableOpen:
		return BlockOpen
	case TableChange:
		return BlockChange
	case TableStateV0, TableStateV1:
		return BlockState
	default:
		return BlockInvalid
	}
}

func decodeBlockRow(t BlockType, row []byte) (*Block, Sideband, error) {
	fieldLen, err := blockWireLen(t)
	if err != nil {
		return nil, Sideband{}, err
	}
	wireLen := fieldLen + 64 + 8
	if len(row) != wireLen+sidebandLen {
		return nil, Sideband{}, errors.New("core: bad block row length")
	}
	b, err := UnmarshalBlockBinary(t, row[:wireLen])
	if err != nil {
		return nil, Sideband{}, err
	}
	sb, err := decodeSideband(row[wireLen:])
	if err != nil {
		return nil, Sideband{}, err
	}
	return b, sb, nil
}

// DeleteBlock removes a block's row from whichever table it was found in.
func DeleteBlock(txn WriteTxn, hash BlockHash) error {
	for _, table := range blockTables {
		if _, err := txn.Get(table, hash[:]); err == nil {
			return txn.Delete(table, hash[:])
		}
	}
	return ErrNotFound
}

// BlockExists reports whether a block with the given hash is present.
func BlockExists(txn ReadTxn, hash BlockHash) bool {
	_, _, err := GetBlock(txn, hash)
	return err == nil
}

// RandomBlock draws a uniform random 32-byte key and returns the first row
// at or after it in the first block table (in blockTables order) that has
// one, wrapping around to the first key of the first non-empty table if the
// draw lands past the end of all tables
// (spec.md §§4.1 "block_random").
func RandomBlock(txn ReadTxn) (*Block, Sideband, error) {
	var key U256
	if _, err := crand.Read(key[:]); err != nil {
		return nil, Sideband{}, err
	}
	for _, table := range blockTables {
		it, err := txn.Begin(table, key[:])
		if err != nil {
			return nil, Sideband{}, err
		}
		if it.Valid() {
			t := blockTypeForTable(table)
			blk, sb, err := decodeBlockRow(t, it.Value())
			it.Close()
			return blk, sb, err
		}
		it.Close()
	}
	// Wrap around: nothing at or after the draw in any table, take the
	// first entry of the first non-empty table.
	for _, table := range blockTables {
		it, err := txn.Begin(table, nil)
		if err != nil {
			return nil, Sideband{}, err
		}
		if it.Valid() {
			t := blockTypeForTable(table)
			blk, sb, err := decodeBlockRow(t, it.Value())
			it.Close()
			return blk, sb, err
		}
		it.Close()
	}
	return nil, Sideband{}, ErrNotFound
}
