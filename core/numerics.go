// Package core implements the ledger, store, network, bootstrap, election
// and wallet subsystems of a block-lattice node: each account owns its own
// chain of blocks and global agreement is reached through stake-weighted
// representative voting rather than total ordering.
package core

import (
	"encoding/hex"
	"errors"
	"math/big"
)

// U128 is a 16-byte big-endian unsigned integer used for balances and amounts.
type U128 [16]byte

// U256 is a 32-byte unsigned integer used for account public keys, block
// hashes and roots.
type U256 [32]byte

// U512 is a 64-byte unsigned integer used for Ed25519 signatures.
type U512 [64]byte

// Account addresses one account chain; it is an Ed25519 public key.
type Account = U256

// BlockHash identifies a block by its canonical hash.
type BlockHash = U256

// Amount is a balance or transfer quantity.
type Amount = U128

var (
	ZeroU256    U256
	ZeroU128    U128
	ZeroAccount Account
)

// IsZero reports whether h is the all-zero hash/account/root.
func (h U256) IsZero() bool { return h == ZeroU256 }

// Cmp performs a big-endian memcmp ordering, matching the store's
// deterministic key ordering (spec §§4.1).
func (h U256) Cmp(o U256) int {
	for i := range h {
		if h[i] != o[i] {
			if h[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (h U256) Bytes() []byte { b := make([]byte, 32); copy(b, h[:]); return b }
func (a U128) Bytes() []byte { b := make([]byte, 16); copy(b, a[:]); return b }

func (h U256) Hex() string { return hex.EncodeToString(h[:]) }
func (a U128) Hex() string { return hex.EncodeToString(a[:]) }

// BigInt renders the amount as an unsigned big.Int for arithmetic.
func (a U128) BigInt() *big.Int { return new(big.Int).SetBytes(a[:]) }

// U128FromBigInt renders a big.Int as a U128, zero-padded on the left.
// It returns an error if the value is negative or exceeds 128 bits.
func U128FromBigInt(v *big.Int) (U128, error) {
	var out U128
	if v.Sign() < 0 {
		return out, errors.New("core: negative amount")
	}
	b := v.Bytes()
	if len(b) > 16 {
		return out, errors.New("core: amount overflows 128 bits")
	}
	copy(out[16-len(b):], b)
	return out, nil
}

// Add returns a+b, erroring on overflow past 128 bits.
func (a U128) Add(b U128) (U128, error) {
	return U128FromBigInt(new(big.Int).Add(a.BigInt(), b.BigInt()))
}

// Sub returns a-b, erroring if the result would be negative.
func (a U128) Sub(b U128) (U128, error) {
	return U128FromBigInt(new(big.Int).Sub(a.BigInt(), b.BigInt()))
}

// Less reports whether a < b as unsigned 128-bit integers.
func (a U128) Less(b U128) bool { return U256(pad32(a)).Cmp(U256(pad32(b))) < 0 }

// IsZero128 reports whether a is the zero amount.
func (a U128) IsZero128() bool { return a == ZeroU128 }

func pad32(a U128) [32]byte {
	var out [32]byte
	copy(out[16:], a[:])
	return out
}

func hexTo32(s string) (U256, error) {
	var out U256
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, errors.New("core: expected 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

func hexTo16(s string) (U128, error) {
	var out U128
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 16 {
		return out, errors.New("core: expected 16 bytes")
	}
	copy(out[:], b)
	return out, nil
}
