package core

import "errors"

// BlockType tags which of the five block variants a Block carries. The
// numeric values match the wire tags in spec.md §§6.
type BlockType byte

const (
	BlockInvalid   BlockType = 0
	blockNotABlock BlockType = 1 // stream terminator, never a real block
	BlockSend      BlockType = 2
	BlockReceive   BlockType = 3
	BlockOpen      BlockType = 4
	BlockChange    BlockType = 5
	BlockState     BlockType = 6
)

func (t BlockType) String() string {
	switch t {
	case BlockSend:
		return "send"
	case BlockReceive:
		return "receive"
	case BlockOpen:
		return "open"
	case BlockChange:
		return "change"
	case BlockState:
		return "state"
	default:
		return "invalid"
	}
}

// statePreamble is the 32-byte hash preamble state blocks prepend to their
// hashed fields: big-endian u256 encoding of the block-type tag (spec.md §§6).
var statePreamble = U256{31: byte(BlockState)}

// OpenFields are the hashed fields of an `open` block: the first block of an
// account, receiving from Source.
type OpenFields struct {
	Source         BlockHash
	Representative Account
	Account        Account
}

// SendFields are the hashed fields of a `send` block: decrements the
// account's balance to Balance and opens a pending entry for Destination.
type SendFields struct {
	Previous    BlockHash
	Destination Account
	Balance     U128
}

// ReceiveFields are the hashed fields of a `receive` block: credits
// pending[(account, Source)].
type ReceiveFields struct {
	Previous BlockHash
	Source   BlockHash
}

// ChangeFields are the hashed fields of a `change` block: changes the
// account's representative; balance is unaffected.
type ChangeFields struct {
	Previous       BlockHash
	Representative Account
}

// StateFields are the hashed fields of the universal `state` block; its
// concrete subtype (send/receive/change/epoch) is inferred at ledger-process
// time (spec.md §§4.3), not stored.
type StateFields struct {
	Account        Account
	Previous       BlockHash
	Representative Account
	Balance        U128
	Link           U256 // source hash (receive), destination account (send), or zero (change)
}

// Block is the sum-type wire/ledger representation of one of the five block
// variants. Every block carries a Signature and a proof-of-work Nonce in
// addition to its variant-specific hashed fields (spec.md §§3).
//
// Exactly one of the variant pointer fields is non-nil, selected by Type.
type Block struct {
	Type BlockType

	Open    *OpenFields
	Send    *SendFields
	Receive *ReceiveFields
	Change  *ChangeFields
	State   *StateFields

	Signature U512
	Work      uint64

	hashCache *U256
}

// Previous returns the block's previous-block hash, or the zero hash for
// blocks with no predecessor (open, and the first state block of an account).
func (b *Block) Previous() BlockHash {
	switch b.Type {
	case BlockSend:
		return b.Send.Previous
	case BlockReceive:
		return b.Receive.Previous
	case BlockChange:
		return b.Change.Previous
	case BlockState:
		return b.State.Previous
	default: // open
		return ZeroU256
	}
}

// Root returns the qualified-root component used to key elections: the
// block's previous hash if it has one, else its account (open blocks and the
// first state block of an account key off the account itself).
func (b *Block) Root() U256 {
	if prev := b.Previous(); !prev.IsZero() {
		return prev
	}
	switch b.Type {
	case BlockOpen:
		return b.Open.Account
	case BlockState:
		return b.State.Account
	default:
		return ZeroU256
	}
}

// Link returns the account-or-hash this block links to another account
// through: Source for open/receive, Destination for send, Link for state,
// zero for change.
func (b *Block) Link() U256 {
	switch b.Type {
	case BlockOpen:
		return b.Open.Source
	case BlockSend:
		return U256(b.Send.Destination)
	case BlockReceive:
		return b.Receive.Source
	case BlockState:
		return b.State.Link
	default:
		return ZeroU256
	}
}

// Balance returns the block's resulting balance where it is carried
// explicitly (send/state); other variants do not encode it and the caller
// must consult the sideband/account-info instead.
func (b *Block) Balance() (U128, bool) {
	switch b.Type {
	case BlockSend:
		return b.Send.Balance, true
	case BlockState:
		return b.State.Balance, true
	default:
		return ZeroU128, false
	}
}

// Representative returns the representative this block names, if any.
func (b *Block) Representative() (Account, bool) {
	switch b.Type {
	case BlockOpen:
		return b.Open.Representative, true
	case BlockChange:
		return b.Change.Representative, true
	case BlockState:
		return b.State.Representative, true
	default:
		return ZeroAccount, false
	}
}

// Hash computes and caches the block's canonical BLAKE2b-256 hash over its
// declared hashed fields in order (spec.md §§3). State blocks prepend the
// 32-byte type preamble.
func (b *Block) Hash() BlockHash {
	if b.hashCache != nil {
		return *b.hashCache
	}
	var h U256
	switch b.Type {
	case BlockOpen:
		h = Blake2b256(b.Open.Source[:], b.Open.Representative[:], b.Open.Account[:])
	case BlockSend:
		h = Blake2b256(b.Send.Previous[:], b.Send.Destination[:], b.Send.Balance[:])
	case BlockReceive:
		h = Blake2b256(b.Receive.Previous[:], b.Receive.Source[:])
	case BlockChange:
		h = Blake2b256(b.Change.Previous[:], b.Change.Representative[:])
	case BlockState:
		h = Blake2b256(statePreamble[:], b.State.Account[:], b.State.Previous[:],
			b.State.Representative[:], b.State.Balance[:], b.State.Link[:])
	default:
		return ZeroU256
	}
	b.hashCache = &h
	return h
}

// FullHash computes BLAKE2b(hash || signature || work), used to deduplicate
// identical blocks (same hashed fields, signature and work) in the uniquer.
func (b *Block) FullHash() U256 {
	return Blake2bFull(b.Hash(), b.Signature, b.Work)
}

// IsEpochCandidate reports whether a state block has the shape of an epoch
// marker: link equals the configured epoch link and the balance is
// unchanged from previousBalance. Whether it actually *is* an epoch marker
// additionally requires the epoch-signer signature check, done by the
// ledger (spec.md §§4.3) since only it knows the account's prior balance.
func (b *Block) IsEpochCandidate(gc GenesisConstants, previousBalance U128) bool {
	if b.Type != BlockState {
		return false
	}
	return b.State.Link == gc.EpochLink && b.State.Balance == previousBalance
}

var errUnknownBlockType = errors.New("core: unknown block type")

func (b *Block) validateShape() error {
	switch b.Type {
	case BlockOpen:
		if b.Open == nil {
			return errUnknownBlockType
		}
	case BlockSend:
		if b.Send == nil {
			return errUnknownBlockType
		}
	case BlockReceive:
		if b.Receive == nil {
			return errUnknownBlockType
		}
	case BlockChange:
		if b.Change == nil {
			return errUnknownBlockType
		}
	case BlockState:
		if b.State == nil {
			return errUnknownBlockType
		}
	default:
		return errUnknownBlockType
	}
	return nil
}
