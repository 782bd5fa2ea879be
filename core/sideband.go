package core

// Sideband is metadata computed once and stored alongside a block body,
// never part of the hashed/signed fields (spec.md §§3).
type Sideband struct {
	Type BlockType
	// Account is the owning account, denormalized for variants whose
	// hashed fields omit it (send/receive/change/open-without-state).
	Account Account
	// Successor is the hash of the block that names this one as its
	// previous, filled in by predecessor-fill on insert (spec.md §§4.3).
	Successor BlockHash
	// Balance is denormalized for variants that don't carry it directly
	// (receive/open/change).
	Balance U128
	// Height is this block's 1-based position in the account's chain.
	Height uint64
	// Timestamp is UTC seconds at the time the ledger stored the block.
	Timestamp int64
}

// AccountInfo is the per-account row of the accounts table.
type AccountInfo struct {
	Head               BlockHash
	RepBlock           BlockHash // most recent block defining the representative
	OpenBlock          BlockHash
	Balance            U128
	ModifiedSeconds    int64
	BlockCount         uint64
	ConfirmationHeight uint64
	Epoch              uint8 // 0 or 1; selects accounts_v0 vs accounts_v1
}

// PendingKey identifies a pending (unreceived) transfer.
type PendingKey struct {
	Destination Account
	SendHash    BlockHash
}

// PendingInfo is the value half of a pending table row.
type PendingInfo struct {
	Source Account
	Amount U128
	Epoch  uint8
}

// UncheckedKey identifies a block parked on a missing dependency.
type UncheckedKey struct {
	Dependency BlockHash
	BlockHash  BlockHash
}

// SignatureVerificationState is stored with each unchecked block. The block
// processor stamps every parked block SigVerified and does not read the
// field back; a replayed block's signature is checked again by the ledger.
type SignatureVerificationState int

const (
	SigUnknown SignatureVerificationState = iota
	SigVerified
	SigInvalid
)

// UncheckedInfo is the value half of an unchecked table row.
type UncheckedInfo struct {
	Block        *Block
	AccountHint  Account
	ArrivalTime  int64
	SigState     SignatureVerificationState
}
