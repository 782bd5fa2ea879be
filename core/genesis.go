package core

import "math/big"

// Network selects the genesis, epoch and wire-protocol constants a node
// runs with. Mirrors spec.md §§6's `--network={live|beta|test}` flag.
type Network int

const (
	NetworkLive Network = iota
	NetworkBeta
	NetworkTest
)

func (n Network) String() string {
	switch n {
	case NetworkLive:
		return "live"
	case NetworkBeta:
		return "beta"
	default:
		return "test"
	}
}

// GbcbRatio is the smallest-unit scaling factor used throughout spec.md's
// worked examples (10^33 raw units == 1 Gbcb).
var GbcbRatio = mustBig("1000000000000000000000000000000000")

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("core: bad constant " + s)
	}
	return v
}

// GenesisConstants bundles the initialization-time constants of a node
// instance (spec.md §§9 "Global mutable state": these are instance
// constants, never process-wide singletons).
type GenesisConstants struct {
	Network Network

	// GenesisAccount is the account that owns the first block of the
	// ledger and, for live/beta, is pre-funded with the entire supply.
	GenesisAccount Account
	// GenesisKey is only populated for test networks where the genesis
	// private key must be available to seal synthetic blocks.
	GenesisKey Ed25519KeyPair

	// GenesisBlock is the open block that seeds an empty ledger.
	GenesisBlock *Block

	// BurnAccount is a designated sink account that can never be the
	// destination of an `open` block (spec.md §§4.3 "opened_burn_account").
	BurnAccount Account

	// EpochLink is the magic `link` value that, combined with the
	// EpochSigner key, marks a state block as an epoch upgrade marker
	// rather than a regular send/receive/change (spec.md §§3/§§4.3).
	EpochLink U256
	// EpochSigner is the fixed key epoch markers must be signed by,
	// distinct from the owning account's key.
	EpochSigner Ed25519KeyPair

	// MaxBalance is the total genesis supply (2^128 - 1 raw units in the
	// worked examples of spec.md §§8).
	MaxBalance U128

	// BootstrapWeightMaxBlocks is the compiled threshold below which
	// ledger.Weight may fall back to BootstrapWeights (spec.md §§4.3).
	BootstrapWeightMaxBlocks uint64
	BootstrapWeights         map[Account]U128

	// OnlineWeightMinimum is the floor the sampled online weight must clear
	// before active elections are allowed to confirm anything at all,
	// guarding against a partitioned minority confirming on its own
	// (spec.md §§4.7/§§4.12).
	OnlineWeightMinimum U128
}

// LiveGenesis returns the constants for the live network. Network-specific
// key material would normally be compiled in; test callers should use
// TestGenesis instead.
func LiveGenesis() GenesisConstants {
	maxBal, err := U128FromBigInt(mustBig("340282366920938463463374607431768211455")) // 2^128-1
	if err != nil {
		panic(err)
	}
	onlineWeightMin, err := U128FromBigInt(mustBig("60000000000000000000000000000000000000")) // 60,000 Gbcb
	if err != nil {
		panic(err)
	}
	return GenesisConstants{
		Network:                  NetworkLive,
		MaxBalance:               maxBal,
		BootstrapWeightMaxBlocks: 450_000,
		BootstrapWeights:         map[Account]U128{},
		OnlineWeightMinimum:      onlineWeightMin,
	}
}

// TestGenesis builds fully self-contained genesis constants for unit tests
// and local networks: a freshly generated genesis key owning the entire
// supply, and a distinct epoch signer key.
func TestGenesis() (GenesisConstants, error) {
	gc := LiveGenesis()
	gc.Network = NetworkTest

	genesisKP, err := GenerateEd25519KeyPair()
	if err != nil {
		return gc, err
	}
	epochKP, err := GenerateEd25519KeyPair()
	if err != nil {
		return gc, err
	}
	gc.GenesisKey = genesisKP
	gc.GenesisAccount = genesisKP.Public
	gc.EpochSigner = epochKP
	gc.EpochLink = U256{0x01} // distinguishable from any real account/hash in tests

	open := &Block{
		Type: BlockOpen,
		Open: &OpenFields{
			Source:         genesisKP.Public, // self-open, as in the reference node
			Representative: genesisKP.Public,
			Account:        genesisKP.Public,
		},
	}
	hash := open.Hash()
	sig, err := genesisKP.Sign(hash[:])
	if err != nil {
		return gc, err
	}
	open.Signature = sig
	open.Work = 0

	gc.GenesisBlock = open
	return gc, nil
}
