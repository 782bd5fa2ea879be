package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tundak/nano-node-sub001/core"
	"github.com/tundak/nano-node-sub001/pkg/config"
)

// debugCmd groups the offline, single-shot maintenance utilities spec.md §6
// lists alongside the daemon: ledger inspection, KDF profiling and a test
// chain generator. None of these touch the network.
func debugCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "debug",
		Short: "offline ledger inspection and maintenance utilities",
	}
	root.AddCommand(debugBlockCountCmd())
	root.AddCommand(debugValidateBlocksCmd())
	root.AddCommand(debugBootstrapGenerateCmd())
	root.AddCommand(debugProfileKDFCmd())
	root.AddCommand(debugDumpRepresentativesCmd())
	return root
}

func openDebugStore(env string) (*core.BoltStore, error) {
	cfg, err := config.Load(env)
	if err != nil {
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
	}
	return core.OpenBoltStore(cfg.Storage.DBPath)
}

func debugBlockCountCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "block-count",
		Short: "print the total number of blocks in the ledger (--debug_block_count)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDebugStore(env)
			if err != nil {
				return err
			}
			defer store.Close()

			txn, err := store.BeginRead()
			if err != nil {
				return err
			}
			defer txn.Discard()

			var n uint64
			if err := core.AllBlocks(txn, func(*core.Block, core.Sideband) bool {
				n++
				return true
			}); err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	return cmd
}

func debugValidateBlocksCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "validate-blocks",
		Short: "verify every block's signature against its sideband account (--debug_validate_blocks)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDebugStore(env)
			if err != nil {
				return err
			}
			defer store.Close()

			txn, err := store.BeginRead()
			if err != nil {
				return err
			}
			defer txn.Discard()

			var checked, bad uint64
			if err := core.AllBlocks(txn, func(b *core.Block, sb core.Sideband) bool {
				checked++
				hash := b.Hash()
				if !core.VerifySignature(sb.Account, hash[:], b.Signature) {
					bad++
					fmt.Printf("invalid signature: account=%s hash=%s\n", sb.Account.Hex(), hash.Hex())
				}
				return true
			}); err != nil {
				return err
			}
			fmt.Printf("checked %d blocks, %d invalid\n", checked, bad)
			if bad > 0 {
				return fmt.Errorf("validation found %d invalid block signatures", bad)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	return cmd
}

func debugDumpRepresentativesCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "dump-representatives",
		Short: "print every representative and its tracked voting weight (--debug_dump_representatives)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openDebugStore(env)
			if err != nil {
				return err
			}
			defer store.Close()

			txn, err := store.BeginRead()
			if err != nil {
				return err
			}
			defer txn.Discard()

			it, err := txn.Begin(core.TableRepresentation, nil)
			if err != nil {
				return err
			}
			defer it.Close()

			type row struct {
				account string
				weight  string
			}
			var rows []row
			for ; it.Valid(); it.Next() {
				var account core.Account
				copy(account[:], it.Key())
				var weight core.U128
				copy(weight[:], it.Value())
				rows = append(rows, row{account.Hex(), weight.Hex()})
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].account < rows[j].account })
			for _, r := range rows {
				fmt.Printf("%s %s\n", r.account, r.weight)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	return cmd
}

func debugProfileKDFCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "profile-kdf",
		Short: "time one run of the wallet seed-unlock KDF (--debug_profile_kdf)",
		RunE: func(cmd *cobra.Command, args []string) error {
			elapsed := core.ProfileKDF(passphrase)
			fmt.Printf("argon2id derive: %s\n", elapsed)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase to profile (any value; timing does not depend on its content)")
	return cmd
}

// debugBootstrapGenerateCmd builds a synthetic send chain off a caller-
// supplied key, modelling the reference generator's hard-coded halving
// schedule: one run per week for 8 years (416 runs), then one final run at
// amount index 127-6 (spec.md §9 open question - a one-shot test fixture,
// not part of the protocol).
func debugBootstrapGenerateCmd() *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "bootstrap-generate",
		Short: "generate a synthetic halving-schedule test chain from a key (--debug_bootstrap_generate --key HEX)",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := hex.DecodeString(keyHex)
			if err != nil || len(seed) != 32 {
				return fmt.Errorf("--key must be 32 bytes of hex")
			}
			kp, err := core.Ed25519KeyPairFromSeed(seed)
			if err != nil {
				return err
			}

			maxBalBig, _ := big.NewInt(0).SetString("340282366920938463463374607431768211455", 10) // 2^128-1
			maxBal, err := core.U128FromBigInt(maxBalBig)
			if err != nil {
				return err
			}

			open := &core.Block{
				Type: core.BlockOpen,
				Open: &core.OpenFields{
					Source:         kp.Public, // self-open, a standalone fixture with no real predecessor
					Representative: kp.Public,
					Account:        kp.Public,
				},
			}
			hash := open.Hash()
			sig, err := kp.Sign(hash[:])
			if err != nil {
				return err
			}
			open.Signature = sig

			const weeksPerYear = 52
			const years = 8
			runs := years*weeksPerYear + 1 // +1 for the final 127-6 run

			prev := open.Hash()
			balance := maxBal
			var generated int
			for i := 0; i < runs; i++ {
				halvings := i
				if i == runs-1 {
					halvings = 127 - 6
				}
				newBalance := halvingAmount(balance, halvings)
				blk := &core.Block{
					Type: core.BlockState,
					State: &core.StateFields{
						Account:        kp.Public,
						Previous:       prev,
						Representative: kp.Public,
						Balance:        newBalance,
						Link:           kp.Public, // self-send, test fixture only
					},
				}
				h := blk.Hash()
				sig, err := kp.Sign(h[:])
				if err != nil {
					return err
				}
				blk.Signature = sig
				prev = h
				balance = newBalance
				generated++
			}

			fmt.Printf("account=%s generated=%d runs final_balance=%s\n", kp.Public.Hex(), generated, balance.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "32-byte hex private key seed")
	cmd.MarkFlagRequired("key")
	return cmd
}

// halvingAmount returns balance right-shifted by min(halvings, 127).
func halvingAmount(balance core.U128, halvings int) core.U128 {
	if halvings < 0 {
		halvings = 0
	}
	if halvings > 127 {
		halvings = 127
	}
	shifted := new(big.Int).Rsh(balance.BigInt(), uint(halvings))
	out, err := core.U128FromBigInt(shifted)
	if err != nil {
		return balance
	}
	return out
}
