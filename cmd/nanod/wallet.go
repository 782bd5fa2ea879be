package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tundak/nano-node-sub001/core"
	"github.com/tundak/nano-node-sub001/pkg/config"
)

// walletCmd groups the offline wallet operations a node operator runs
// outside the running daemon: creating a wallet, restoring one from a
// mnemonic, and minting additional accounts under it (spec.md §4.10).
func walletCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wallet",
		Short: "create, restore and manage local wallets",
	}
	root.AddCommand(walletCreateCmd())
	root.AddCommand(walletRestoreCmd())
	root.AddCommand(walletNewAccountCmd())
	return root
}

func openWalletStoreAndLedger(env string) (*core.BoltStore, *core.Ledger, core.GenesisConstants, error) {
	cfg, err := config.Load(env)
	if err != nil {
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, nil, core.GenesisConstants{}, err
		}
	}
	store, err := core.OpenBoltStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, nil, core.GenesisConstants{}, err
	}
	gc, err := genesisForNetwork(cfg.Network.Name)
	if err != nil {
		store.Close()
		return nil, nil, core.GenesisConstants{}, err
	}
	ledger, err := core.NewLedger(store, gc)
	if err != nil {
		store.Close()
		return nil, nil, core.GenesisConstants{}, err
	}
	return store, ledger, gc, nil
}

func workGeneratorFromConfig(env string) (*core.WorkGenerator, error) {
	cfg, err := config.Load(env)
	if err != nil {
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
	}
	if cfg.Work.Threads <= 0 {
		return nil, nil
	}
	return core.NewWorkGenerator(cfg.Work.PeerEndpoints, cfg.Work.Threads), nil
}

func walletCreateCmd() *cobra.Command {
	var env, passphrase string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "create a new wallet and print its recovery mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ledger, _, err := openWalletStoreAndLedger(env)
			if err != nil {
				return err
			}
			defer store.Close()

			work, err := workGeneratorFromConfig(env)
			if err != nil {
				return err
			}

			w, mnemonic, err := core.NewWallet(store, ledger, work, passphrase)
			if err != nil {
				return err
			}
			account, err := w.NewAccount()
			if err != nil {
				return err
			}
			fmt.Printf("wallet_id=%s\n", w.ID)
			fmt.Printf("mnemonic=%s\n", mnemonic)
			fmt.Printf("account=%s\n", account.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "wallet unlock passphrase")
	cmd.MarkFlagRequired("passphrase")
	return cmd
}

func walletRestoreCmd() *cobra.Command {
	var env, passphrase, mnemonic string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "restore a wallet from its recovery mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ledger, _, err := openWalletStoreAndLedger(env)
			if err != nil {
				return err
			}
			defer store.Close()

			work, err := workGeneratorFromConfig(env)
			if err != nil {
				return err
			}

			w, err := core.RestoreWallet(store, ledger, work, mnemonic, passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("wallet_id=%s\n", w.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "wallet unlock passphrase")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "BIP-39 recovery mnemonic")
	cmd.MarkFlagRequired("passphrase")
	cmd.MarkFlagRequired("mnemonic")
	return cmd
}

func walletNewAccountCmd() *cobra.Command {
	var env, passphrase, id string
	cmd := &cobra.Command{
		Use:   "new-account",
		Short: "derive and print the next account under an existing wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, ledger, _, err := openWalletStoreAndLedger(env)
			if err != nil {
				return err
			}
			defer store.Close()

			work, err := workGeneratorFromConfig(env)
			if err != nil {
				return err
			}

			w, err := core.OpenWallet(store, ledger, work, id)
			if err != nil {
				return err
			}
			if err := w.Unlock(passphrase); err != nil {
				return err
			}
			defer w.Lock()

			account, err := w.NewAccount()
			if err != nil {
				return err
			}
			fmt.Println(account.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "wallet unlock passphrase")
	cmd.Flags().StringVar(&id, "id", "", "wallet ID")
	cmd.MarkFlagRequired("passphrase")
	cmd.MarkFlagRequired("id")
	return cmd
}
