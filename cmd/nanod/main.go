// Command nanod runs a block-lattice node: its ledger, network, bootstrap,
// election and wallet subsystems, or one of a handful of offline debug
// utilities (spec.md §6).
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tundak/nano-node-sub001/pkg/config"
)

// version is stamped at build time in production images; it defaults to the
// config package's version for local builds.
var version = config.Version

func main() {
	root := &cobra.Command{
		Use:   "nanod",
		Short: "a block-lattice ledger node",
	}
	root.AddCommand(versionCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(debugCmd())
	root.AddCommand(walletCmd())

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("nanod exited with an error")
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the node version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
