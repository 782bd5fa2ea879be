package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tundak/nano-node-sub001/core"
	"github.com/tundak/nano-node-sub001/pkg/config"
)

func daemonCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the node's ledger, network, bootstrap and election loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				log.WithError(err).Warn("no config file found, using built-in defaults")
				cfg, err = config.LoadFromEnv()
				if err != nil {
					return err
				}
			}
			setupLogging(cfg.Logging.Level)
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay to merge on top of the default config")
	return cmd
}

// runDaemon wires every subsystem together and blocks until SIGINT/SIGTERM,
// mirroring spec.md §6's `--daemon` entry point.
func runDaemon(cfg *config.Config) error {
	logger := log.WithField("component", "daemon")

	gc, err := genesisForNetwork(cfg.Network.Name)
	if err != nil {
		return err
	}

	store, err := core.OpenBoltStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := core.NewLedger(store, gc)
	if err != nil {
		return err
	}

	elections := core.NewActiveElections(ledger, 1024)
	processor := core.NewBlockProcessor(ledger, elections)

	nodeKey, err := core.GenerateEd25519KeyPair()
	if err != nil {
		return err
	}
	node, err := core.NewNode(core.NetworkConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		MaxPeers:       cfg.Network.MaxPeers,
	}, nodeKey)
	if err != nil {
		return err
	}
	defer node.Close()

	if len(cfg.Network.BootstrapPeers) > 0 {
		if err := node.DialSeed(cfg.Network.BootstrapPeers); err != nil {
			logger.WithError(err).Warn("dialing bootstrap peers")
		}
	}

	weights := core.NewOnlineWeightSampler(ledger, store)
	weights.Start()
	defer weights.Stop()

	votes := core.NewVoteProcessor(store, elections, weights)
	confirmations := core.NewConfirmationHeightProcessor(ledger)
	crawler := core.NewRepCrawler(node, ledger, weights)
	crawler.Start(func() *core.Block { return gc.GenesisBlock })
	defer crawler.Stop()

	observers := core.NewObserverHub(cfg.Observers.Workers)
	observers.BindConfirmationHeight(confirmations)
	if cfg.Observers.CallbackURL != "" {
		observers.Register(core.EventConfirmation, core.NewCallbackObserver(cfg.Observers.CallbackURL, 5*time.Second))
	}
	var stream *core.StreamServer
	if cfg.Observers.StreamListenAddr != "" {
		stream = core.NewStreamServer(cfg.Observers.StreamListenAddr)
		observers.Register(core.EventConfirmation, stream)
		stream.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			stream.Stop(shutdownCtx)
		}()
	}
	observers.Start()
	defer observers.Stop()

	// The daemon itself holds no wallet open; work generation for wallet
	// operations runs out-of-process via the `wallet` subcommand, which
	// builds its own core.WorkGenerator from the same config.
	if cfg.Work.Threads > 0 {
		logger.WithField("threads", cfg.Work.Threads).Info("local proof-of-work generation available to wallet operations")
	}

	metrics := core.NewNodeMetrics(ledger, node, elections, weights)
	metricsSrv := metrics.Serve(cfg.Metrics.ListenAddr)
	defer metricsSrv.Close()
	observers.Register(core.EventConfirmation, core.ObserverFunc(func(core.EventKind, core.ConfirmationEvent) {
		metrics.RecordConfirmation()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go metrics.Run(ctx, 5*time.Second)

	blocks := node.SubscribeBlocks()
	incomingVotes := node.SubscribeVotes()

	go func() {
		for {
			select {
			case b, ok := <-blocks:
				if !ok {
					return
				}
				processor.Add(b, core.SourceLive)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case v, ok := <-incomingVotes:
				if !ok {
					return
				}
				votes.Enqueue(v)
			case <-ctx.Done():
				return
			}
		}
	}()

	go processingLoop(ctx, processor, votes, elections, confirmations, weights, gc)

	logger.WithField("network", gc.Network.String()).Info("nanod daemon started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return nil
}

// processingLoop periodically drains the block and vote processors and
// attempts confirmation on every open election, in lieu of a dedicated
// event-driven scheduler (spec.md §§4.6/§§4.7/§§4.8/§§4.9 describe these as
// independently-paced workers; a single ticker loop keeps the daemon's
// goroutine count small for a reference node).
func processingLoop(ctx context.Context, processor *core.BlockProcessor, votes *core.VoteProcessor, elections *core.ActiveElections, confirmations *core.ConfirmationHeightProcessor, weights *core.OnlineWeightSampler, gc core.GenesisConstants) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := processor.ProcessBatch(); err != nil {
				log.WithError(err).Debug("block processor batch failed")
			}
			votes.Process()

			delta := core.QuorumDelta(weights.OnlineWeight())
			for _, root := range elections.Roots() {
				if _, confirmed, err := elections.TryConfirmAndCement(root, gc.OnlineWeightMinimum, delta, confirmations); err != nil {
					log.WithError(err).Debug("election confirmation attempt failed")
				} else if confirmed {
					log.WithField("root", root).Debug("election confirmed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func genesisForNetwork(name string) (core.GenesisConstants, error) {
	switch name {
	case "live", "beta":
		return core.LiveGenesis(), nil
	default:
		return core.TestGenesis()
	}
}
