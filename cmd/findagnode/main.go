// Command findagnode runs a single FinDAG validator process: a round-
// scheduled DAG ledger node reachable over the wire peer protocol.
//
// Grounded on the teacher's cmd/rubin-node/main.go (flag-parse, validate,
// component-open, run) for the overall shape, re-expressed as a cobra
// command tree the way orbas1-Synnergy's cmd/synnergy/main.go builds its
// CLI, with `.env` loading via github.com/joho/godotenv ahead of flag
// overrides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/findag/findag-core/internal/config"
	"github.com/findag/findag-core/internal/node"
	"github.com/findag/findag-core/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "findagnode",
		Short: "FinDAG validator node",
	}
	root.AddCommand(versionCmd(), initGenesisCmd(), runCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the findagnode version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "findagnode %s\n", version)
			return nil
		},
	}
}

func initGenesisCmd() *cobra.Command {
	var storagePath, networkID, genesisPath string
	cmd := &cobra.Command{
		Use:   "init-genesis",
		Short: "seed a fresh storage directory with genesis assets, balances, and committee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if genesisPath == "" {
				return fmt.Errorf("--genesis-file is required")
			}
			gf, err := loadGenesisFile(genesisPath)
			if err != nil {
				return err
			}
			spec, err := gf.toGenesisSpec(networkID)
			if err != nil {
				return err
			}

			db, err := store.Open(store.DefaultConfig(storagePath))
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer db.Close()

			if err := db.InitGenesis(spec); err != nil {
				return fmt.Errorf("init genesis: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "genesis written: network_id=%s storage_path=%s assets=%d committee=%d\n",
				networkID, storagePath, len(spec.Assets), len(spec.Committee))
			return nil
		},
	}
	cmd.Flags().StringVar(&storagePath, "storage-path", config.Default().StoragePath, "storage directory to initialize")
	cmd.Flags().StringVar(&networkID, "network-id", config.Default().NetworkID, "network identifier")
	cmd.Flags().StringVar(&genesisPath, "genesis-file", "", "path to a genesis JSON file (required)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		envPath      string
		identityPath string
		storagePath  string
		networkID    string
		bindAddr     string
		peersCSV     string
		logLevel     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the validator node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envPath); err != nil {
				return fmt.Errorf("load .env: %w", err)
			}

			cfg := config.Default()
			if storagePath != "" {
				cfg.StoragePath = storagePath
			}
			if networkID != "" {
				cfg.NetworkID = networkID
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if peersCSV != "" {
				cfg.Peers = config.NormalizePeers(peersCSV)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log := logrus.New()
			if lvl, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
				log.SetLevel(lvl)
			}

			priv, err := node.LoadOrCreateIdentity(identityPath)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			n, err := node.New(cfg, priv, log)
			if err != nil {
				return fmt.Errorf("construct node: %w", err)
			}
			defer n.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("node run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envPath, "env-file", ".env", "path to a .env file to load before flags are applied")
	cmd.Flags().StringVar(&identityPath, "identity-path", "./findag-identity.hex", "path to this node's Ed25519 identity file")
	cmd.Flags().StringVar(&storagePath, "storage-path", "", "storage directory (overrides .env/default)")
	cmd.Flags().StringVar(&networkID, "network-id", "", "network identifier (overrides .env/default)")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "bind address host:port (overrides .env/default)")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "bootstrap peers, comma-separated host:port")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error (overrides .env/default)")
	return cmd
}
