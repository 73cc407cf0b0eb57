package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nickbruun/election/config"
	"github.com/nickbruun/election/distributed/leadership"
	log "github.com/nickbruun/election/logging"
	"github.com/nickbruun/election/server"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "election",
	Short: "Takes part in a leader election.",
	Long: `Takes part in a leader election among equivalent peers through a
coordination service (ZooKeeper or etcd), reporting whether this peer is the
leader.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

// Execute the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := log.Configure(cfg.LoggingLevel, cfg.LogFormat); err != nil {
		return err
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	err = srv.Start(ctx)
	if errors.Is(err, leadership.ErrSessionExpired) {
		log.Info("Disconnected from coordination service, exiting")
		return nil
	} else if err != nil {
		return err
	}

	log.Info("Election exited")

	return nil
}
