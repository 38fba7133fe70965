package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"btreekv/internal/config"
	"btreekv/internal/storage"
)

var (
	configPath string
	dataFile   string
	syncMode   bool

	cfg   *config.Config
	cache *storage.Cache
)

var rootCmd = &cobra.Command{
	Use:   "btreekv",
	Short: "A concurrent B-tree key/value store with a resumable delete engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.LoadOrDefault(configPath)
		if dataFile != "" {
			cfg.DataFile = dataFile
		}
		if syncMode {
			cfg.SyncMode = true
		}
		c, err := storage.Open(cfg.DataFile, cfg.PoolWorkers)
		if err != nil {
			return fmt.Errorf("open %s: %w", cfg.DataFile, err)
		}
		c.SyncMode = cfg.SyncMode
		cache = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cache != nil {
			cache.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataFile, "data-file", "", "override the configured data file path")
	rootCmd.PersistentFlags().BoolVar(&syncMode, "sync", false, "force every cache operation to complete inline")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(statsCmd)
}

// Execute handles the application's lifecycle. On SIGINT or SIGTERM it
// closes the cache and exits with status 130; it does not wait for a
// command or commit that is still running.
func Execute() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		if cache != nil {
			cache.Close()
		}
		os.Exit(130)
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
