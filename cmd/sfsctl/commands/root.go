// Package commands implements the sfsctl CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelfs/sentinelfs/internal/config"
	"github.com/sentinelfs/sentinelfs/internal/storage"
	"github.com/sentinelfs/sentinelfs/internal/storage/memory"
	"github.com/sentinelfs/sentinelfs/internal/storage/sqlite"
)

var (
	// cfg is the effective configuration, loaded in PersistentPreRunE.
	cfg *config.Config

	// gw is the Storage Gateway opened against cfg.Storage.DSN (or the
	// --storage override), shared by every subcommand that inspects or
	// edits persisted state.
	gw storage.Gateway

	// configPath is the --config flag: path to a sentinelfsd YAML file.
	configPath string

	// storageDSN overrides cfg.Storage.DSN when non-empty.
	storageDSN string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

// rootCmd is the top-level cobra command for sfsctl.
var rootCmd = &cobra.Command{
	Use:   "sfsctl",
	Short: "Operator CLI for the SentinelFS peer daemon",
	Long:  "sfsctl inspects and edits a sentinelfsd node's configuration and persisted state directly; it has no daemon RPC to call.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded

		dsn := cfg.Storage.DSN
		if storageDSN != "" {
			dsn = storageDSN
		}

		gateway, err := openStorage(dsn)
		if err != nil {
			return fmt.Errorf("open storage %q: %w", dsn, err)
		}
		gw = gateway

		return nil
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if gw == nil {
			return nil
		}
		return gw.Close()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func openStorage(dsn string) (storage.Gateway, error) {
	if dsn == "" || dsn == "memory" {
		return memory.New(nil), nil
	}
	return sqlite.Open(dsn)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to sentinelfsd configuration file (defaults to built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&storageDSN, "storage", "",
		"storage DSN override (defaults to the config file's storage.dsn)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
