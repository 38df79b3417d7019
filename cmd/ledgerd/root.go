package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/ledgersync/internal/app"
	"github.com/kimhsiao/ledgersync/internal/config"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Local-first sync daemon for a personal ledger",
	Long: `ledgerd keeps a complete local copy of the ledger in SQLite and
synchronizes it with the ledger server whenever the network allows.

Run "ledgerd serve" for the daemon, or use the one-shot commands against
the same data directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "Path to the TOML config file")
	f.String("data-dir", "", "Directory holding ledger.db and media blobs")
	f.String("base-url", "", "Ledger server base URL")
	f.String("token", "", "Bearer token (overrides the stored one only when none is stored)")
	f.String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Store.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Remote.Token = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

// withApp initializes the sync core for a one-shot command and disposes it
// afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Init(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Shutdown(ctx)
	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
