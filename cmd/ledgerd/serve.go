package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/ledgersync/internal/app"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address for the local API (default from config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon: network mode evaluation, sync passes, deletion
undo windows, media uploads and the local API with its websocket bridge.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Init(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	hub := NewWSHub(a.Bus)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           NewServer(a, hub).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("api listening", map[string]interface{}{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Watcher.Run(gctx)
	})
	g.Go(func() error {
		if err := a.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logging.Info("shutting down", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("api shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
		a.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}
