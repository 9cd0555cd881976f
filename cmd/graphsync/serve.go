package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sanonone/graphsync/internal/config"
	"github.com/sanonone/graphsync/internal/server"
	"github.com/sanonone/graphsync/pkg/persistence"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference parse/persist server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "override server.addr")
	serveCmd.Flags().String("store", "", "override store.type (memory|file|redis)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if store, _ := cmd.Flags().GetString("store"); store != "" {
		cfg.Store.Type = store
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close revision store", "error", err)
		}
	}()
	logger.Info("Revision store opened", "type", cfg.Store.Type, "diagram", cfg.Server.Diagram)

	srv, err := server.NewServer(cfg.Server, store, server.WithLogger(logger))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (persistence.Store, error) {
	switch cfg.Type {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "file":
		every, err := cfg.SyncEvery()
		if err != nil {
			return nil, err
		}
		return persistence.OpenFileStore(cfg.Path, persistence.WithSyncInterval(every))
	case "redis":
		return persistence.OpenRedisStore(ctx, persistence.RedisOptions{
			URL:    cfg.Redis.URL,
			Addr:   cfg.Redis.Addr,
			DB:     cfg.Redis.DB,
			Prefix: cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
