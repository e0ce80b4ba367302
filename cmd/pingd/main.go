package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pingchat/ping-server/internal/app"
	"github.com/pingchat/ping-server/internal/config"
	"github.com/pingchat/ping-server/internal/log"
	"github.com/pingchat/ping-server/internal/store/sqlite"
)

// inactiveChannelAge is how long a channel may go without messages before
// cleanup removes it.
const inactiveChannelAge = 30 * 24 * time.Hour

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "pingd",
		Short: "ping real-time chat server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New("info")
			cfg, path, err := config.Load(logger, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = log.New(cfg.LogLevel)
			logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting ping server")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}
			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete channels inactive for more than 30 days",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New("info")
			cfg, _, err := config.Load(logger, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("init store: %w", err)
			}
			defer st.Close()

			cutoff := time.Now().Add(-inactiveChannelAge)
			names, err := st.DeleteInactiveChannels(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("cleanup channels: %w", err)
			}

			for _, name := range names {
				logger.Info().Str("channel", name).Msg("deleted inactive channel")
			}
			logger.Info().Int("count", len(names)).Msg("channel cleanup finished")
			return nil
		},
	}

	root.AddCommand(serve, cleanup)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
