// Command relayer runs the cross-chain swap relayer and its database
// migrations.
//
// Exit codes: 0 success, 1 boot or runtime failure, 2 shutdown by signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/unite-defi/fusion-relayer/internal/config"
	"github.com/unite-defi/fusion-relayer/internal/database"
	"github.com/unite-defi/fusion-relayer/internal/relayer"
)

func main() {
	root := &cobra.Command{
		Use:           "relayer",
		Short:         "Cross-chain atomic swap relayer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "relayer",
		Aliases: []string{"run"},
		Short:   "Start the relayer service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Relayer.LogLevel)

			r, err := relayer.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := r.Start(ctx); err != nil {
				r.Stop()
				return err
			}
			err = r.Wait(ctx)
			r.Stop()
			if err == nil && ctx.Err() != nil {
				os.Exit(2)
			}
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Relayer.LogLevel)

			db, err := database.New(cfg.Database.ConnString())
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.Migrate(db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("database is up to date")
				return nil
			}
			for _, name := range applied {
				logger.Info("applied migration", "name", name)
			}
			return nil
		},
	}
}

func newLogger(level string) log.Logger {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		lvl = log.LvlInfo
	}
	logger := log.Root()
	logger.SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))
	return logger
}
