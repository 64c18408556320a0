package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/config"
	"github.com/ionsec/maes-platform-sub001/internal/migrate"
	"github.com/ionsec/maes-platform-sub001/internal/obs"
	"github.com/ionsec/maes-platform-sub001/internal/store/pg"
)

type options struct {
	dsn     string
	timeout time.Duration
}

func (o *options) manager(logger *zap.Logger) (*migrate.Manager, func(), error) {
	if o.dsn == "" {
		return nil, nil, errors.New("missing DSN: provide --pg-dsn or MAES_PG_DSN")
	}
	store, err := pg.Open(o.dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open db")
	}
	mgr := migrate.NewManager(store.DB(), migrate.Migrations(), migrate.Seeds(), migrate.WithLogger(logger))
	return mgr, func() { _ = store.Close() }, nil
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	var logger *zap.Logger

	root := &cobra.Command{
		Use:           "maes-migrate",
		Short:         "Apply the MAES PostgreSQL schema and seed data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			v.SetEnvPrefix(config.EnvPrefix)
			v.AutomaticEnv()
			if opts.dsn == "" {
				opts.dsn = v.GetString("PG_DSN")
			}
			var err error
			logger, err = obs.InitLogger(obs.LogConfigFromEnv())
			return err
		},
	}
	root.PersistentFlags().StringVar(&opts.dsn, "pg-dsn", "", "PostgreSQL DSN")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")

	withManager := func(fn func(ctx context.Context, mgr *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			mgr, closeDB, err := opts.manager(logger)
			if err != nil {
				return err
			}
			defer closeDB()
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return fn(ctx, mgr)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				applied, err := mgr.Up(ctx)
				for _, name := range applied {
					fmt.Println("applied", name)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				name, err := mgr.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Println("rolled back", name)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Load demo organizations",
			Args:  cobra.NoArgs,
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				return mgr.Seed(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			Args:  cobra.NoArgs,
			RunE: withManager(func(ctx context.Context, mgr *migrate.Manager) error {
				history, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, name := range history {
					fmt.Println(name)
				}
				return nil
			}),
		},
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
