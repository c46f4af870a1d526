package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/factureprojet1/facture1.ma/internal/migrate"
	"github.com/factureprojet1/facture1.ma/internal/obs"
	"github.com/factureprojet1/facture1.ma/ops"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
		mgr     *migrate.Manager
		db      *sql.DB
	)

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the panel's embedded SQL migrations and seeds",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if !cmd.Flags().Changed("dsn") {
				dsn = os.Getenv("PANEL_PG_DSN")
			}
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or PANEL_PG_DSN")
			}
			var err error
			db, err = sql.Open("pgx", dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			mgr = migrate.NewManager(db, ops.FS, ops.MigrationsDir, ops.SeedsDir, migrate.WithLogger(obs.Logger()))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if db != nil {
				_ = db.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default $PANEL_PG_DSN)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	withDeadline := func(run func(ctx context.Context) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return run(ctx)
		}
	}
	printAll := func(cmd *cobra.Command, names []string) {
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
	}
	up.RunE = withDeadline(func(ctx context.Context) error {
		applied, err := mgr.Up(ctx)
		printAll(up, applied)
		return err
	})

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		Args:  cobra.NoArgs,
	}
	down.RunE = withDeadline(func(ctx context.Context) error {
		name, err := mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			fmt.Fprintln(down.OutOrStdout(), "nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(down.OutOrStdout(), name)
		return nil
	})

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Apply seed files that have not run yet",
		Args:  cobra.NoArgs,
	}
	seed.RunE = withDeadline(func(ctx context.Context) error {
		applied, err := mgr.Seed(ctx)
		printAll(seed, applied)
		return err
	})

	status := &cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		Args:  cobra.NoArgs,
	}
	status.RunE = withDeadline(func(ctx context.Context) error {
		history, err := mgr.Status(ctx)
		printAll(status, history)
		return err
	})

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List migrations not applied yet",
		Args:  cobra.NoArgs,
	}
	pending.RunE = withDeadline(func(ctx context.Context) error {
		names, err := mgr.Pending(ctx)
		printAll(pending, names)
		return err
	})

	root.AddCommand(up, down, seed, status, pending)
	return root
}
