package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/config"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/obs"
	"github.com/factureprojet1/facture1.ma/internal/policy"
	"github.com/factureprojet1/facture1.ma/internal/reconcile"
	"github.com/factureprojet1/facture1.ma/internal/store/pg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is opened lazily by subcommands that touch the database.
type env struct {
	cfg    config.Config
	store  *pg.Store
	tokens *auth.TokenIssuer
}

func (e *env) open() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.PGDSN == "" {
		return errors.New("PANEL_PG_DSN is required")
	}
	obs.SetLevel(cfg.LogLevel)
	tokens, err := auth.NewTokenIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	store.SetLogger(obs.Logger())
	e.cfg, e.store, e.tokens = cfg, store, tokens
	return nil
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "panelctl",
		Short:         "Administrative tasks for the access panel",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return e.open()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			e.close()
		},
	}
	root.AddCommand(newReconcileCmd(e), newOwnerCmd(e))
	return root
}

func newReconcileCmd(e *env) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Revoke credentials no directory record or account refers to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("grace") {
				grace = e.cfg.ReconcileGrace
			}
			dir := directory.New(e.store.SubUsers(), directory.WithLogger(obs.Logger()))
			rec := reconcile.New(e.store.Credentials(e.tokens), dir, e.store.Accounts(),
				reconcile.WithLogger(obs.Logger()),
				reconcile.WithGrace(grace),
			)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			rep, err := rec.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 15*time.Minute, "skip credentials younger than this")
	return cmd
}

func newOwnerCmd(e *env) *cobra.Command {
	owner := &cobra.Command{
		Use:   "owner",
		Short: "Manage owner accounts",
	}

	var (
		email    string
		password string
		name     string
		plan     string
		validFor time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an owner credential and its account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := policy.CheckEmail(email)
			if err != nil {
				return err
			}
			plan = strings.ToLower(strings.TrimSpace(plan))
			if plan != auth.PlanPro && plan != auth.PlanFree {
				return fmt.Errorf("unknown plan %q", plan)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			idp := e.store.Credentials(e.tokens)
			credID, err := idp.Register(ctx, addr, password)
			if err != nil {
				return fmt.Errorf("register credential: %w", err)
			}
			acct, err := e.store.Accounts().Create(ctx, auth.Account{
				CredentialID: credID,
				Email:        addr,
				Name:         strings.TrimSpace(name),
				Subscription: plan,
				ExpiresAt:    time.Now().UTC().Add(validFor),
			})
			if err != nil {
				if rerr := idp.Revoke(ctx, credID); rerr != nil {
					obs.Logger().WithError(rerr).WithField("credential_id", credID).Error("owner credential left orphaned")
				}
				return fmt.Errorf("create account: %w", err)
			}
			return printJSON(cmd, map[string]any{
				"account_id":    acct.ID,
				"credential_id": acct.CredentialID,
				"email":         acct.Email,
				"subscription":  acct.Subscription,
				"expires_at":    acct.ExpiresAt,
			})
		},
	}
	create.Flags().StringVar(&email, "email", "", "owner email")
	create.Flags().StringVar(&password, "password", "", "initial password")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&plan, "plan", auth.PlanPro, "subscription tier (pro|free)")
	create.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "subscription length")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")

	owner.AddCommand(create)
	return owner
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
