package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/config"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/httpapi"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/obs"
	"github.com/factureprojet1/facture1.ma/internal/provision"
	"github.com/factureprojet1/facture1.ma/internal/reconcile"
	"github.com/factureprojet1/facture1.ma/internal/session"
	"github.com/factureprojet1/facture1.ma/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	demoOwnerEmail    = "demo@facture1.ma"
	demoOwnerPassword = "demo123"
)

type backends struct {
	accounts auth.AccountStore
	store    directory.Store
	idp      identity.Provider
	ready    httpapi.ReadyProbe
	run      func(context.Context) error
	close    func()
}

func main() {
	log := obs.Logger()
	if err := run(log); err != nil {
		log.WithError(err).Fatal("panel api stopped")
	}
	log.Info("stopped")
}

func run(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	obs.Init()
	obs.SetLevel(cfg.LogLevel)
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := auth.NewTokenIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	limiter := identity.NewAttemptLimiter(cfg.LoginBurst, cfg.LoginRefill)

	be, err := openBackends(ctx, cfg, tokens, limiter, log)
	if err != nil {
		return err
	}
	defer be.close()

	var cache session.Cache
	if cfg.SessionRedisURL != "" {
		rc, err := session.NewRedisCache(ctx, cfg.SessionRedisURL)
		if err != nil {
			return fmt.Errorf("session cache: %w", err)
		}
		defer rc.Close()
		cache = rc
		log.Info("session cache: redis")
	} else {
		cache = session.NewLRUCache(cfg.SessionCacheSize, cfg.TokenTTL)
	}

	dir := directory.New(be.store, directory.WithLogger(log.WithField("component", "directory")))
	rec := reconcile.New(be.idp, dir, be.accounts,
		reconcile.WithLogger(log.WithField("component", "reconcile")),
		reconcile.WithGrace(cfg.ReconcileGrace),
	)
	prov := provision.New(be.accounts, dir, be.idp,
		provision.WithLogger(log.WithField("component", "provision")),
		provision.WithOrphanReporter(rec),
	)
	gate := session.NewGate(be.idp, tokens, dir, be.accounts, cache,
		session.WithLogger(log.WithField("component", "session")),
	)

	api := httpapi.New(httpapi.Deps{
		Gate:        gate,
		Provisioner: prov,
		Directory:   dir,
		Ready:       be.ready,
		Version:     version,
		Logger:      log,
	}, httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewHealthServer(be.ready, 10*time.Second, log.WithField("component", "health"))
	health.Register(grpcServer)

	if cfg.ReconcileSchedule != "" {
		if err := rec.Start(ctx, cfg.ReconcileSchedule); err != nil {
			return fmt.Errorf("reconciler: %w", err)
		}
		defer rec.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return be.run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackends(ctx context.Context, cfg config.Config, tokens *auth.TokenIssuer, limiter *identity.AttemptLimiter, log *logrus.Logger) (*backends, error) {
	if cfg.PGDSN == "" {
		log.Warn("PANEL_PG_DSN is empty: using in-memory stores with a demo owner")
		return memoryBackends(ctx, tokens, limiter)
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	store.SetLogger(log.WithField("component", "pg"))
	if cfg.Migrations {
		applied, err := store.Migrator().Up(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			log.WithField("applied", applied).Info("migrations applied")
		}
	}
	subs := store.SubUsers()
	return &backends{
		accounts: store.Accounts(),
		store:    subs,
		idp:      store.Credentials(tokens, pg.WithLimiter(limiter)),
		ready:    httpapi.ReadyProbe{DB: store.DB()},
		run:      subs.Run,
		close:    func() { _ = store.Close() },
	}, nil
}

func memoryBackends(ctx context.Context, tokens *auth.TokenIssuer, limiter *identity.AttemptLimiter) (*backends, error) {
	idp := identity.NewMemory(tokens, identity.WithLimiter(limiter))
	accounts := auth.NewMemoryAccounts()
	credID, err := idp.Register(ctx, demoOwnerEmail, demoOwnerPassword)
	if err != nil {
		return nil, err
	}
	if _, err := accounts.Create(ctx, auth.Account{
		CredentialID: credID,
		Email:        demoOwnerEmail,
		Name:         "Demo",
		Subscription: auth.PlanPro,
		ExpiresAt:    time.Now().AddDate(1, 0, 0),
	}); err != nil {
		return nil, err
	}
	return &backends{
		accounts: accounts,
		store:    directory.NewMemoryStore(),
		idp:      idp,
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		close: func() {},
	}, nil
}
