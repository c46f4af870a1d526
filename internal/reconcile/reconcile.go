// Package reconcile revokes identity credentials that no directory record or
// owner account references.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/obs"
)

// DefaultGrace keeps freshly registered credentials out of the enumeration
// sweep while their directory insert may still be in flight.
const DefaultGrace = 15 * time.Minute

type pending struct {
	cause      error
	reportedAt time.Time
	attempts   int
}

// Reconciler owns the orphan queue and the periodic sweep.
type Reconciler struct {
	idp      identity.Provider
	dir      *directory.Directory
	accounts auth.AccountStore
	log      logrus.FieldLogger
	now      func() time.Time
	grace    time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	cron    *cron.Cron
}

// Option configures Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithGrace sets how old an unreferenced credential must be before the
// enumeration sweep revokes it.
func WithGrace(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.grace = d
		}
	}
}

// New builds a Reconciler.
func New(idp identity.Provider, dir *directory.Directory, accounts auth.AccountStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		idp:      idp,
		dir:      dir,
		accounts: accounts,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		grace:    DefaultGrace,
		pending:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReportOrphan queues a credential for revocation on the next run.
func (r *Reconciler) ReportOrphan(_ context.Context, credentialID string, cause error) {
	if credentialID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[credentialID]; ok {
		p.cause = cause
		return
	}
	r.pending[credentialID] = &pending{cause: cause, reportedAt: r.now()}
	r.log.WithField("credential_id", credentialID).WithError(cause).Warn("orphaned credential queued")
}

// Pending lists queued credential ids in sorted order.
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Report summarises one reconciliation run.
type Report struct {
	Checked     int `json:"checked"`
	Revoked     int `json:"revoked"`
	Healed      int `json:"healed"`
	Unsupported int `json:"unsupported"`
	Failed      int `json:"failed"`
}

// RunOnce drains the queue and, when the provider can enumerate credentials,
// sweeps every credential older than the grace period. Credentials whose
// revocation fails stay queued.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	r.mu.Lock()
	queued := make([]string, 0, len(r.pending))
	for id := range r.pending {
		queued = append(queued, id)
	}
	r.mu.Unlock()
	sort.Strings(queued)

	seen := make(map[string]bool, len(queued))
	for _, id := range queued {
		seen[id] = true
		done, err := r.handle(ctx, id, &rep)
		if err != nil {
			return rep, err
		}
		r.mu.Lock()
		if done {
			delete(r.pending, id)
		} else if p, ok := r.pending[id]; ok {
			p.attempts++
		}
		r.mu.Unlock()
	}

	enum, ok := r.idp.(identity.Enumerator)
	if !ok {
		return rep, nil
	}
	creds, err := enum.Credentials(ctx, r.now().Add(-r.grace))
	if err != nil {
		return rep, err
	}
	for _, c := range creds {
		if seen[c.ID] {
			continue
		}
		done, err := r.handle(ctx, c.ID, &rep)
		if err != nil {
			return rep, err
		}
		if !done {
			r.ReportOrphan(ctx, c.ID, errors.New("revocation failed during sweep"))
		}
	}
	return rep, nil
}

// handle revokes credentialID unless something references it. done is false
// when the credential should be retried later.
func (r *Reconciler) handle(ctx context.Context, credentialID string, rep *Report) (done bool, err error) {
	rep.Checked++
	log := r.log.WithField("credential_id", credentialID)

	referenced, err := r.referenced(ctx, credentialID)
	if err != nil {
		return false, err
	}
	if referenced {
		r.mu.Lock()
		_, wasQueued := r.pending[credentialID]
		r.mu.Unlock()
		if wasQueued {
			rep.Healed++
			obs.ReconcileRevoked.WithLabelValues("healed").Inc()
			log.Info("queued credential is referenced again, dropping")
		}
		return true, nil
	}

	err = r.idp.Revoke(ctx, credentialID)
	switch {
	case err == nil, errors.Is(err, identity.ErrUnknownCredential):
		rep.Revoked++
		obs.ReconcileRevoked.WithLabelValues("revoked").Inc()
		log.Info("orphaned credential revoked")
		return true, nil
	case errors.Is(err, identity.ErrUnsupported):
		rep.Unsupported++
		obs.ReconcileRevoked.WithLabelValues("unsupported").Inc()
		log.Error("identity provider cannot revoke, manual cleanup required")
		return true, nil
	default:
		rep.Failed++
		obs.ReconcileRevoked.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("revocation failed, will retry")
		return false, nil
	}
}

func (r *Reconciler) referenced(ctx context.Context, credentialID string) (bool, error) {
	_, err := r.dir.FindByCredential(ctx, credentialID)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, directory.ErrNotFound):
		return false, err
	}
	_, err = r.accounts.FindByCredential(ctx, credentialID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, auth.ErrNotFound):
		return false, nil
	}
	return false, err
}

// Start schedules RunOnce on a cron schedule such as "@every 10m".
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		rep, err := r.RunOnce(ctx)
		if err != nil {
			r.log.WithError(err).Warn("reconciliation run failed")
			return
		}
		if rep.Revoked+rep.Failed+rep.Unsupported+rep.Healed > 0 {
			r.log.WithFields(logrus.Fields{
				"checked":     rep.Checked,
				"revoked":     rep.Revoked,
				"healed":      rep.Healed,
				"unsupported": rep.Unsupported,
				"failed":      rep.Failed,
			}).Info("reconciliation run finished")
		}
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.log.WithField("schedule", schedule).Info("reconciler started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.log.Info("reconciler stopped")
}
