// Package provision creates, edits and removes sub-users across the identity
// provider and the directory.
package provision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/obs"
	"github.com/factureprojet1/facture1.ma/internal/policy"
)

const tracerName = "github.com/factureprojet1/facture1.ma/internal/provision"

// OrphanReporter receives credentials left without a directory record.
type OrphanReporter interface {
	ReportOrphan(ctx context.Context, credentialID string, cause error)
}

// Provisioner orchestrates the two-system sub-user lifecycle.
type Provisioner struct {
	accounts auth.AccountStore
	dir      *directory.Directory
	idp      identity.Provider
	orphans  OrphanReporter
	log      logrus.FieldLogger
	now      func() time.Time
	tracer   trace.Tracer
	maxUsers int

	createLocks sync.Map
}

// Option configures Provisioner.
type Option func(*Provisioner)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithOrphanReporter routes consistency failures to a reconciler.
func WithOrphanReporter(r OrphanReporter) Option {
	return func(p *Provisioner) { p.orphans = r }
}

// WithMaxUsers overrides the per-account sub-user limit.
func WithMaxUsers(n int) Option {
	return func(p *Provisioner) {
		if n > 0 {
			p.maxUsers = n
		}
	}
}

// New builds a Provisioner.
func New(accounts auth.AccountStore, dir *directory.Directory, idp identity.Provider, opts ...Option) *Provisioner {
	p := &Provisioner{
		accounts: accounts,
		dir:      dir,
		idp:      idp,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
		maxUsers: policy.MaxUsers,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxUsers returns the per-account limit in force.
func (p *Provisioner) MaxUsers() int { return p.maxUsers }

// CreateRequest carries the add-user form.
type CreateRequest struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
	Status          auth.Status
	Permissions     auth.PermissionSet
}

// Edit carries the owner-editable fields. Nil fields are left untouched.
type Edit struct {
	Name        *string
	Email       *string
	Status      *auth.Status
	Permissions *auth.PermissionSet
}

// DeleteResult reports the outcome of the best-effort credential revocation.
type DeleteResult struct {
	Revoked bool
	Orphan  *ConsistencyError
}

// ResetResult reports whether the new password is actually active. Degraded
// means only the reset marker was recorded.
type ResetResult struct {
	Degraded bool
	ResetAt  time.Time
}

// CreateSubUser validates the request, checks the plan and the user limit,
// then registers the identity and inserts the directory record. A failed
// insert revokes the fresh identity; a failed revocation yields a
// *ConsistencyError and the credential is handed to the orphan reporter.
func (p *Provisioner) CreateSubUser(ctx context.Context, accountID string, req CreateRequest) (sub directory.SubUser, err error) {
	defer func() { p.record("create", err) }()

	name, err := policy.CheckName(req.Name)
	if err != nil {
		return directory.SubUser{}, err
	}
	email, err := policy.CheckEmail(req.Email)
	if err != nil {
		return directory.SubUser{}, err
	}
	if err := policy.CheckPassword(req.Password, req.ConfirmPassword); err != nil {
		return directory.SubUser{}, err
	}
	perms, err := policy.CheckGrant(req.Permissions)
	if err != nil {
		return directory.SubUser{}, err
	}
	status := req.Status
	if status == "" {
		status = auth.StatusActive
	}
	if err := policy.CheckStatus(status); err != nil {
		return directory.SubUser{}, err
	}
	if err := p.checkPlan(ctx, accountID); err != nil {
		return directory.SubUser{}, err
	}

	unlock := p.lockAccount(accountID)
	defer unlock()

	count, err := p.dir.Count(ctx, accountID)
	if err != nil {
		return directory.SubUser{}, err
	}
	if err := policy.CheckCreate(count, p.maxUsers); err != nil {
		return directory.SubUser{}, err
	}

	rec := directory.SubUser{
		AccountID:   accountID,
		Name:        name,
		Email:       email,
		Permissions: perms,
		Status:      status,
		Role:        auth.RoleSubUser,
		CreatedAt:   p.now().UTC(),
	}
	s := saga{tracer: p.tracer, steps: []Step{
		{
			Name: "register",
			Forward: func(ctx context.Context) error {
				id, err := p.idp.Register(ctx, email, req.Password)
				if err != nil {
					return err
				}
				rec.CredentialID = id
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return p.idp.Revoke(ctx, rec.CredentialID)
			},
		},
		{
			Name: "insert",
			Forward: func(ctx context.Context) error {
				id, err := p.dir.Insert(ctx, rec)
				if err != nil {
					return err
				}
				rec.ID = id
				return nil
			},
		},
	}}

	log := p.log.WithFields(logrus.Fields{"account_id": accountID, "op": "create"})
	if err := s.run(ctx); err != nil {
		var cerr *ConsistencyError
		if errors.As(err, &cerr) {
			cerr.CredentialID = rec.CredentialID
			log.WithError(err).WithField("credential_id", rec.CredentialID).Error("orphaned identity after failed directory insert")
			p.reportOrphan(ctx, rec.CredentialID, cerr)
			return directory.SubUser{}, cerr
		}
		var serr *StepError
		if errors.As(err, &serr) {
			if serr.Step == "insert" {
				log.WithError(serr.Err).Warn("directory insert failed, identity registration rolled back")
			}
			return directory.SubUser{}, serr.Err
		}
		return directory.SubUser{}, err
	}
	log.WithField("sub_user_id", rec.ID).Info("sub-user provisioned")
	return rec, nil
}

// UpdateSubUser applies an owner edit. An email change is pushed to the
// identity provider first when it supports it and undone if the directory
// update then fails.
func (p *Provisioner) UpdateSubUser(ctx context.Context, accountID, id string, edit Edit) (sub directory.SubUser, err error) {
	defer func() { p.record("update", err) }()

	patch := directory.Patch{
		Name:        edit.Name,
		Email:       edit.Email,
		Status:      edit.Status,
		Permissions: edit.Permissions,
	}
	if err := directory.ValidatePatch(&patch); err != nil {
		return directory.SubUser{}, err
	}
	if err := p.checkPlan(ctx, accountID); err != nil {
		return directory.SubUser{}, err
	}
	current, err := p.dir.Get(ctx, accountID, id)
	if err != nil {
		return directory.SubUser{}, err
	}
	if patch.IsEmpty() {
		return current, nil
	}

	var steps []Step
	if changer, ok := p.idp.(identity.EmailChanger); ok && patch.Email != nil && *patch.Email != current.Email {
		newEmail, oldEmail := *patch.Email, current.Email
		steps = append(steps, Step{
			Name: "change_email",
			Forward: func(ctx context.Context) error {
				return changer.ChangeEmail(ctx, current.CredentialID, newEmail)
			},
			Compensate: func(ctx context.Context) error {
				return changer.ChangeEmail(ctx, current.CredentialID, oldEmail)
			},
		})
	}
	steps = append(steps, Step{
		Name: "update",
		Forward: func(ctx context.Context) error {
			return p.dir.Update(ctx, accountID, id, patch)
		},
	})
	if err := (saga{tracer: p.tracer, steps: steps}).run(ctx); err != nil {
		var cerr *ConsistencyError
		if errors.As(err, &cerr) {
			cerr.CredentialID, cerr.RecordID = current.CredentialID, id
			p.log.WithError(err).WithField("sub_user_id", id).Error("login email and directory record diverged")
			return directory.SubUser{}, cerr
		}
		var serr *StepError
		if errors.As(err, &serr) {
			return directory.SubUser{}, serr.Err
		}
		return directory.SubUser{}, err
	}
	return p.dir.Get(ctx, accountID, id)
}

// DeleteSubUser removes the directory record, then revokes the paired
// identity. Revocation failure never fails the delete; it is reported in the
// result and handed to the orphan reporter.
func (p *Provisioner) DeleteSubUser(ctx context.Context, accountID, id string) (res DeleteResult, err error) {
	defer func() { p.record("delete", err) }()

	if err := p.checkPlan(ctx, accountID); err != nil {
		return DeleteResult{}, err
	}
	rec, err := p.dir.Get(ctx, accountID, id)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := p.dir.Remove(ctx, accountID, id); err != nil {
		return DeleteResult{}, err
	}

	log := p.log.WithFields(logrus.Fields{"account_id": accountID, "sub_user_id": id, "op": "delete"})
	ctx, span := p.tracer.Start(ctx, "provision.revoke")
	defer span.End()
	rerr := p.idp.Revoke(ctx, rec.CredentialID)
	switch {
	case rerr == nil, errors.Is(rerr, identity.ErrUnknownCredential):
		log.Info("sub-user removed")
		return DeleteResult{Revoked: true}, nil
	default:
		span.RecordError(rerr)
		orphan := &ConsistencyError{Phase: "revoke", CredentialID: rec.CredentialID, RecordID: id, Err: rerr}
		log.WithError(rerr).Warn("sub-user removed but identity revocation failed")
		p.reportOrphan(ctx, rec.CredentialID, orphan)
		return DeleteResult{Orphan: orphan}, nil
	}
}

// ResetPassword rotates the credential when the provider allows it and always
// stamps the reset marker. Without rotation the result is degraded.
func (p *Provisioner) ResetPassword(ctx context.Context, accountID, id, password, confirm string) (res ResetResult, err error) {
	defer func() { p.record("reset", err) }()

	if err := policy.CheckPassword(password, confirm); err != nil {
		return ResetResult{}, err
	}
	if err := p.checkPlan(ctx, accountID); err != nil {
		return ResetResult{}, err
	}
	rec, err := p.dir.Get(ctx, accountID, id)
	if err != nil {
		return ResetResult{}, err
	}

	log := p.log.WithFields(logrus.Fields{"account_id": accountID, "sub_user_id": id, "op": "reset"})
	degraded := true
	if rotator, ok := p.idp.(identity.Rotator); ok {
		if err := rotator.Rotate(ctx, rec.CredentialID, password); err != nil {
			return ResetResult{}, err
		}
		degraded = false
	}

	now := p.now().UTC()
	if err := p.dir.Update(ctx, accountID, id, directory.Patch{PasswordResetAt: &now}); err != nil {
		if degraded {
			return ResetResult{}, err
		}
		log.WithError(err).Warn("password rotated but reset marker not recorded")
	}
	if degraded {
		log.Warn("password reset recorded without credential rotation")
	}
	return ResetResult{Degraded: degraded, ResetAt: now}, nil
}

// Overview is the management screen's view of one account.
type Overview struct {
	Items      []directory.SubUser
	Stats      directory.Stats
	MaxUsers   int
	CanCreate  bool
	PlanActive bool
}

// Overview lists the account's sub-users, filtered by query, with stats over
// the full directory.
func (p *Provisioner) Overview(ctx context.Context, accountID, query string) (Overview, error) {
	acct, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return Overview{}, err
	}
	list, err := p.dir.List(ctx, accountID)
	if err != nil {
		return Overview{}, err
	}
	planActive := acct.PlanActive(p.now())
	return Overview{
		Items:      directory.Search(list, query),
		Stats:      directory.Summarize(list, p.maxUsers),
		MaxUsers:   p.maxUsers,
		CanCreate:  planActive && policy.CanCreate(len(list), p.maxUsers),
		PlanActive: planActive,
	}, nil
}

func (p *Provisioner) checkPlan(ctx context.Context, accountID string) error {
	acct, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	return policy.CheckPlan(acct, p.now())
}

func (p *Provisioner) lockAccount(accountID string) func() {
	v, _ := p.createLocks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (p *Provisioner) reportOrphan(ctx context.Context, credentialID string, cause error) {
	if p.orphans == nil || credentialID == "" {
		return
	}
	p.orphans.ReportOrphan(ctx, credentialID, cause)
}

func (p *Provisioner) record(op string, err error) {
	obs.ProvisionOps.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, policy.ErrValidation):
		return "validation"
	case errors.Is(err, policy.ErrPolicy):
		return "policy"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	}
	return "error"
}
