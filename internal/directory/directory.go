package directory

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/policy"
)

// Directory enforces write-time preconditions in front of a Store and labels
// store failures with the operation that failed. It never retries.
type Directory struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// Option configures Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Directory) {
		if l != nil {
			d.log = l
		}
	}
}

// WithClock overrides the time source used for creation stamps.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// New wraps store.
func New(store Store, opts ...Option) *Directory {
	d := &Directory{
		store: store,
		log:   logrus.StandardLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Insert stores a new sub-user record and returns its id. The role is forced
// to sub-user, the settings flag is cleared and at least one other grant is
// required.
func (d *Directory) Insert(ctx context.Context, rec SubUser) (string, error) {
	if strings.TrimSpace(rec.AccountID) == "" {
		return "", &policy.ValidationError{Field: "account_id", Reason: "is required"}
	}
	if strings.TrimSpace(rec.CredentialID) == "" {
		return "", &policy.ValidationError{Field: "credential_id", Reason: "is required"}
	}
	name, err := policy.CheckName(rec.Name)
	if err != nil {
		return "", err
	}
	email, err := policy.CheckEmail(rec.Email)
	if err != nil {
		return "", err
	}
	perms, err := policy.CheckGrant(rec.Permissions)
	if err != nil {
		return "", err
	}
	if rec.Status == "" {
		rec.Status = auth.StatusActive
	}
	if err := policy.CheckStatus(rec.Status); err != nil {
		return "", err
	}
	rec.ID = ""
	rec.Name = name
	rec.Email = email
	rec.Permissions = perms
	rec.Role = auth.RoleSubUser
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.now().UTC()
	}
	rec.UpdatedAt, rec.LastLogin, rec.PasswordResetAt = nil, nil, nil

	id, err := d.store.Insert(ctx, rec)
	if err != nil {
		return "", wrap(OpInsert, err)
	}
	d.log.WithFields(logrus.Fields{"account_id": rec.AccountID, "sub_user_id": id}).Debug("directory record inserted")
	return id, nil
}

// Update applies a validated partial update. An empty patch is a no-op.
func (d *Directory) Update(ctx context.Context, accountID, id string, patch Patch) error {
	if patch.IsEmpty() {
		return nil
	}
	if err := ValidatePatch(&patch); err != nil {
		return err
	}
	if err := d.store.Update(ctx, accountID, id, patch); err != nil {
		return wrap(OpUpdate, err)
	}
	if patch.touchesProfile() {
		d.log.WithFields(logrus.Fields{"account_id": accountID, "sub_user_id": id}).Debug("directory record updated")
	}
	return nil
}

// Remove deletes a record. Removing a missing id yields a DirectoryError
// wrapping ErrNotFound and leaves the directory untouched.
func (d *Directory) Remove(ctx context.Context, accountID, id string) error {
	return wrap(OpRemove, d.store.Remove(ctx, accountID, id))
}

// Get returns one record of the account.
func (d *Directory) Get(ctx context.Context, accountID, id string) (SubUser, error) {
	u, err := d.store.Get(ctx, accountID, id)
	if err != nil {
		return SubUser{}, wrap(OpGet, err)
	}
	return u, nil
}

// FindByCredential resolves the record paired with an identity credential.
func (d *Directory) FindByCredential(ctx context.Context, credentialID string) (SubUser, error) {
	u, err := d.store.FindByCredential(ctx, credentialID)
	if err != nil {
		return SubUser{}, wrap(OpLookup, err)
	}
	return u, nil
}

// List returns the account's records, newest first.
func (d *Directory) List(ctx context.Context, accountID string) ([]SubUser, error) {
	list, err := d.store.List(ctx, accountID)
	if err != nil {
		return nil, wrap(OpList, err)
	}
	return Sorted(list), nil
}

// Count returns the number of records the account owns.
func (d *Directory) Count(ctx context.Context, accountID string) (int, error) {
	list, err := d.store.List(ctx, accountID)
	if err != nil {
		return 0, wrap(OpList, err)
	}
	return len(list), nil
}

// ValidatePatch normalises and checks the owner-managed fields of a patch.
func ValidatePatch(p *Patch) error {
	if p.Name != nil {
		name, err := policy.CheckName(*p.Name)
		if err != nil {
			return err
		}
		p.Name = &name
	}
	if p.Email != nil {
		email, err := policy.CheckEmail(*p.Email)
		if err != nil {
			return err
		}
		p.Email = &email
	}
	if p.Status != nil {
		if err := policy.CheckStatus(*p.Status); err != nil {
			return err
		}
	}
	if p.Permissions != nil {
		perms, err := policy.CheckGrant(*p.Permissions)
		if err != nil {
			return err
		}
		p.Permissions = &perms
	}
	return nil
}
