package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/ids"
)

// Credentials is the identity provider backed by the credentials table.
// Revoked rows are kept with revoked_at set.
type Credentials struct {
	db      *sql.DB
	tokens  *auth.TokenIssuer
	hasher  auth.Hasher
	limiter *identity.AttemptLimiter
	now     func() time.Time
}

var (
	_ identity.Provider     = (*Credentials)(nil)
	_ identity.Rotator      = (*Credentials)(nil)
	_ identity.EmailChanger = (*Credentials)(nil)
	_ identity.Enumerator   = (*Credentials)(nil)
)

// CredentialOption configures Credentials.
type CredentialOption func(*Credentials)

// WithHasher overrides the bcrypt cost.
func WithHasher(h auth.Hasher) CredentialOption {
	return func(c *Credentials) { c.hasher = h }
}

// WithLimiter sets the failed-attempt limiter.
func WithLimiter(l *identity.AttemptLimiter) CredentialOption {
	return func(c *Credentials) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithClock overrides the time source used for new credential ids.
func WithClock(now func() time.Time) CredentialOption {
	return func(c *Credentials) {
		if now != nil {
			c.now = now
		}
	}
}

func (c *Credentials) Register(ctx context.Context, email, password string) (string, error) {
	if c.db == nil {
		return "", errNoDB
	}
	email = identity.NormalizeEmail(email)
	if email == "" {
		return "", errors.New("identity: email is required")
	}
	if len(password) < identity.MinPasswordLength {
		return "", identity.ErrWeakPassword
	}
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	now := c.now().UTC()
	id := ids.NewAt(now)
	_, err = c.db.ExecContext(ctx, `
		insert into credentials (id, email, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $4)
	`, id, email, hash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", identity.ErrEmailInUse
		}
		return "", err
	}
	return id, nil
}

func (c *Credentials) Verify(ctx context.Context, email, password string) (identity.Session, error) {
	if c.db == nil {
		return identity.Session{}, errNoDB
	}
	email = identity.NormalizeEmail(email)
	if !c.limiter.Allow(email) {
		return identity.Session{}, identity.ErrTooManyAttempts
	}
	var id, hash string
	err := c.db.QueryRowContext(ctx, `
		select id, password_hash from credentials
		where email = $1 and revoked_at is null
	`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		c.limiter.Fail(email)
		return identity.Session{}, identity.ErrInvalidCredentials
	}
	if err != nil {
		return identity.Session{}, err
	}
	if err := c.hasher.Verify(hash, password); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			c.limiter.Fail(email)
			return identity.Session{}, identity.ErrInvalidCredentials
		}
		return identity.Session{}, err
	}
	c.limiter.Reset(email)
	return identity.IssueSession(c.tokens, id)
}

func (c *Credentials) Revoke(ctx context.Context, credentialID string) error {
	return c.exec(ctx, `
		update credentials set revoked_at = now(), updated_at = now()
		where id = $1 and revoked_at is null
	`, credentialID)
}

func (c *Credentials) Rotate(ctx context.Context, credentialID, password string) error {
	if len(password) < identity.MinPasswordLength {
		return identity.ErrWeakPassword
	}
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return c.exec(ctx, `
		update credentials set password_hash = $2, updated_at = now()
		where id = $1 and revoked_at is null
	`, credentialID, hash)
}

func (c *Credentials) ChangeEmail(ctx context.Context, credentialID, email string) error {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return errors.New("identity: email is required")
	}
	return c.exec(ctx, `
		update credentials set email = $2, updated_at = now()
		where id = $1 and revoked_at is null
	`, credentialID, email)
}

func (c *Credentials) Credentials(ctx context.Context, createdBefore time.Time) ([]identity.Credential, error) {
	if c.db == nil {
		return nil, errNoDB
	}
	rows, err := c.db.QueryContext(ctx, `
		select id, email, created_at from credentials
		where revoked_at is null and created_at < $1
		order by created_at
	`, createdBefore.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []identity.Credential
	for rows.Next() {
		var cr identity.Credential
		if err := rows.Scan(&cr.ID, &cr.Email, &cr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (c *Credentials) exec(ctx context.Context, query string, args ...any) error {
	if c.db == nil {
		return errNoDB
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrEmailInUse
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return identity.ErrUnknownCredential
	}
	return nil
}
