// Package identity defines the authentication capability that issues and
// verifies sub-user and owner credentials.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmailInUse         = errors.New("identity: email already in use")
	ErrWeakPassword       = errors.New("identity: password too weak")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrTooManyAttempts    = errors.New("identity: too many attempts")
	ErrUnsupported        = errors.New("identity: operation not supported")
	ErrUnknownCredential  = errors.New("identity: unknown credential")
)

// MinPasswordLength is the provider-side password floor.
const MinPasswordLength = 6

// Session is the result of a successful verification.
type Session struct {
	CredentialID string
	Token        string
	TokenID      string
	ExpiresAt    time.Time
}

// Provider registers, verifies and revokes credentials.
type Provider interface {
	Register(ctx context.Context, email, password string) (string, error)
	Verify(ctx context.Context, email, password string) (Session, error)
	Revoke(ctx context.Context, credentialID string) error
}

// Rotator is the privileged capability to replace a credential's password.
type Rotator interface {
	Rotate(ctx context.Context, credentialID, password string) error
}

// EmailChanger moves a credential to a new login email.
type EmailChanger interface {
	ChangeEmail(ctx context.Context, credentialID, email string) error
}

// Credential describes a registered identity without its secret.
type Credential struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Enumerator lists live credentials created before a cutoff.
type Enumerator interface {
	Credentials(ctx context.Context, createdBefore time.Time) ([]Credential, error)
}

type restricted struct {
	Provider
}

// Restrict hides every optional capability of p, leaving the bare Provider.
func Restrict(p Provider) Provider {
	return restricted{Provider: p}
}
