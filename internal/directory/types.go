// Package directory keeps the owner-scoped collection of sub-user records and
// a live, ordered view of it.
package directory

import (
	"time"

	"github.com/factureprojet1/facture1.ma/internal/auth"
)

// SubUser is a provisioned, permission-scoped user under an owner account.
type SubUser struct {
	ID              string             `json:"id"`
	AccountID       string             `json:"account_id"`
	CredentialID    string             `json:"credential_id"`
	Name            string             `json:"name"`
	Email           string             `json:"email"`
	Permissions     auth.PermissionSet `json:"permissions"`
	Status          auth.Status        `json:"status"`
	Role            auth.Role          `json:"role"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       *time.Time         `json:"updated_at,omitempty"`
	LastLogin       *time.Time         `json:"last_login,omitempty"`
	PasswordResetAt *time.Time         `json:"password_reset_at,omitempty"`
}

// Active reports whether the sub-user may sign in.
func (u SubUser) Active() bool { return u.Status == auth.StatusActive }

// Patch is a typed partial update. Nil fields are left untouched.
type Patch struct {
	Name            *string
	Email           *string
	Status          *auth.Status
	Permissions     *auth.PermissionSet
	LastLogin       *time.Time
	PasswordResetAt *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Email == nil && p.Status == nil &&
		p.Permissions == nil && p.LastLogin == nil && p.PasswordResetAt == nil
}

// Apply copies the set fields onto u.
func (p Patch) Apply(u *SubUser) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Status != nil {
		u.Status = *p.Status
	}
	if p.Permissions != nil {
		u.Permissions = *p.Permissions
	}
	if p.LastLogin != nil {
		t := *p.LastLogin
		u.LastLogin = &t
	}
	if p.PasswordResetAt != nil {
		t := *p.PasswordResetAt
		u.PasswordResetAt = &t
	}
}

// touchesProfile reports whether the patch edits owner-managed fields, as
// opposed to the login and reset markers.
func (p Patch) touchesProfile() bool {
	return p.Name != nil || p.Email != nil || p.Status != nil || p.Permissions != nil
}
