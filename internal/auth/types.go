package auth

import "time"

// Role distinguishes the paying owner from provisioned sub-users.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleSubUser Role = "user"
)

// Status is the activation flag of a sub-user.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Subscription tiers.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Account is the owning administrator of a directory.
type Account struct {
	ID           string
	CredentialID string
	Email        string
	Name         string
	Subscription string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// PlanActive reports whether the account holds a paid tier that has not expired.
func (a Account) PlanActive(now time.Time) bool {
	return a.Subscription == PlanPro && a.ExpiresAt.After(now)
}
