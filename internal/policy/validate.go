package policy

import (
	"net/mail"
	"strings"

	"github.com/factureprojet1/facture1.ma/internal/auth"
)

// MinPasswordLength is the shortest password accepted for a sub-user.
const MinPasswordLength = 6

// CheckPassword validates a new password against its confirmation.
func CheckPassword(password, confirm string) error {
	if password == "" {
		return invalid("password", "is required")
	}
	if len(password) < MinPasswordLength {
		return invalid("password", "must be at least 6 characters")
	}
	if password != confirm {
		return invalid("confirm_password", "passwords do not match")
	}
	return nil
}

// CheckName trims and validates a display name.
func CheckName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "is required")
	}
	return name, nil
}

// CheckEmail trims, lower-cases and validates an address.
func CheckEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@"):], ".") {
		return "", invalid("email", "is not a valid address")
	}
	return email, nil
}

// CheckStatus validates a status value.
func CheckStatus(s auth.Status) error {
	if !s.Valid() {
		return invalid("status", "must be active or inactive")
	}
	return nil
}

// CheckGrant clamps the settings flag and requires at least one other grant.
func CheckGrant(p auth.PermissionSet) (auth.PermissionSet, error) {
	p, _ = ClampGrant(p)
	if !HasAnyGrant(p) {
		return p, invalid("permissions", "at least one permission must be granted")
	}
	return p, nil
}
