package auth

// Principal is the resolved caller of a request.
type Principal struct {
	CredentialID string
	TokenID      string
	AccountID    string
	Role         Role
	SubUserID    string
	Email        string
	Permissions  PermissionSet
}

// IsOwner reports whether the principal is the paying account owner.
func (p Principal) IsOwner() bool { return p.Role == RoleOwner }

// HasPermission reports whether the principal may use the capability. Owners
// hold every capability implicitly; sub-users never hold settings.
func (p Principal) HasPermission(c Capability) bool {
	if p.IsOwner() {
		return true
	}
	if c == CapSettings {
		return false
	}
	return p.Permissions.Has(c)
}
