// Package policy holds the side-effect-free rules that gate directory changes.
package policy

import (
	"time"

	"github.com/factureprojet1/facture1.ma/internal/auth"
)

// MaxUsers is the number of sub-users one account may own.
const MaxUsers = 3

// CanCreate reports whether another sub-user fits under the limit.
func CanCreate(current, max int) bool {
	return current < max
}

// CanGrant reports whether requested may be stored through a caller with the
// given context. Only owner paths may carry the settings flag.
func CanGrant(requested auth.PermissionSet, ownerContext bool) bool {
	return !requested.Settings || ownerContext
}

// ClampGrant forces the settings flag off for sub-user paths and reports
// whether the request tried to set it.
func ClampGrant(requested auth.PermissionSet) (auth.PermissionSet, bool) {
	return requested.WithoutSettings(), requested.Settings
}

// HasAnyGrant reports whether at least one non-settings flag is set.
func HasAnyGrant(p auth.PermissionSet) bool {
	return p.HasAnyGrant()
}

// CheckCreate returns a *PolicyError when current has reached max.
func CheckCreate(current, max int) error {
	if CanCreate(current, max) {
		return nil
	}
	return &PolicyError{Rule: RuleMaxUsers, Current: current, Limit: max}
}

// CheckPlan returns a *PolicyError when the account cannot manage sub-users.
func CheckPlan(acct auth.Account, now time.Time) error {
	if acct.PlanActive(now) {
		return nil
	}
	return &PolicyError{Rule: RulePlan}
}

// Remaining is the number of free slots, never negative.
func Remaining(current, max int) int {
	if current >= max {
		return 0
	}
	return max - current
}
