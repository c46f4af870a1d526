package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrPolicy matches every *PolicyError.
	ErrPolicy = errors.New("operation not permitted")
)

// ValidationError reports malformed input detected before any remote call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Rules enforced by PolicyError.
const (
	RuleMaxUsers = "max_users"
	RuleSettings = "settings_grant"
	RulePlan     = "plan"
)

// PolicyError reports an operation rejected by an access rule.
type PolicyError struct {
	Rule    string
	Current int
	Limit   int
}

func (e *PolicyError) Error() string {
	switch e.Rule {
	case RuleMaxUsers:
		return fmt.Sprintf("user limit reached (%d/%d)", e.Current, e.Limit)
	case RuleSettings:
		return "settings access can only be held by the account owner"
	case RulePlan:
		return "sub-user management requires an active pro subscription"
	}
	return fmt.Sprintf("policy %s rejected the operation", e.Rule)
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicy }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
