package provision

import (
	"errors"
	"fmt"
)

// ErrConsistency matches every *ConsistencyError.
var ErrConsistency = errors.New("provision: cross-system state is inconsistent")

// ConsistencyError reports that the identity provider and the directory no
// longer agree and reconciliation is needed.
type ConsistencyError struct {
	Phase           string
	CredentialID    string
	RecordID        string
	Err             error
	CompensationErr error
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("provision %s left credential %q inconsistent: %v", e.Phase, e.CredentialID, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf(" (compensation failed: %v)", e.CompensationErr)
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }
