package session

import "errors"

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("session: rejected")

// Reason classifies a rejected login.
type Reason string

const (
	ReasonDisabled        Reason = "disabled"
	ReasonUnknownIdentity Reason = "unknown_identity"
	ReasonBadCredentials  Reason = "bad_credentials"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonUnavailable     Reason = "unavailable"
)

var reasonText = map[Reason]string{
	ReasonDisabled:        "account disabled",
	ReasonUnknownIdentity: "no account is linked to these credentials",
	ReasonBadCredentials:  "invalid email or password",
	ReasonRateLimited:     "too many attempts, try again later",
	ReasonUnavailable:     "sign-in is temporarily unavailable",
}

// RejectedError ends a login attempt in the Rejected state.
type RejectedError struct {
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	msg, ok := reasonText[e.Reason]
	if !ok {
		msg = string(e.Reason)
	}
	return msg
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func reject(reason Reason, err error) *RejectedError {
	return &RejectedError{Reason: reason, Err: err}
}
