package httpapi

import (
	"errors"
	"net/http"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/obs"
	"github.com/factureprojet1/facture1.ma/internal/policy"
	"github.com/factureprojet1/facture1.ma/internal/provision"
	"github.com/factureprojet1/facture1.ma/internal/session"
)

// handleError maps domain errors onto status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *policy.ValidationError
		perr *policy.PolicyError
		cerr *provision.ConsistencyError
		rerr *session.RejectedError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorWith(w, r, http.StatusBadRequest, verr.Error(), map[string]any{"field": verr.Field})
	case errors.As(err, &perr):
		code := http.StatusForbidden
		if perr.Rule == policy.RuleMaxUsers {
			code = http.StatusConflict
		}
		writeErrorWith(w, r, code, perr.Error(), map[string]any{"rule": perr.Rule})
	case errors.As(err, &cerr):
		obs.LoggerFrom(r.Context()).WithError(err).WithField("phase", cerr.Phase).Error("provisioning left state inconsistent")
		writeErrorWith(w, r, http.StatusBadGateway, "identity and directory are out of sync", map[string]any{"reconciliation": "pending"})
	case errors.As(err, &rerr):
		writeErrorWith(w, r, rejectedStatus(rerr.Reason), rerr.Error(), map[string]any{"reason": rerr.Reason})
	case errors.Is(err, identity.ErrEmailInUse), errors.Is(err, directory.ErrConflict),
		errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "email already in use")
	case errors.Is(err, identity.ErrWeakPassword):
		writeError(w, r, http.StatusBadRequest, "password too weak")
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="panel"`)
		writeError(w, r, http.StatusUnauthorized, "session expired or invalid")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, directory.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "directory unavailable")
	default:
		obs.LoggerFrom(r.Context()).WithError(err).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func rejectedStatus(reason session.Reason) int {
	switch reason {
	case session.ReasonDisabled:
		return http.StatusForbidden
	case session.ReasonRateLimited:
		return http.StatusTooManyRequests
	case session.ReasonUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}
