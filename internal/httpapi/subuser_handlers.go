package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/audit"
	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/provision"
)

type subUserView struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name"`
	Email           string                   `json:"email"`
	Status          auth.Status              `json:"status"`
	Role            auth.Role                `json:"role"`
	Permissions     map[auth.Capability]bool `json:"permissions"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       *time.Time               `json:"updated_at,omitempty"`
	LastLogin       *time.Time               `json:"last_login,omitempty"`
	PasswordResetAt *time.Time               `json:"password_reset_at,omitempty"`
}

func viewOf(u directory.SubUser) subUserView {
	return subUserView{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		Status:          u.Status,
		Role:            u.Role,
		Permissions:     u.Permissions.Map(),
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
		LastLogin:       u.LastLogin,
		PasswordResetAt: u.PasswordResetAt,
	}
}

func viewsOf(list []directory.SubUser) []subUserView {
	out := make([]subUserView, 0, len(list))
	for _, u := range list {
		out = append(out, viewOf(u))
	}
	return out
}

type createSubUserRequest struct {
	Name            string             `json:"name"`
	Email           string             `json:"email"`
	Password        string             `json:"password"`
	ConfirmPassword string             `json:"confirm_password"`
	Status          auth.Status        `json:"status"`
	Permissions     auth.PermissionSet `json:"permissions"`
}

type updateSubUserRequest struct {
	Name        *string             `json:"name"`
	Email       *string             `json:"email"`
	Status      *auth.Status        `json:"status"`
	Permissions *auth.PermissionSet `json:"permissions"`
}

type resetPasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// handleSubUsers serves the collection: GET lists, POST creates.
func (a *API) handleSubUsers(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		ov, err := a.prov.Overview(r.Context(), owner.AccountID, r.URL.Query().Get("q"))
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":       viewsOf(ov.Items),
			"stats":       ov.Stats,
			"max_users":   ov.MaxUsers,
			"can_create":  ov.CanCreate,
			"plan_active": ov.PlanActive,
		})
	case http.MethodPost:
		var req createSubUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		sub, err := a.prov.CreateSubUser(r.Context(), owner.AccountID, provision.CreateRequest{
			Name:            req.Name,
			Email:           req.Email,
			Password:        req.Password,
			ConfirmPassword: req.ConfirmPassword,
			Status:          req.Status,
			Permissions:     req.Permissions,
		})
		if err != nil {
			handleError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventSubUserCreated, logrus.Fields{
			"sub_user_id": sub.ID,
			"permissions": sub.Permissions.Granted(),
			"status":      sub.Status,
		})
		writeJSON(w, http.StatusCreated, viewOf(sub))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleSubUserRoutes dispatches /v1/subusers/{id}, /v1/subusers/{id}/password,
// /v1/subusers/password/generate and /v1/subusers/stream.
func (a *API) handleSubUserRoutes(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/subusers/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.streamSubUsers(w, r, owner)
	case rest == "password/generate":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		pw, err := provision.GeneratePassword()
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"password": pw})
	case len(parts) == 2 && parts[0] != "" && parts[1] == "password":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.resetPassword(w, r, owner, parts[0])
	case len(parts) == 1 && parts[0] != "":
		switch r.Method {
		case http.MethodPatch:
			a.updateSubUser(w, r, owner, parts[0])
		case http.MethodDelete:
			a.deleteSubUser(w, r, owner, parts[0])
		default:
			methodNotAllowed(w, r, http.MethodPatch, http.MethodDelete)
		}
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) updateSubUser(w http.ResponseWriter, r *http.Request, owner auth.Principal, id string) {
	var req updateSubUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := a.prov.UpdateSubUser(r.Context(), owner.AccountID, id, provision.Edit{
		Name:        req.Name,
		Email:       req.Email,
		Status:      req.Status,
		Permissions: req.Permissions,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSubUserUpdated, logrus.Fields{
		"sub_user_id": sub.ID,
		"permissions": sub.Permissions.Granted(),
		"status":      sub.Status,
	})
	writeJSON(w, http.StatusOK, viewOf(sub))
}

func (a *API) deleteSubUser(w http.ResponseWriter, r *http.Request, owner auth.Principal, id string) {
	res, err := a.prov.DeleteSubUser(r.Context(), owner.AccountID, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSubUserDeleted, logrus.Fields{
		"sub_user_id":        id,
		"credential_revoked": res.Revoked,
	})
	body := map[string]any{"deleted": true, "credential_revoked": res.Revoked}
	if res.Orphan != nil {
		body["reconciliation"] = "pending"
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request, owner auth.Principal, id string) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.prov.ResetPassword(r.Context(), owner.AccountID, id, req.Password, req.ConfirmPassword)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordReset, logrus.Fields{
		"sub_user_id": id,
		"degraded":    res.Degraded,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"degraded": res.Degraded,
		"reset_at": res.ResetAt.UTC(),
	})
}
