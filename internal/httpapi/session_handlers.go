package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/audit"
	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	State       string                   `json:"state,omitempty"`
	Kind        auth.Role                `json:"kind"`
	Token       string                   `json:"token,omitempty"`
	ExpiresAt   *time.Time               `json:"expires_at,omitempty"`
	AccountID   string                   `json:"account_id"`
	SubUserID   string                   `json:"sub_user_id,omitempty"`
	Email       string                   `json:"email"`
	Permissions map[auth.Capability]bool `json:"permissions"`
}

func principalResponse(p auth.Principal) sessionResponse {
	perms := p.Permissions
	if p.IsOwner() {
		perms = auth.FullPermissions()
	}
	return sessionResponse{
		Kind:        p.Role,
		AccountID:   p.AccountID,
		SubUserID:   p.SubUserID,
		Email:       p.Email,
		Permissions: perms.Map(),
	}
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.login(w, r)
	case http.MethodGet:
		a.currentSession(w, r)
	case http.MethodDelete:
		a.logout(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}
	out, err := a.gate.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleError(w, r, err)
		return
	}
	principal := out.Entry.Principal(out.TokenID)
	_ = audit.LogEvent(auth.ContextWithPrincipal(r.Context(), principal), audit.EventSessionOpened, logrus.Fields{
		"state": out.State,
	})
	resp := principalResponse(principal)
	resp.State = string(out.State)
	resp.Token = out.Token
	exp := out.ExpiresAt.UTC()
	resp.ExpiresAt = &exp
	writeJSON(w, http.StatusOK, resp)
}

// currentSession returns the cached view. With ?check=<capability> the
// directory is re-read and the capability enforced.
func (a *API) currentSession(w http.ResponseWriter, r *http.Request) {
	if raw := strings.TrimSpace(r.URL.Query().Get("check")); raw != "" {
		c, err := auth.ParseCapability(raw)
		if err != nil {
			writeErrorWith(w, r, http.StatusBadRequest, err.Error(), map[string]any{"field": "check"})
			return
		}
		p, err := a.gate.Check(r.Context(), tokenFromContext(r.Context()), c)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, principalResponse(p))
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		handleError(w, r, auth.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, principalResponse(p))
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.gate.Logout(r.Context(), tokenFromContext(r.Context())); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventSessionClosed, nil)
	writeJSON(w, http.StatusOK, map[string]any{"state": string(session.StateUnauthenticated)})
}
