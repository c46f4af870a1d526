// Package audit records who changed which sub-user.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/obs"
)

// Events written by the panel.
const (
	EventSubUserCreated = "subuser.created"
	EventSubUserUpdated = "subuser.updated"
	EventSubUserDeleted = "subuser.deleted"
	EventPasswordReset  = "subuser.password_reset"
	EventSessionOpened  = "session.opened"
	EventSessionClosed  = "session.closed"
)

// LogEvent writes an audit entry enriched with the request id and the acting
// principal. Field values must never carry passwords or tokens.
func LogEvent(ctx context.Context, event string, fields logrus.Fields) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := obs.LoggerFrom(ctx).WithFields(logrus.Fields{
		"type":  "audit",
		"event": event,
	})
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.WithFields(logrus.Fields{
			"actor_account_id": p.AccountID,
			"actor_role":       p.Role,
		})
		if p.SubUserID != "" {
			entry = entry.WithField("actor_sub_user_id", p.SubUserID)
		}
	}
	if len(fields) > 0 {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		entry = entry.WithField("fields", copied)
	}
	entry.Info("audit")
	return nil
}
