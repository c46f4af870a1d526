package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/ids"
)

// Accounts persists owner accounts.
type Accounts struct {
	db *sql.DB
}

var _ auth.AccountStore = (*Accounts)(nil)

func (a *Accounts) Create(ctx context.Context, acct auth.Account) (auth.Account, error) {
	if a.db == nil {
		return auth.Account{}, errNoDB
	}
	acct.CredentialID = strings.TrimSpace(acct.CredentialID)
	if acct.CredentialID == "" {
		return auth.Account{}, fmt.Errorf("%w: credential id is required", auth.ErrInvalidInput)
	}
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	if acct.Subscription == "" {
		acct.Subscription = auth.PlanFree
	}
	var expires sql.NullTime
	if !acct.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: acct.ExpiresAt.UTC(), Valid: true}
	}
	err := a.db.QueryRowContext(ctx, `
		insert into accounts (id, credential_id, email, name, subscription, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, acct.ID, acct.CredentialID, acct.Email, acct.Name, acct.Subscription, expires).Scan(&acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.Account{}, auth.ErrAlreadyExists
		}
		return auth.Account{}, err
	}
	return acct, nil
}

func (a *Accounts) Get(ctx context.Context, id string) (auth.Account, error) {
	return a.one(ctx, `where id = $1`, id)
}

func (a *Accounts) FindByCredential(ctx context.Context, credentialID string) (auth.Account, error) {
	return a.one(ctx, `where credential_id = $1`, credentialID)
}

func (a *Accounts) one(ctx context.Context, where string, arg string) (auth.Account, error) {
	if a.db == nil {
		return auth.Account{}, errNoDB
	}
	var (
		acct    auth.Account
		expires sql.NullTime
	)
	err := a.db.QueryRowContext(ctx, `
		select id, credential_id, email, name, subscription, expires_at, created_at
		from accounts `+where, arg).
		Scan(&acct.ID, &acct.CredentialID, &acct.Email, &acct.Name, &acct.Subscription, &expires, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, err
	}
	if expires.Valid {
		acct.ExpiresAt = expires.Time.UTC()
	}
	return acct, nil
}
