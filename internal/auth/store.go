package auth

import "context"

// AccountStore persists owner accounts.
type AccountStore interface {
	Create(ctx context.Context, acct Account) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	FindByCredential(ctx context.Context, credentialID string) (Account, error)
}
