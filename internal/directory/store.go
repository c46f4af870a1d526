package directory

import "context"

// Store is the document-store capability backing the directory. Every
// account-scoped call filters on the owning account; a record owned by another
// account behaves as missing.
type Store interface {
	Insert(ctx context.Context, rec SubUser) (string, error)
	Update(ctx context.Context, accountID, id string, patch Patch) error
	Remove(ctx context.Context, accountID, id string) error
	Get(ctx context.Context, accountID, id string) (SubUser, error)
	FindByCredential(ctx context.Context, credentialID string) (SubUser, error)
	List(ctx context.Context, accountID string) ([]SubUser, error)
	// Watch emits the account's full record set on every change, starting
	// with the current one. The channel closes when ctx ends.
	Watch(ctx context.Context, accountID string) (<-chan []SubUser, error)
}
