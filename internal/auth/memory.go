package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/factureprojet1/facture1.ma/internal/ids"
)

// MemoryAccounts is an in-process AccountStore.
type MemoryAccounts struct {
	mu           sync.RWMutex
	byID         map[string]Account
	byCredential map[string]string
}

var _ AccountStore = (*MemoryAccounts)(nil)

// NewMemoryAccounts returns an empty store.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		byID:         make(map[string]Account),
		byCredential: make(map[string]string),
	}
}

func (m *MemoryAccounts) Create(_ context.Context, acct Account) (Account, error) {
	acct.CredentialID = strings.TrimSpace(acct.CredentialID)
	if acct.CredentialID == "" {
		return Account{}, fmt.Errorf("%w: credential id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCredential[acct.CredentialID]; ok {
		return Account{}, ErrAlreadyExists
	}
	if acct.ID == "" {
		acct.ID = ids.New()
	}
	if _, ok := m.byID[acct.ID]; ok {
		return Account{}, ErrAlreadyExists
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	m.byID[acct.ID] = acct
	m.byCredential[acct.CredentialID] = acct.ID
	return acct, nil
}

func (m *MemoryAccounts) Get(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (m *MemoryAccounts) FindByCredential(_ context.Context, credentialID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCredential[credentialID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.byID[id], nil
}
