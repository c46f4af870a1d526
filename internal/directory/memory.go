package directory

import (
	"context"
	"sync"
	"time"

	"github.com/factureprojet1/facture1.ma/internal/ids"
	"github.com/factureprojet1/facture1.ma/internal/stream"
)

// MemoryStore is an in-process Store. Writes are serialised and every change
// is pushed to the account's watchers.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]SubUser
	hub     *stream.Hub[string, []SubUser]
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]SubUser),
		hub:     stream.New[string, []SubUser](),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for updated-at stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Insert(_ context.Context, rec SubUser) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.CredentialID == rec.CredentialID {
			return "", ErrConflict
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now().UTC()
	}
	rec.ID = ids.NewAt(rec.CreatedAt)
	m.records[rec.ID] = rec
	m.publishLocked(rec.AccountID)
	return rec.ID, nil
}

func (m *MemoryStore) Update(_ context.Context, accountID, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.AccountID != accountID {
		return ErrNotFound
	}
	if patch.IsEmpty() {
		return nil
	}
	patch.Apply(&rec)
	if patch.touchesProfile() || patch.PasswordResetAt != nil {
		now := m.now().UTC()
		rec.UpdatedAt = &now
	}
	m.records[id] = rec
	m.publishLocked(accountID)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.AccountID != accountID {
		return ErrNotFound
	}
	delete(m.records, id)
	m.publishLocked(accountID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, accountID, id string) (SubUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.AccountID != accountID {
		return SubUser{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) FindByCredential(_ context.Context, credentialID string) (SubUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.CredentialID == credentialID {
			return rec, nil
		}
	}
	return SubUser{}, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, accountID string) ([]SubUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(accountID), nil
}

// Watch subscribes under the write lock so no change can slip between the
// initial snapshot and the subscription.
func (m *MemoryStore) Watch(ctx context.Context, accountID string) (<-chan []SubUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.Subscribe(ctx, accountID, m.listLocked(accountID)), nil
}

func (m *MemoryStore) listLocked(accountID string) []SubUser {
	var out []SubUser
	for _, rec := range m.records {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	return Sorted(out)
}

func (m *MemoryStore) publishLocked(accountID string) {
	m.hub.Publish(accountID, m.listLocked(accountID))
}
