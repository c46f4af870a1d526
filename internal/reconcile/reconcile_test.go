package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/identity"
)

type flakyRevoke struct {
	*identity.Memory
	err error
}

func (f *flakyRevoke) Revoke(ctx context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	return f.Memory.Revoke(ctx, id)
}

type setup struct {
	idp      *identity.Memory
	dir      *directory.Directory
	accounts *auth.MemoryAccounts
	now      time.Time
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	s := &setup{
		dir:      directory.New(directory.NewMemoryStore()),
		accounts: auth.NewMemoryAccounts(),
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	s.idp = identity.NewMemory(tokens,
		identity.WithHasher(auth.Hasher{Cost: bcrypt.MinCost}),
		identity.WithClock(func() time.Time { return s.now }),
	)
	return s
}

func (s *setup) register(t *testing.T, email string) string {
	t.Helper()
	id, err := s.idp.Register(context.Background(), email, "secret1")
	require.NoError(t, err)
	return id
}

func TestRunOnceRevokesQueuedOrphans(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()
	orphan := s.register(t, "orphan@x.com")
	kept := s.register(t, "kept@x.com")
	_, err := s.dir.Insert(ctx, directory.SubUser{
		AccountID:    "acct-1",
		CredentialID: kept,
		Name:         "Kept",
		Email:        "kept@x.com",
		Permissions:  auth.Grant(auth.CapQuotes),
	})
	require.NoError(t, err)

	r := New(identity.Restrict(s.idp), s.dir, s.accounts, WithClock(func() time.Time { return s.now }))
	r.ReportOrphan(ctx, orphan, errors.New("insert failed"))
	r.ReportOrphan(ctx, kept, errors.New("insert failed"))
	assert.Len(t, r.Pending(), 2)

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 2, Revoked: 1, Healed: 1}, rep)
	assert.Empty(t, r.Pending())
	assert.False(t, s.idp.Exists(orphan))
	assert.True(t, s.idp.Exists(kept))
}

func TestRunOnceKeepsFailedRevocations(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()
	orphan := s.register(t, "orphan@x.com")
	idp := &flakyRevoke{Memory: s.idp, err: errors.New("provider offline")}

	r := New(identity.Restrict(idp), s.dir, s.accounts)
	r.ReportOrphan(ctx, orphan, nil)

	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, []string{orphan}, r.Pending())

	idp.err = nil
	rep, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Revoked)
	assert.Empty(t, r.Pending())
}

func TestRunOnceDropsUnsupportedRevocation(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()
	orphan := s.register(t, "orphan@x.com")
	idp := &flakyRevoke{Memory: s.idp, err: identity.ErrUnsupported}

	r := New(identity.Restrict(idp), s.dir, s.accounts)
	r.ReportOrphan(ctx, orphan, nil)
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unsupported)
	assert.Empty(t, r.Pending())
}

func TestRunOnceSweepsEnumerableProvider(t *testing.T) {
	s := newSetup(t)
	ctx := context.Background()
	old := s.register(t, "old@x.com")
	owner := s.register(t, "owner@x.com")
	_, err := s.accounts.Create(ctx, auth.Account{CredentialID: owner})
	require.NoError(t, err)

	s.now = s.now.Add(time.Hour)
	fresh := s.register(t, "fresh@x.com")

	r := New(s.idp, s.dir, s.accounts, WithClock(func() time.Time { return s.now }), WithGrace(30*time.Minute))
	rep, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Revoked)
	assert.False(t, s.idp.Exists(old))
	assert.True(t, s.idp.Exists(owner))
	assert.True(t, s.idp.Exists(fresh))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newSetup(t)
	r := New(s.idp, s.dir, s.accounts)
	assert.Error(t, r.Start(context.Background(), "not a schedule"))

	require.NoError(t, r.Start(context.Background(), "@every 1h"))
	r.Stop()
	r.Stop()
}
