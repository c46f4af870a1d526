package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/policy"
)

var testNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// countingIDP wraps the in-memory provider, counts calls and injects failures.
type countingIDP struct {
	*identity.Memory

	mu        sync.Mutex
	registers int
	revokes   int
	revokeErr error
}

func (c *countingIDP) Register(ctx context.Context, email, password string) (string, error) {
	c.mu.Lock()
	c.registers++
	c.mu.Unlock()
	return c.Memory.Register(ctx, email, password)
}

func (c *countingIDP) Revoke(ctx context.Context, credentialID string) error {
	c.mu.Lock()
	c.revokes++
	err := c.revokeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Memory.Revoke(ctx, credentialID)
}

// brokenInsert fails every Insert and delegates the rest.
type brokenInsert struct {
	*directory.MemoryStore
	err error
}

func (b brokenInsert) Insert(context.Context, directory.SubUser) (string, error) {
	return "", b.err
}

type orphanLog struct {
	mu  sync.Mutex
	ids []string
}

func (o *orphanLog) ReportOrphan(_ context.Context, credentialID string, _ error) {
	o.mu.Lock()
	o.ids = append(o.ids, credentialID)
	o.mu.Unlock()
}

type fixture struct {
	prov     *Provisioner
	idp      *countingIDP
	store    *directory.MemoryStore
	orphans  *orphanLog
	account  auth.Account
	accounts *auth.MemoryAccounts
}

func newFixture(t *testing.T, wrap func(*directory.MemoryStore) directory.Store, restrict bool) *fixture {
	t.Helper()
	ctx := context.Background()
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	mem := identity.NewMemory(tokens, identity.WithHasher(auth.Hasher{Cost: bcrypt.MinCost}))
	idp := &countingIDP{Memory: mem}

	accounts := auth.NewMemoryAccounts()
	acct, err := accounts.Create(ctx, auth.Account{
		CredentialID: "owner-cred",
		Email:        "owner@example.com",
		Subscription: auth.PlanPro,
		ExpiresAt:    testNow.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	store := directory.NewMemoryStore()
	var backend directory.Store = store
	if wrap != nil {
		backend = wrap(store)
	}
	clock := func() time.Time { return testNow }
	dir := directory.New(backend, directory.WithClock(clock))

	var provider identity.Provider = idp
	if restrict {
		provider = identity.Restrict(idp)
	}
	orphans := &orphanLog{}
	prov := New(accounts, dir, provider, WithClock(clock), WithOrphanReporter(orphans))
	return &fixture{prov: prov, idp: idp, store: store, orphans: orphans, account: acct, accounts: accounts}
}

func createRequest(name string) CreateRequest {
	return CreateRequest{
		Name:            name,
		Email:           name + "@example.com",
		Password:        "secret1",
		ConfirmPassword: "secret1",
		Permissions:     auth.Grant(auth.CapInvoices, auth.CapClients),
	}
}

func TestCreateSubUser(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()

	req := createRequest("salma")
	req.Permissions = req.Permissions.With(auth.CapSettings, true)
	sub, err := f.prov.CreateSubUser(ctx, f.account.ID, req)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.NotEmpty(t, sub.CredentialID)
	assert.Equal(t, auth.RoleSubUser, sub.Role)
	assert.Equal(t, auth.StatusActive, sub.Status)
	assert.False(t, sub.Permissions.Settings)
	assert.True(t, f.idp.Exists(sub.CredentialID))

	stored, err := f.store.Get(ctx, f.account.ID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.CredentialID, stored.CredentialID)
}

func TestCreateSubUserLimitRejectsBeforeRegistering(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()

	for _, name := range []string{"a1", "a2", "a3"} {
		_, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest(name))
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.idp.registers)

	_, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest("a4"))
	var perr *policy.PolicyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, policy.RuleMaxUsers, perr.Rule)
	assert.Equal(t, 3, f.idp.registers)
	assert.Equal(t, 3, f.idp.Len())
}

func TestCreateSubUserValidation(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()

	cases := map[string]func(*CreateRequest){
		"no grants":      func(r *CreateRequest) { r.Permissions = auth.PermissionSet{} },
		"settings only":  func(r *CreateRequest) { r.Permissions = auth.Grant(auth.CapSettings) },
		"short password": func(r *CreateRequest) { r.Password, r.ConfirmPassword = "12345", "12345" },
		"mismatch":       func(r *CreateRequest) { r.ConfirmPassword = "secret2" },
		"missing name":   func(r *CreateRequest) { r.Name = "  " },
		"bad email":      func(r *CreateRequest) { r.Email = "nope" },
		"unknown status": func(r *CreateRequest) { r.Status = "paused" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := createRequest("omar")
			mutate(&req)
			_, err := f.prov.CreateSubUser(ctx, f.account.ID, req)
			assert.ErrorIs(t, err, policy.ErrValidation)
		})
	}
	assert.Zero(t, f.idp.registers)
}

func TestCreateSubUserRequiresActivePlan(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()
	free, err := f.accounts.Create(ctx, auth.Account{CredentialID: "free-owner", Subscription: auth.PlanFree})
	require.NoError(t, err)
	expired, err := f.accounts.Create(ctx, auth.Account{CredentialID: "old-owner", Subscription: auth.PlanPro, ExpiresAt: testNow.Add(-time.Hour)})
	require.NoError(t, err)

	for _, id := range []string{free.ID, expired.ID} {
		_, err := f.prov.CreateSubUser(ctx, id, createRequest("nora"))
		var perr *policy.PolicyError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, policy.RulePlan, perr.Rule)
	}
	assert.Zero(t, f.idp.registers)
}

func TestCreateSubUserRollsBackIdentityOnInsertFailure(t *testing.T) {
	insertErr := errors.New("disk full")
	f := newFixture(t, func(m *directory.MemoryStore) directory.Store {
		return brokenInsert{MemoryStore: m, err: insertErr}
	}, false)

	_, err := f.prov.CreateSubUser(context.Background(), f.account.ID, createRequest("yassine"))
	require.Error(t, err)
	assert.ErrorIs(t, err, insertErr)
	assert.NotErrorIs(t, err, ErrConsistency)
	var derr *directory.DirectoryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, directory.OpInsert, derr.Op)

	assert.Equal(t, 1, f.idp.revokes)
	assert.Zero(t, f.idp.Len())
	assert.Empty(t, f.orphans.ids)
}

func TestCreateSubUserReportsOrphanWhenRollbackFails(t *testing.T) {
	insertErr := errors.New("disk full")
	f := newFixture(t, func(m *directory.MemoryStore) directory.Store {
		return brokenInsert{MemoryStore: m, err: insertErr}
	}, false)
	f.idp.revokeErr = errors.New("provider offline")

	_, err := f.prov.CreateSubUser(context.Background(), f.account.ID, createRequest("yassine"))
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrConsistency)
	assert.Equal(t, "insert", cerr.Phase)
	assert.NotEmpty(t, cerr.CredentialID)
	assert.ErrorIs(t, cerr.Err, insertErr)
	assert.EqualError(t, cerr.CompensationErr, "provider offline")

	assert.Equal(t, []string{cerr.CredentialID}, f.orphans.ids)
	assert.True(t, f.idp.Exists(cerr.CredentialID))
}

func TestUpdateSubUser(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()
	sub, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest("hiba"))
	require.NoError(t, err)

	name := "Hiba B."
	email := "hiba.b@example.com"
	inactive := auth.StatusInactive
	perms := auth.Grant(auth.CapReports, auth.CapSettings)
	got, err := f.prov.UpdateSubUser(ctx, f.account.ID, sub.ID, Edit{
		Name:        &name,
		Email:       &email,
		Status:      &inactive,
		Permissions: &perms,
	})
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, email, got.Email)
	assert.Equal(t, auth.StatusInactive, got.Status)
	assert.Equal(t, auth.Grant(auth.CapReports), got.Permissions)
	require.NotNil(t, got.UpdatedAt)

	_, err = f.idp.Verify(ctx, email, "secret1")
	assert.NoError(t, err, "login email follows the directory")

	empty := auth.PermissionSet{}
	_, err = f.prov.UpdateSubUser(ctx, f.account.ID, sub.ID, Edit{Permissions: &empty})
	assert.ErrorIs(t, err, policy.ErrValidation)

	_, err = f.prov.UpdateSubUser(ctx, "other-account", sub.ID, Edit{Name: &name})
	assert.Error(t, err)
}

func TestDeleteSubUser(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()
	sub, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest("karim"))
	require.NoError(t, err)

	res, err := f.prov.DeleteSubUser(ctx, f.account.ID, sub.ID)
	require.NoError(t, err)
	assert.True(t, res.Revoked)
	assert.Nil(t, res.Orphan)
	assert.False(t, f.idp.Exists(sub.CredentialID))

	_, err = f.prov.DeleteSubUser(ctx, f.account.ID, sub.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDeleteSubUserSurvivesRevokeFailure(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()
	sub, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest("karim"))
	require.NoError(t, err)
	f.idp.revokeErr = errors.New("provider offline")

	res, err := f.prov.DeleteSubUser(ctx, f.account.ID, sub.ID)
	require.NoError(t, err)
	assert.False(t, res.Revoked)
	require.NotNil(t, res.Orphan)
	assert.Equal(t, "revoke", res.Orphan.Phase)
	assert.Equal(t, sub.CredentialID, res.Orphan.CredentialID)
	assert.Equal(t, []string{sub.CredentialID}, f.orphans.ids)

	_, err = f.store.Get(ctx, f.account.ID, sub.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestResetPassword(t *testing.T) {
	t.Run("rotates when supported", func(t *testing.T) {
		f := newFixture(t, nil, false)
		ctx := context.Background()
		sub, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest("leila"))
		require.NoError(t, err)

		res, err := f.prov.ResetPassword(ctx, f.account.ID, sub.ID, "fresh99", "fresh99")
		require.NoError(t, err)
		assert.False(t, res.Degraded)
		assert.Equal(t, testNow, res.ResetAt)

		_, err = f.idp.Verify(ctx, sub.Email, "fresh99")
		assert.NoError(t, err)
		stored, err := f.store.Get(ctx, f.account.ID, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.PasswordResetAt)
	})

	t.Run("degrades without rotation", func(t *testing.T) {
		f := newFixture(t, nil, true)
		ctx := context.Background()
		sub, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest("leila"))
		require.NoError(t, err)

		res, err := f.prov.ResetPassword(ctx, f.account.ID, sub.ID, "fresh99", "fresh99")
		require.NoError(t, err)
		assert.True(t, res.Degraded)

		_, err = f.idp.Verify(ctx, sub.Email, "secret1")
		assert.NoError(t, err, "old password stays valid")
		stored, err := f.store.Get(ctx, f.account.ID, sub.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.PasswordResetAt)
	})

	t.Run("validates confirmation", func(t *testing.T) {
		f := newFixture(t, nil, false)
		_, err := f.prov.ResetPassword(context.Background(), f.account.ID, "any", "fresh99", "fresh98")
		assert.ErrorIs(t, err, policy.ErrValidation)
	})
}

func TestOverview(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta"} {
		_, err := f.prov.CreateSubUser(ctx, f.account.ID, createRequest(name))
		require.NoError(t, err)
	}

	ov, err := f.prov.Overview(ctx, f.account.ID, "BET")
	require.NoError(t, err)
	require.Len(t, ov.Items, 1)
	assert.Equal(t, "beta", ov.Items[0].Name)
	assert.Equal(t, 2, ov.Stats.Total)
	assert.Equal(t, 1, ov.Stats.Remaining)
	assert.True(t, ov.CanCreate)
	assert.True(t, ov.PlanActive)
	assert.Equal(t, policy.MaxUsers, ov.MaxUsers)
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, 8)
		assert.Regexp(t, `^[A-Za-z0-9]{8}$`, pw)
		seen[pw] = true
	}
	assert.Greater(t, len(seen), 1)
}
