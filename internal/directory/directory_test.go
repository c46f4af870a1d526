package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/policy"
)

func newTestDirectory(t *testing.T, now time.Time) (*Directory, *MemoryStore, *time.Time) {
	t.Helper()
	clock := now
	store := NewMemoryStore()
	store.SetClock(func() time.Time { return clock })
	return New(store, WithClock(func() time.Time { return clock })), store, &clock
}

func record(account, cred, name string) SubUser {
	return SubUser{
		AccountID:    account,
		CredentialID: cred,
		Name:         name,
		Email:        name + "@example.com",
		Permissions:  auth.Grant(auth.CapInvoices),
	}
}

func next(t *testing.T, sub *Subscription) []SubUser {
	t.Helper()
	select {
	case list, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return list
	case <-time.After(2 * time.Second):
		t.Fatal("no emission")
	}
	return nil
}

func TestInsertEmitsRecordWithGeneratedFields(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	dir, _, _ := newTestDirectory(t, now)
	ctx := context.Background()

	sub, err := dir.Subscribe(ctx, "acct-a")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, next(t, sub))

	rec := record("acct-a", "cred-1", "amina")
	rec.Role = auth.RoleOwner
	rec.Permissions = auth.Grant(auth.CapInvoices, auth.CapSettings)
	id, err := dir.Insert(ctx, rec)
	require.NoError(t, err)

	list := next(t, sub)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "amina", got.Name)
	assert.Equal(t, "amina@example.com", got.Email)
	assert.Equal(t, auth.RoleSubUser, got.Role, "role is always sub-user")
	assert.False(t, got.Permissions.Settings, "settings is clamped")
	assert.True(t, got.Permissions.Invoices)
	assert.Equal(t, auth.StatusActive, got.Status)
	assert.Equal(t, now, got.CreatedAt)
	assert.Nil(t, got.LastLogin)

	latest, ok := sub.Latest()
	assert.True(t, ok)
	assert.Equal(t, list, latest)
}

func TestInsertRejectsRecordsWithoutGrant(t *testing.T) {
	dir, store, _ := newTestDirectory(t, time.Now())
	rec := record("acct-a", "cred-1", "amina")
	rec.Permissions = auth.Grant(auth.CapSettings)
	_, err := dir.Insert(context.Background(), rec)
	assert.ErrorIs(t, err, policy.ErrValidation)

	list, _ := store.List(context.Background(), "acct-a")
	assert.Empty(t, list)
}

func TestEmissionOrderIsNewestFirstRegardlessOfIssueOrder(t *testing.T) {
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	dir, _, _ := newTestDirectory(t, base)
	ctx := context.Background()

	t1, t2, t3 := base.Add(3*time.Hour), base.Add(2*time.Hour), base.Add(time.Hour)
	for _, item := range []struct {
		cred string
		at   time.Time
	}{{"c2", t2}, {"c3", t3}, {"c1", t1}} {
		rec := record("acct-a", item.cred, item.cred)
		rec.CreatedAt = item.at
		_, err := dir.Insert(ctx, rec)
		require.NoError(t, err)
	}

	sub, err := dir.Subscribe(ctx, "acct-a")
	require.NoError(t, err)
	defer sub.Close()
	list := next(t, sub)
	require.Len(t, list, 3)
	assert.Equal(t, []time.Time{t1, t2, t3}, []time.Time{list[0].CreatedAt, list[1].CreatedAt, list[2].CreatedAt})
}

func TestSortedTiesAreStable(t *testing.T) {
	at := time.Now()
	list := []SubUser{{ID: "a", CreatedAt: at}, {ID: "c", CreatedAt: at}, {ID: "b", CreatedAt: at}}
	first := Sorted(list)
	second := Sorted([]SubUser{list[2], list[0], list[1]})
	assert.Equal(t, first, second)
	assert.Equal(t, "c", first[0].ID)
}

func TestViewsAreScopedByAccount(t *testing.T) {
	dir, _, _ := newTestDirectory(t, time.Now())
	ctx := context.Background()

	idA, err := dir.Insert(ctx, record("acct-a", "cred-a", "amina"))
	require.NoError(t, err)
	_, err = dir.Insert(ctx, record("acct-b", "cred-b", "bilal"))
	require.NoError(t, err)

	listA, err := dir.List(ctx, "acct-a")
	require.NoError(t, err)
	require.Len(t, listA, 1)
	assert.Equal(t, "acct-a", listA[0].AccountID)

	name := "hijacked"
	err = dir.Update(ctx, "acct-b", idA, Patch{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
	err = dir.Remove(ctx, "acct-b", idA)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = dir.Get(ctx, "acct-b", idA)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := dir.Get(ctx, "acct-a", idA)
	require.NoError(t, err)
	assert.Equal(t, "amina", got.Name)
}

func TestUpdateLeavesUnsetFieldsUntouched(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	dir, _, clock := newTestDirectory(t, now)
	ctx := context.Background()
	id, err := dir.Insert(ctx, record("acct-a", "cred-1", "amina"))
	require.NoError(t, err)

	*clock = now.Add(time.Hour)
	status := auth.StatusInactive
	perms := auth.Grant(auth.CapReports, auth.CapSettings)
	require.NoError(t, dir.Update(ctx, "acct-a", id, Patch{Status: &status, Permissions: &perms}))

	got, err := dir.Get(ctx, "acct-a", id)
	require.NoError(t, err)
	assert.Equal(t, "amina", got.Name)
	assert.Equal(t, "amina@example.com", got.Email)
	assert.Equal(t, auth.StatusInactive, got.Status)
	assert.Equal(t, auth.Grant(auth.CapReports), got.Permissions)
	require.NotNil(t, got.UpdatedAt)
	assert.Equal(t, now.Add(time.Hour), *got.UpdatedAt)

	empty := auth.PermissionSet{}
	err = dir.Update(ctx, "acct-a", id, Patch{Permissions: &empty})
	assert.ErrorIs(t, err, policy.ErrValidation)

	blank := " "
	err = dir.Update(ctx, "acct-a", id, Patch{Name: &blank})
	assert.ErrorIs(t, err, policy.ErrValidation)

	assert.NoError(t, dir.Update(ctx, "acct-a", "missing", Patch{}), "empty patch is a no-op")
}

func TestRemoveMissingIsNotFoundNoOp(t *testing.T) {
	dir, _, _ := newTestDirectory(t, time.Now())
	ctx := context.Background()
	_, err := dir.Insert(ctx, record("acct-a", "cred-1", "amina"))
	require.NoError(t, err)

	sub, err := dir.Subscribe(ctx, "acct-a")
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, next(t, sub), 1)

	err = dir.Remove(ctx, "acct-a", "missing")
	var de *DirectoryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OpRemove, de.Op)
	assert.ErrorIs(t, err, ErrNotFound)

	select {
	case list := <-sub.C:
		t.Fatalf("unexpected emission after no-op remove: %v", list)
	case <-time.After(50 * time.Millisecond):
	}
	latest, _ := sub.Latest()
	assert.Len(t, latest, 1)
}

func TestInsertDuplicateCredentialConflicts(t *testing.T) {
	dir, _, _ := newTestDirectory(t, time.Now())
	ctx := context.Background()
	_, err := dir.Insert(ctx, record("acct-a", "cred-1", "amina"))
	require.NoError(t, err)
	_, err = dir.Insert(ctx, record("acct-a", "cred-1", "other"))
	assert.ErrorIs(t, err, ErrConflict)
	var de *DirectoryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OpInsert, de.Op)
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) Watch(context.Context, string) (<-chan []SubUser, error) {
	return nil, f.err
}

func (f failingStore) List(context.Context, string) ([]SubUser, error) {
	return nil, f.err
}

func TestStoreFailuresCarryOperationName(t *testing.T) {
	boom := errors.New("network down")
	dir := New(failingStore{Store: NewMemoryStore(), err: boom})

	_, err := dir.Subscribe(context.Background(), "acct-a")
	var de *DirectoryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OpSubscribe, de.Op)
	assert.ErrorIs(t, err, boom)

	_, err = dir.List(context.Background(), "acct-a")
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OpList, de.Op)
}

func TestSubscriptionReleasesOnContextAndClose(t *testing.T) {
	dir, store, _ := newTestDirectory(t, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := dir.Subscribe(ctx, "acct-a")
	require.NoError(t, err)
	next(t, sub)
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch not released on cancel")
	}
	require.Eventually(t, func() bool { return store.hub.Subscribers("acct-a") == 0 }, time.Second, 5*time.Millisecond)

	sub, err = dir.Subscribe(context.Background(), "acct-a")
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	_, open := <-sub.C
	for open {
		_, open = <-sub.C
	}
	require.Eventually(t, func() bool { return store.hub.Subscribers("acct-a") == 0 }, time.Second, 5*time.Millisecond)
}

func TestLaggingReaderSeesMergedEmissions(t *testing.T) {
	dir, _, clock := newTestDirectory(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	sub, err := dir.Subscribe(ctx, "acct-a")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, next(t, sub))

	for i, name := range []string{"amina", "karim", "salma"} {
		*clock = clock.Add(time.Minute)
		_, err := dir.Insert(ctx, record("acct-a", "cred-"+name, name))
		require.NoError(t, err, "insert %d", i)
	}
	require.Eventually(t, func() bool {
		latest, _ := sub.Latest()
		return len(latest) == 3
	}, 2*time.Second, 5*time.Millisecond)

	reads := 0
	var list []SubUser
	for len(list) != 3 {
		list = next(t, sub)
		reads++
	}
	assert.LessOrEqual(t, reads, 2, "three writes surface as fewer emissions")
	assert.Equal(t, "salma", list[0].Name)
}

func TestSearchAndSummarize(t *testing.T) {
	list := []SubUser{
		{Name: "Amina Idrissi", Email: "amina@example.com", Status: auth.StatusActive},
		{Name: "Bilal", Email: "b.ouali@Example.com", Status: auth.StatusInactive},
	}
	assert.Len(t, Search(list, "AMINA"), 1)
	assert.Len(t, Search(list, "example"), 2)
	assert.Len(t, Search(list, "ouali"), 1)
	assert.Len(t, Search(list, "  "), 2)
	assert.Empty(t, Search(list, "zzz"))

	st := Summarize(list, policy.MaxUsers)
	assert.Equal(t, Stats{Total: 2, Active: 1, Remaining: 1}, st)
}
