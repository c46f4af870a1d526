package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factureprojet1/facture1.ma/internal/auth"
)

func sampleEntry(expires time.Time) Entry {
	return Entry{
		Kind:         auth.RoleSubUser,
		AccountID:    "acct-1",
		SubUserID:    "sub-1",
		CredentialID: "cred-1",
		Email:        "a@x.com",
		Permissions:  auth.Grant(auth.CapInvoices),
		ExpiresAt:    expires,
	}
}

func TestLRUCacheHonoursEntryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache(2, time.Hour)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, "t1", sampleEntry(now.Add(time.Minute))))
	got, ok, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sub-1", got.SubUserID)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2, time.Hour)
	for _, k := range []string{"t1", "t2", "t3"} {
		require.NoError(t, c.Put(ctx, k, sampleEntry(time.Time{})))
	}
	_, ok, _ := c.Get(ctx, "t1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "t3")
	assert.True(t, ok)
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	c, err := NewRedisCache(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	defer c.Close()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, c.Put(ctx, "t1", sampleEntry(expires)))
	assert.True(t, mr.Exists("session:t1"))
	assert.Greater(t, mr.TTL("session:t1"), 59*time.Minute)

	got, ok, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleEntry(expires).Permissions, got.Permissions)
	assert.True(t, expires.Equal(got.ExpiresAt))

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "t2", sampleEntry(expires)))
	require.NoError(t, c.Delete(ctx, "t2"))
	assert.False(t, mr.Exists("session:t2"))

	require.NoError(t, mr.Set("session:bad", "{not json"))
	_, ok, err = c.Get(ctx, "bad")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("session:bad"))
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), "://nope")
	assert.Error(t, err)
}
