package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/factureprojet1/facture1.ma/internal/auth"
)

// Entry is the advisory per-session view of who is signed in and what the UI
// may show. Privileged actions re-check the directory.
type Entry struct {
	Kind         auth.Role          `json:"kind"`
	AccountID    string             `json:"account_id"`
	SubUserID    string             `json:"sub_user_id,omitempty"`
	CredentialID string             `json:"credential_id"`
	Email        string             `json:"email"`
	Permissions  auth.PermissionSet `json:"permissions"`
	ExpiresAt    time.Time          `json:"expires_at"`
}

// Principal converts the entry into a request principal.
func (e Entry) Principal(tokenID string) auth.Principal {
	return auth.Principal{
		CredentialID: e.CredentialID,
		TokenID:      tokenID,
		AccountID:    e.AccountID,
		Role:         e.Kind,
		SubUserID:    e.SubUserID,
		Email:        e.Email,
		Permissions:  e.Permissions,
	}
}

// Cache stores session entries keyed by token id for the session lifetime.
type Cache interface {
	Put(ctx context.Context, key string, e Entry) error
	Get(ctx context.Context, key string) (Entry, bool, error)
	Delete(ctx context.Context, key string) error
}

// LRUCache keeps entries in process memory.
type LRUCache struct {
	entries *lru.LRU[string, Entry]
	now     func() time.Time
}

// NewLRUCache holds up to size sessions, each for at most ttl.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUCache{
		entries: lru.NewLRU[string, Entry](size, nil, ttl),
		now:     time.Now,
	}
}

func (c *LRUCache) Put(_ context.Context, key string, e Entry) error {
	c.entries.Add(key, e)
	return nil
}

func (c *LRUCache) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if !e.ExpiresAt.IsZero() && !c.now().Before(e.ExpiresAt) {
		c.entries.Remove(key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.entries.Remove(key)
	return nil
}

// Len returns the number of cached sessions.
func (c *LRUCache) Len() int { return c.entries.Len() }

// RedisCache shares entries between replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCache connects to the Redis server at url and pings it.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client, prefix: "session:", now: time.Now}, nil
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

func (c *RedisCache) Put(ctx context.Context, key string, e Entry) error {
	ttl := e.ExpiresAt.Sub(c.now())
	if e.ExpiresAt.IsZero() {
		ttl = 0
	} else if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.client.Del(ctx, c.key(key))
		return Entry{}, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
