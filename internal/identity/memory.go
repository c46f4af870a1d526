package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/ids"
)

type memCredential struct {
	id        string
	email     string
	hash      string
	createdAt time.Time
}

// Memory is an in-process Provider with rotation, email change and
// enumeration support.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*memCredential
	byEmail map[string]string

	tokens  *auth.TokenIssuer
	hasher  auth.Hasher
	limiter *AttemptLimiter
	now     func() time.Time
}

var (
	_ Provider     = (*Memory)(nil)
	_ Rotator      = (*Memory)(nil)
	_ EmailChanger = (*Memory)(nil)
	_ Enumerator   = (*Memory)(nil)
)

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithHasher overrides the bcrypt cost.
func WithHasher(h auth.Hasher) MemoryOption {
	return func(m *Memory) { m.hasher = h }
}

// WithLimiter sets the failed-attempt limiter.
func WithLimiter(l *AttemptLimiter) MemoryOption {
	return func(m *Memory) { m.limiter = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory builds an empty provider that signs sessions with tokens.
func NewMemory(tokens *auth.TokenIssuer, opts ...MemoryOption) *Memory {
	m := &Memory{
		byID:    make(map[string]*memCredential),
		byEmail: make(map[string]string),
		tokens:  tokens,
		hasher:  auth.DefaultHasher,
		limiter: NewAttemptLimiter(5, time.Minute),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Register(_ context.Context, email, password string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", errors.New("identity: email is required")
	}
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return "", ErrEmailInUse
	}
	now := m.now().UTC()
	cred := &memCredential{id: ids.NewAt(now), email: email, hash: hash, createdAt: now}
	m.byID[cred.id] = cred
	m.byEmail[email] = cred.id
	return cred.id, nil
}

func (m *Memory) Verify(_ context.Context, email, password string) (Session, error) {
	email = NormalizeEmail(email)
	if !m.limiter.Allow(email) {
		return Session{}, ErrTooManyAttempts
	}
	m.mu.RLock()
	var cred memCredential
	id, ok := m.byEmail[email]
	if ok {
		cred = *m.byID[id]
	}
	m.mu.RUnlock()
	if !ok {
		m.limiter.Fail(email)
		return Session{}, ErrInvalidCredentials
	}
	if err := m.hasher.Verify(cred.hash, password); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			m.limiter.Fail(email)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	m.limiter.Reset(email)
	return IssueSession(m.tokens, cred.id)
}

func (m *Memory) Revoke(_ context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byID[credentialID]
	if !ok {
		return ErrUnknownCredential
	}
	delete(m.byEmail, cred.email)
	delete(m.byID, credentialID)
	return nil
}

func (m *Memory) Rotate(_ context.Context, credentialID, password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byID[credentialID]
	if !ok {
		return ErrUnknownCredential
	}
	cred.hash = hash
	return nil
}

func (m *Memory) ChangeEmail(_ context.Context, credentialID, email string) error {
	email = NormalizeEmail(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.byID[credentialID]
	if !ok {
		return ErrUnknownCredential
	}
	if cred.email == email {
		return nil
	}
	if _, taken := m.byEmail[email]; taken {
		return ErrEmailInUse
	}
	delete(m.byEmail, cred.email)
	cred.email = email
	m.byEmail[email] = credentialID
	return nil
}

func (m *Memory) Credentials(_ context.Context, createdBefore time.Time) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Credential
	for _, cred := range m.byID {
		if cred.createdAt.Before(createdBefore) {
			out = append(out, Credential{ID: cred.id, Email: cred.email, CreatedAt: cred.createdAt})
		}
	}
	return out, nil
}

// Exists reports whether the credential is still registered.
func (m *Memory) Exists(credentialID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[credentialID]
	return ok
}

// Len returns the number of registered credentials.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// IssueSession signs a session token for a verified credential.
func IssueSession(tokens *auth.TokenIssuer, credentialID string) (Session, error) {
	if tokens == nil {
		return Session{}, errors.New("token issuer is not configured")
	}
	token, claims, err := tokens.Issue(credentialID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		CredentialID: credentialID,
		Token:        token,
		TokenID:      claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// NormalizeEmail lower-cases and trims a login email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
