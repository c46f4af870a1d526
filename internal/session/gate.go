package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/obs"
)

// Gate turns credentials into sessions.
type Gate struct {
	idp      identity.Provider
	tokens   *auth.TokenIssuer
	dir      *directory.Directory
	accounts auth.AccountStore
	cache    Cache
	log      logrus.FieldLogger
	now      func() time.Time
	tracer   trace.Tracer

	bindMu  sync.Mutex
	binds   map[string]map[uint64]context.CancelFunc
	bindSeq uint64
}

// Option configures Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides the time source used for last-login stamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate wires the gate to its collaborators.
func NewGate(idp identity.Provider, tokens *auth.TokenIssuer, dir *directory.Directory, accounts auth.AccountStore, cache Cache, opts ...Option) *Gate {
	g := &Gate{
		idp:      idp,
		tokens:   tokens,
		dir:      dir,
		accounts: accounts,
		cache:    cache,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		tracer:   otel.Tracer("github.com/factureprojet1/facture1.ma/internal/session"),
		binds:    make(map[string]map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Outcome is the terminal result of one login attempt.
type Outcome struct {
	State     State
	Token     string
	TokenID   string
	ExpiresAt time.Time
	Entry     Entry
	Trace     []State
}

// Login verifies the credentials and resolves them to a sub-user or owner
// session. A rejected attempt returns the Rejected outcome together with a
// *RejectedError; nothing is cached or stamped in that case.
func (g *Gate) Login(ctx context.Context, email, password string) (Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "session.login")
	defer span.End()

	a := newAttempt()
	if err := a.move(StateResolving); err != nil {
		return Outcome{}, err
	}
	rejected := func(rerr *RejectedError) (Outcome, error) {
		if err := a.move(StateRejected); err != nil {
			return Outcome{}, err
		}
		span.SetAttributes(attribute.String("outcome", string(rerr.Reason)))
		obs.SessionLogins.WithLabelValues(string(rerr.Reason)).Inc()
		g.log.WithField("reason", rerr.Reason).Info("login rejected")
		return Outcome{State: StateRejected, Trace: a.trace}, rerr
	}

	sess, err := g.idp.Verify(ctx, email, password)
	if err != nil {
		return rejected(verifyRejection(err))
	}

	entry, rerr := g.resolve(ctx, sess.CredentialID)
	if rerr != nil {
		return rejected(rerr)
	}
	entry.ExpiresAt = sess.ExpiresAt

	log := g.log.WithFields(logrus.Fields{"account_id": entry.AccountID, "kind": entry.Kind})
	next := StateOwner
	if entry.Kind == auth.RoleSubUser {
		next = StateSubUser
		now := g.now().UTC()
		if err := g.dir.Update(ctx, entry.AccountID, entry.SubUserID, directory.Patch{LastLogin: &now}); err != nil {
			log.WithError(err).Warn("last login not recorded")
		}
	}
	if err := a.move(next); err != nil {
		return Outcome{}, err
	}
	if err := g.cache.Put(ctx, sess.TokenID, entry); err != nil {
		log.WithError(err).Warn("session cache write failed")
	}

	span.SetAttributes(attribute.String("outcome", string(entry.Kind)))
	obs.SessionLogins.WithLabelValues(string(next)).Inc()
	log.Info("login accepted")
	return Outcome{
		State:     next,
		Token:     sess.Token,
		TokenID:   sess.TokenID,
		ExpiresAt: sess.ExpiresAt,
		Entry:     entry,
		Trace:     a.trace,
	}, nil
}

// Authenticate resolves a bearer token to its cached session. A token whose
// session was logged out or evicted is refused.
func (g *Gate) Authenticate(ctx context.Context, token string) (auth.Principal, error) {
	claims, entry, err := g.lookup(ctx, token)
	if err != nil {
		return auth.Principal{}, err
	}
	return entry.Principal(claims.ID), nil
}

// Refresh re-reads the directory for the session behind token and updates the
// cache. A sub-user disabled or removed since login loses the session.
func (g *Gate) Refresh(ctx context.Context, token string) (auth.Principal, error) {
	claims, cached, err := g.lookup(ctx, token)
	if err != nil {
		return auth.Principal{}, err
	}
	entry, rerr := g.resolve(ctx, cached.CredentialID)
	if rerr != nil {
		if rerr.Reason != ReasonUnavailable {
			if err := g.cache.Delete(ctx, claims.ID); err != nil {
				g.log.WithError(err).Warn("session cache delete failed")
			}
			g.endBound(claims.ID)
		}
		return auth.Principal{}, rerr
	}
	entry.ExpiresAt = cached.ExpiresAt
	if err := g.cache.Put(ctx, claims.ID, entry); err != nil {
		g.log.WithError(err).Warn("session cache write failed")
	}
	return entry.Principal(claims.ID), nil
}

// Check authoritatively confirms that the session may use capability c.
func (g *Gate) Check(ctx context.Context, token string, c auth.Capability) (auth.Principal, error) {
	p, err := g.Refresh(ctx, token)
	if err != nil {
		return auth.Principal{}, err
	}
	if !p.HasPermission(c) {
		return auth.Principal{}, fmt.Errorf("%w: missing %s permission", auth.ErrForbidden, c)
	}
	return p, nil
}

// Logout drops the session cache entry and ends every context bound to the
// session. Logging out twice is not an error.
func (g *Gate) Logout(ctx context.Context, token string) error {
	claims, err := g.tokens.Parse(token)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	g.endBound(claims.ID)
	return g.cache.Delete(ctx, claims.ID)
}

// Bind authenticates token and returns a context tied to its session. The
// context ends on logout, on a refresh that revokes the session, when the
// token expires, or when parent ends. release must be called when the caller
// is done with it.
func (g *Gate) Bind(parent context.Context, token string) (context.Context, auth.Principal, context.CancelFunc, error) {
	claims, entry, err := g.lookup(parent, token)
	if err != nil {
		return nil, auth.Principal{}, nil, err
	}
	ctx, cancel := context.WithDeadline(parent, claims.ExpiresAt.Time)

	g.bindMu.Lock()
	id := g.bindSeq
	g.bindSeq++
	group, ok := g.binds[claims.ID]
	if !ok {
		group = make(map[uint64]context.CancelFunc)
		g.binds[claims.ID] = group
	}
	group[id] = cancel
	g.bindMu.Unlock()

	release := func() {
		cancel()
		g.bindMu.Lock()
		defer g.bindMu.Unlock()
		if group, ok := g.binds[claims.ID]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(g.binds, claims.ID)
			}
		}
	}
	return ctx, entry.Principal(claims.ID), release, nil
}

// Bound reports how many live contexts are tied to sessions.
func (g *Gate) Bound() int {
	g.bindMu.Lock()
	defer g.bindMu.Unlock()
	n := 0
	for _, group := range g.binds {
		n += len(group)
	}
	return n
}

func (g *Gate) endBound(tokenID string) {
	g.bindMu.Lock()
	group := g.binds[tokenID]
	delete(g.binds, tokenID)
	g.bindMu.Unlock()
	for _, cancel := range group {
		cancel()
	}
}

func (g *Gate) lookup(ctx context.Context, token string) (*auth.Claims, Entry, error) {
	claims, err := g.tokens.Parse(token)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
	}
	entry, ok, err := g.cache.Get(ctx, claims.ID)
	if err != nil {
		return nil, Entry{}, reject(ReasonUnavailable, err)
	}
	if !ok || entry.CredentialID != claims.Subject {
		return nil, Entry{}, fmt.Errorf("%w: session ended", auth.ErrUnauthorized)
	}
	return claims, entry, nil
}

// resolve maps a verified credential to a session entry: a directory record
// wins over an owner account.
func (g *Gate) resolve(ctx context.Context, credentialID string) (Entry, *RejectedError) {
	rec, err := g.dir.FindByCredential(ctx, credentialID)
	switch {
	case err == nil:
		if !rec.Active() {
			return Entry{}, reject(ReasonDisabled, nil)
		}
		return Entry{
			Kind:         auth.RoleSubUser,
			AccountID:    rec.AccountID,
			SubUserID:    rec.ID,
			CredentialID: credentialID,
			Email:        rec.Email,
			Permissions:  rec.Permissions.WithoutSettings(),
		}, nil
	case !errors.Is(err, directory.ErrNotFound):
		return Entry{}, reject(ReasonUnavailable, err)
	}

	acct, err := g.accounts.FindByCredential(ctx, credentialID)
	switch {
	case err == nil:
		return Entry{
			Kind:         auth.RoleOwner,
			AccountID:    acct.ID,
			CredentialID: credentialID,
			Email:        acct.Email,
			Permissions:  auth.FullPermissions(),
		}, nil
	case errors.Is(err, auth.ErrNotFound):
		return Entry{}, reject(ReasonUnknownIdentity, nil)
	default:
		return Entry{}, reject(ReasonUnavailable, err)
	}
}

func verifyRejection(err error) *RejectedError {
	switch {
	case errors.Is(err, identity.ErrTooManyAttempts):
		return reject(ReasonRateLimited, err)
	case errors.Is(err, identity.ErrInvalidCredentials):
		return reject(ReasonBadCredentials, err)
	case errors.Is(err, identity.ErrUnknownCredential):
		return reject(ReasonUnknownIdentity, err)
	}
	return reject(ReasonUnavailable, err)
}
