// Package pg implements the account, directory and credential stores on
// PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/identity"
	"github.com/factureprojet1/facture1.ma/internal/migrate"
	"github.com/factureprojet1/facture1.ma/ops"
)

const pgErrUniqueViolation = "23505"

var errNoDB = errors.New("database connection unavailable")

// Store owns the connection pool shared by the table-level stores.
type Store struct {
	db  *sql.DB
	dsn string
	log logrus.FieldLogger
}

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, dsn: dsn, log: logrus.StandardLogger()}, nil
}

// NewWithDB wraps an existing pool. The store cannot open a LISTEN
// connection without a DSN, so Watch only emits the initial snapshot.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, log: logrus.StandardLogger()}
}

// SetLogger replaces the logger.
func (s *Store) SetLogger(l logrus.FieldLogger) {
	if l != nil {
		s.log = l
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the pool for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

// Migrator returns a migration manager over the embedded SQL.
func (s *Store) Migrator() *migrate.Manager {
	return migrate.NewManager(s.db, ops.FS, ops.MigrationsDir, ops.SeedsDir, migrate.WithLogger(s.log))
}

// Accounts returns the owner account store.
func (s *Store) Accounts() *Accounts { return &Accounts{db: s.db} }

// SubUsers returns the directory store. Watch is served by a LISTEN/NOTIFY
// listener when the store was opened from a DSN.
func (s *Store) SubUsers() *SubUsers {
	subs := &SubUsers{db: s.db}
	if s.dsn != "" {
		subs.watcher = newWatcher(s.dsn, subs, s.log)
	}
	return subs
}

// Credentials returns the Postgres-backed identity provider.
func (s *Store) Credentials(tokens *auth.TokenIssuer, opts ...CredentialOption) *Credentials {
	c := &Credentials{
		db:      s.db,
		tokens:  tokens,
		hasher:  auth.DefaultHasher,
		limiter: identity.NewAttemptLimiter(5, time.Minute),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
