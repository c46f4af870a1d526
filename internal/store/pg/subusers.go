package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/factureprojet1/facture1.ma/internal/auth"
	"github.com/factureprojet1/facture1.ma/internal/directory"
	"github.com/factureprojet1/facture1.ma/internal/ids"
)

const subUserColumns = `id, account_id, credential_id, name, email, permissions, status, role,
	created_at, updated_at, last_login_at, password_reset_at`

// SubUsers is the directory document store. Records are owner-scoped by the
// account_id column.
type SubUsers struct {
	db      *sql.DB
	watcher *watcher
}

var _ directory.Store = (*SubUsers)(nil)

func (s *SubUsers) Insert(ctx context.Context, rec directory.SubUser) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return "", fmt.Errorf("encode permissions: %w", err)
	}
	id := ids.NewAt(rec.CreatedAt)
	_, err = s.db.ExecContext(ctx, `
		insert into sub_users (id, account_id, credential_id, name, email, permissions, status, role, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, rec.AccountID, rec.CredentialID, rec.Name, rec.Email, perms, string(rec.Status), string(rec.Role), rec.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return "", directory.ErrConflict
		}
		return "", err
	}
	return id, nil
}

// Update writes the set fields of patch. Profile and reset changes bump
// updated_at; a last-login stamp alone does not.
func (s *SubUsers) Update(ctx context.Context, accountID, id string, patch directory.Patch) error {
	if s.db == nil {
		return errNoDB
	}
	var (
		sets  []string
		args  []any
		idx   = 1
		touch bool
	)
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, v)
		idx++
	}
	if patch.Name != nil {
		add("name", *patch.Name)
		touch = true
	}
	if patch.Email != nil {
		add("email", *patch.Email)
		touch = true
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
		touch = true
	}
	if patch.Permissions != nil {
		perms, err := json.Marshal(*patch.Permissions)
		if err != nil {
			return fmt.Errorf("encode permissions: %w", err)
		}
		add("permissions", perms)
		touch = true
	}
	if patch.PasswordResetAt != nil {
		add("password_reset_at", patch.PasswordResetAt.UTC())
		touch = true
	}
	if patch.LastLogin != nil {
		add("last_login_at", patch.LastLogin.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	if touch {
		sets = append(sets, "updated_at = now()")
	}
	query := fmt.Sprintf(`update sub_users set %s where id = $%d and account_id = $%d`,
		strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, accountID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return directory.ErrConflict
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func (s *SubUsers) Remove(ctx context.Context, accountID, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sub_users where id = $1 and account_id = $2`, id, accountID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func (s *SubUsers) Get(ctx context.Context, accountID, id string) (directory.SubUser, error) {
	if s.db == nil {
		return directory.SubUser{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+subUserColumns+` from sub_users where id = $1 and account_id = $2`, id, accountID)
	return scanSubUser(row)
}

func (s *SubUsers) FindByCredential(ctx context.Context, credentialID string) (directory.SubUser, error) {
	if s.db == nil {
		return directory.SubUser{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+subUserColumns+` from sub_users where credential_id = $1`, credentialID)
	return scanSubUser(row)
}

func (s *SubUsers) List(ctx context.Context, accountID string) ([]directory.SubUser, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+subUserColumns+`
		from sub_users
		where account_id = $1
		order by created_at desc, id desc
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []directory.SubUser{}
	for rows.Next() {
		u, err := scanSubUser(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// Watch emits the account's list now and after every change notification.
func (s *SubUsers) Watch(ctx context.Context, accountID string) (<-chan []directory.SubUser, error) {
	if s.watcher == nil {
		list, err := s.List(ctx, accountID)
		if err != nil {
			return nil, err
		}
		out := make(chan []directory.SubUser, 1)
		out <- list
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}
	return s.watcher.watch(ctx, accountID)
}

// Run keeps the LISTEN connection open until ctx ends. It returns
// immediately when the store has no DSN.
func (s *SubUsers) Run(ctx context.Context) error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.run(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubUser(row rowScanner) (directory.SubUser, error) {
	var (
		u                           directory.SubUser
		rawPerms                    []byte
		status, role                string
		updated, lastLogin, resetAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.AccountID, &u.CredentialID, &u.Name, &u.Email, &rawPerms, &status, &role,
		&u.CreatedAt, &updated, &lastLogin, &resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.SubUser{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.SubUser{}, err
	}
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &u.Permissions); err != nil {
			return directory.SubUser{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	u.Permissions = u.Permissions.WithoutSettings()
	u.Status = auth.Status(status)
	u.Role = auth.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = timePtr(updated)
	u.LastLogin = timePtr(lastLogin)
	u.PasswordResetAt = timePtr(resetAt)
	return u, nil
}
