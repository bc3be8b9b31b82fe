package db

import (
	"context"
	"database/sql"
	"strings"

	"snipserve/pkg/domain"

	"github.com/pkg/errors"
)

const userCols = `id, username, password_hash, api_key, is_admin, created_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.Identity, error) {
	var u domain.Identity
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.APIKey, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// CreateUser inserts u and sets its ID. A taken username yields ErrUsernameTaken.
func (s *Store) CreateUser(ctx context.Context, u *domain.Identity) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := s.rebind(`INSERT INTO users (username, password_hash, api_key, is_admin, created_at)
	VALUES (?, ?, ?, ?, ?) RETURNING id`)
	err = s.db.QueryRowContext(ctx, q, u.Username, u.PasswordHash, u.APIKey, u.IsAdmin, utc(u.CreatedAt)).Scan(&u.ID)
	s.br.record(err)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict(err)
		}
		return errors.Wrap(err, "create user")
	}
	return nil
}

func (s *Store) userBy(ctx context.Context, col string, arg any) (*domain.Identity, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	q := s.rebind(`SELECT ` + userCols + ` FROM users WHERE ` + col + ` = ?`)
	u, err := scanUser(s.db.QueryRowContext(ctx, q, arg))
	s.br.record(err)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user by "+col)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*domain.Identity, error) {
	return s.userBy(ctx, "id", id)
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return s.userBy(ctx, "username", username)
}

// UserByAPIKey is an exact-match lookup; callers still compare the key in constant time.
func (s *Store) UserByAPIKey(ctx context.Context, key string) (*domain.Identity, error) {
	if key == "" {
		return nil, domain.ErrUserNotFound
	}
	return s.userBy(ctx, "api_key", key)
}

func (s *Store) ListUsers(ctx context.Context) ([]*domain.Identity, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	s.br.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()
	var out []*domain.Identity
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "list users")
}

// UpdateUser applies the non-nil fields of p to the user with the given id.
func (s *Store) UpdateUser(ctx context.Context, id int64, p domain.UserPatch) error {
	if p.Empty() {
		return domain.ErrNoUpdateFields
	}
	var sets []string
	var args []any
	if p.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *p.Username)
	}
	if p.PasswordHash != nil {
		sets = append(sets, "password_hash = ?")
		args = append(args, *p.PasswordHash)
	}
	if p.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, *p.IsAdmin)
	}
	args = append(args, id)
	return s.execOne(ctx, "update user", `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, domain.ErrUserNotFound, args...)
}

// SetAPIKey replaces the key in a single statement; the old key stops
// resolving as soon as it commits.
func (s *Store) SetAPIKey(ctx context.Context, id int64, key string) error {
	return s.execOne(ctx, "set api key", `UPDATE users SET api_key = ? WHERE id = ?`, domain.ErrUserNotFound, key, id)
}

// DeleteUser removes the user and, through foreign keys, their pastes and
// those pastes' view events. Views the user made elsewhere keep their row
// with a NULL identity.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.execOne(ctx, "delete user", `DELETE FROM users WHERE id = ?`, domain.ErrUserNotFound, id)
}

// execOne runs a statement that must touch exactly one row, returning missing otherwise.
func (s *Store) execOne(ctx context.Context, op, q string, missing error, args ...any) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	s.br.record(err)
	if err != nil {
		if isUniqueViolation(err) {
			return conflict(err)
		}
		return errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return missing
	}
	return nil
}
