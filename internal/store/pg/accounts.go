package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"socoto.app/internal/auth"
)

const accountColumns = `id, email, password_hash, role, display_name, bio, avatar_ref, location,
	profile_created_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (auth.Account, error) {
	var (
		acc     auth.Account
		role    string
		profile sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.Email, &acc.PasswordHash, &role, &acc.DisplayName, &acc.Bio,
		&acc.AvatarRef, &acc.Location, &profile, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, err
	}
	acc.Role = auth.Role(role)
	acc.ProfileCreatedAt = timePtr(profile)
	return acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc *auth.Account) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into accounts (id, email, password_hash, role, display_name, bio, avatar_ref, location,
			profile_created_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, acc.ID, acc.Email, acc.PasswordHash, string(acc.Role), acc.DisplayName, acc.Bio, acc.AvatarRef,
		acc.Location, nullTime(acc.ProfileCreatedAt), acc.CreatedAt.UTC(), acc.UpdatedAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func (s *Store) AccountByID(ctx context.Context, id string) (auth.Account, error) {
	if s.db == nil {
		return auth.Account{}, errUnavailable
	}
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	if s.db == nil {
		return auth.Account{}, errUnavailable
	}
	return scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email = $1`, email))
}

func (s *Store) CompareAndSetPasswordHash(ctx context.Context, id, oldHash, newHash string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update accounts set password_hash = $3, updated_at = $4
		where id = $1 and password_hash = $2
	`, id, oldHash, newHash, at.UTC())
	if err != nil {
		return false, err
	}
	return s.swapped(ctx, res, id)
}

func (s *Store) MarkProfileCreated(ctx context.Context, id, displayName string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set display_name = $2, profile_created_at = $3, updated_at = $3
		where id = $1 and profile_created_at is null
	`, id, displayName, at.UTC())
	if err != nil {
		return false, err
	}
	return s.swapped(ctx, res, id)
}

func (s *Store) UpdateProfile(ctx context.Context, id string, upd auth.ProfileUpdate, at time.Time) (auth.Account, error) {
	if s.db == nil {
		return auth.Account{}, errUnavailable
	}
	return scanAccount(s.db.QueryRowContext(ctx, `
		update accounts set
			display_name = coalesce($2, display_name),
			bio          = coalesce($3, bio),
			avatar_ref   = coalesce($4, avatar_ref),
			location     = coalesce($5, location),
			updated_at   = $6
		where id = $1
		returning `+accountColumns,
		id, nullString(upd.DisplayName), nullString(upd.Bio), nullString(upd.AvatarRef),
		nullString(upd.Location), at.UTC()))
}

// CompareAndSetRole relies on the row lock taken by update so that two
// concurrent elevations cannot both succeed.
func (s *Store) CompareAndSetRole(ctx context.Context, id string, from []auth.Role, to auth.Role, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errUnavailable
	}
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no source roles", auth.ErrInvalidInput)
	}
	args := []any{id, string(to), at.UTC()}
	placeholders := make([]string, len(from))
	for i, r := range from {
		args = append(args, string(r))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	res, err := s.db.ExecContext(ctx, `
		update accounts set role = $2, updated_at = $3
		where id = $1 and role in (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return false, err
	}
	return s.swapped(ctx, res, id)
}

// swapped reports whether a conditional update hit a row, distinguishing a
// failed condition from a missing account.
func (s *Store) swapped(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from accounts where id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, auth.ErrNotFound
	}
	return false, nil
}
