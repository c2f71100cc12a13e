package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"socoto.app/internal/auth"
)

const sessionColumns = `token_hash, refresh_hash, account_id, issued_at, expires_at, refresh_expires_at,
	revoked_at, revoke_reason`

func scanSession(row rowScanner) (auth.Session, error) {
	var (
		sess    auth.Session
		revoked sql.NullTime
		reason  sql.NullString
	)
	err := row.Scan(&sess.TokenHash, &sess.RefreshHash, &sess.AccountID, &sess.IssuedAt, &sess.ExpiresAt,
		&sess.RefreshExpiresAt, &revoked, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.RevokedAt = timePtr(revoked)
	sess.Revoked = revoked.Valid
	sess.RevokeReason = auth.RevokeReason(reason.String)
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (token_hash, refresh_hash, account_id, issued_at, expires_at, refresh_expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.TokenHash, sess.RefreshHash, sess.AccountID, sess.IssuedAt.UTC(), sess.ExpiresAt.UTC(),
		sess.RefreshExpiresAt.UTC())
	return err
}

func (s *Store) SessionByToken(ctx context.Context, tokenHash string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errUnavailable
	}
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where token_hash = $1`, tokenHash))
}

func (s *Store) SessionByRefresh(ctx context.Context, refreshHash string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errUnavailable
	}
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where refresh_hash = $1`, refreshHash))
}

func (s *Store) RevokeSession(ctx context.Context, tokenHash string, reason auth.RevokeReason, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked_at = $2, revoke_reason = $3
		where token_hash = $1 and revoked_at is null
	`, tokenHash, at.UTC(), string(reason))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where token_hash = $1)`, tokenHash).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, auth.ErrSessionNotFound
	}
	return false, nil
}

func (s *Store) RevokeAccountSessions(ctx context.Context, accountID string, reason auth.RevokeReason, at time.Time) (int64, error) {
	if s.db == nil {
		return 0, errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked_at = $2, revoke_reason = $3
		where account_id = $1 and revoked_at is null
	`, accountID, at.UTC(), string(reason))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where refresh_expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
