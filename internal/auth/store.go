package auth

import (
	"context"
	"time"
)

// AccountStore persists accounts. Implementations must enforce email
// uniqueness themselves and report collisions as ErrDuplicateEmail, and must
// return ErrNotFound for unknown ids or emails.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc *Account) error
	AccountByID(ctx context.Context, id string) (Account, error)
	AccountByEmail(ctx context.Context, email string) (Account, error)
	// CompareAndSetPasswordHash replaces the hash only if it still equals
	// oldHash. It reports whether the swap happened.
	CompareAndSetPasswordHash(ctx context.Context, id, oldHash, newHash string, at time.Time) (bool, error)
	// MarkProfileCreated sets the display name and profile timestamp only when
	// no profile exists yet. It reports whether this call created the profile.
	MarkProfileCreated(ctx context.Context, id, displayName string, at time.Time) (bool, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate, at time.Time) (Account, error)
	// CompareAndSetRole changes the role to `to` only if the current role is
	// one of `from`. It reports whether the swap happened.
	CompareAndSetRole(ctx context.Context, id string, from []Role, to Role, at time.Time) (bool, error)
}

// SessionStore persists sessions keyed by token hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	SessionByToken(ctx context.Context, tokenHash string) (Session, error)
	SessionByRefresh(ctx context.Context, refreshHash string) (Session, error)
	// RevokeSession marks a live session revoked and reports whether this call
	// did it. Already revoked sessions are left untouched.
	RevokeSession(ctx context.Context, tokenHash string, reason RevokeReason, at time.Time) (bool, error)
	RevokeAccountSessions(ctx context.Context, accountID string, reason RevokeReason, at time.Time) (int64, error)
	// PurgeSessions deletes sessions whose refresh window ended before the cutoff.
	PurgeSessions(ctx context.Context, before time.Time) (int64, error)
}

func containsRole(roles []Role, r Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}
