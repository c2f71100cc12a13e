package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"socoto.app/internal/obs"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 720 * time.Hour

	tokenBytes = 32
)

// SessionManager issues, validates, rotates and revokes sessions.
type SessionManager struct {
	store      SessionStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewSessionManager(store SessionStore, accessTTL, refreshTTL time.Duration, now func() time.Time) *SessionManager {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL < accessTTL {
		refreshTTL = accessTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{store: store, accessTTL: accessTTL, refreshTTL: refreshTTL, now: now}
}

// Create opens a new session for accountID.
func (m *SessionManager) Create(ctx context.Context, accountID string) (Issued, error) {
	if strings.TrimSpace(accountID) == "" {
		return Issued{}, fmt.Errorf("%w: account id required", ErrInvalidInput)
	}
	token, err := newToken()
	if err != nil {
		return Issued{}, err
	}
	refresh, err := newToken()
	if err != nil {
		return Issued{}, err
	}
	now := m.now().UTC()
	s := Session{
		TokenHash:        HashToken(token),
		RefreshHash:      HashToken(refresh),
		AccountID:        accountID,
		IssuedAt:         now,
		ExpiresAt:        now.Add(m.accessTTL),
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return Issued{}, backendErr(err)
	}
	return Issued{Session: s, Token: token, RefreshToken: refresh}, nil
}

// Validate resolves a bearer token. Revocation is reported ahead of expiry
// and validation never extends the session.
func (m *SessionManager) Validate(ctx context.Context, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, ErrSessionNotFound
	}
	s, err := m.store.SessionByToken(ctx, HashToken(token))
	if err != nil {
		return Session{}, sessionErr(err)
	}
	if s.Revoked {
		return Session{}, ErrSessionRevoked
	}
	if m.now().After(s.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return s, nil
}

// Refresh rotates a session: a new one is issued and the old one revoked.
// A refresh token whose session was already rotated is a replay and takes
// every session of the account down with it.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (Issued, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Issued{}, ErrSessionNotFound
	}
	s, err := m.store.SessionByRefresh(ctx, HashToken(refreshToken))
	if err != nil {
		return Issued{}, sessionErr(err)
	}
	if s.Revoked {
		if s.RevokeReason == RevokeRotated {
			n, err := m.store.RevokeAccountSessions(ctx, s.AccountID, RevokeReplay, m.now().UTC())
			if err != nil {
				return Issued{}, backendErr(err)
			}
			obs.AuthEvent("refresh_replay", "revoked")
			obs.Logger().WithFields(logrus.Fields{
				"account_id": s.AccountID,
				"revoked":    n,
			}).Warn("refresh token replay detected")
		}
		return Issued{}, ErrSessionRevoked
	}
	if m.now().After(s.RefreshExpiresAt) {
		return Issued{}, ErrSessionExpired
	}
	// issue first: if the store fails here the old session is still usable
	issued, err := m.Create(ctx, s.AccountID)
	if err != nil {
		return Issued{}, err
	}
	swapped, err := m.store.RevokeSession(ctx, s.TokenHash, RevokeRotated, m.now().UTC())
	if err == nil && swapped {
		return issued, nil
	}
	// the replacement is never handed out
	if _, rerr := m.store.RevokeSession(ctx, issued.Session.TokenHash, RevokeExplicit, m.now().UTC()); rerr != nil {
		obs.Logger().WithError(rerr).WithField("account_id", s.AccountID).Warn("revoke unused rotated session")
	}
	if err != nil {
		return Issued{}, sessionErr(err)
	}
	// a concurrent refresh won the rotation
	return Issued{}, ErrSessionRevoked
}

// Revoke ends the session behind token. Revoking an already revoked session
// is not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	return m.revoke(ctx, token, RevokeSignOut)
}

func (m *SessionManager) revoke(ctx context.Context, token string, reason RevokeReason) error {
	if strings.TrimSpace(token) == "" {
		return ErrSessionNotFound
	}
	if _, err := m.store.RevokeSession(ctx, HashToken(token), reason, m.now().UTC()); err != nil {
		return sessionErr(err)
	}
	return nil
}

// RevokeAll ends every live session of the account.
func (m *SessionManager) RevokeAll(ctx context.Context, accountID string, reason RevokeReason) (int64, error) {
	if reason == "" {
		reason = RevokeExplicit
	}
	n, err := m.store.RevokeAccountSessions(ctx, accountID, reason, m.now().UTC())
	if err != nil {
		return 0, backendErr(err)
	}
	return n, nil
}

// PurgeExpired deletes sessions whose refresh window closed before the cutoff.
func (m *SessionManager) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := m.store.PurgeSessions(ctx, before.UTC())
	if err != nil {
		return 0, backendErr(err)
	}
	return n, nil
}

// HashToken is the storage key for a raw bearer or refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sessionErr(err error) error {
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNotFound) {
		return ErrSessionNotFound
	}
	return backendErr(err)
}
