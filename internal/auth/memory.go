package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process AccountStore and SessionStore used by tests
// and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	byEmail   map[string]string
	sessions  map[string]Session
	byRefresh map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]Account),
		byEmail:   make(map[string]string),
		sessions:  make(map[string]Session),
		byRefresh: make(map[string]string),
	}
}

func (m *MemoryStore) CreateAccount(_ context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[acc.Email]; ok {
		return ErrDuplicateEmail
	}
	m.accounts[acc.ID] = *acc
	m.byEmail[acc.Email] = acc.ID
	return nil
}

func (m *MemoryStore) AccountByID(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acc, nil
}

func (m *MemoryStore) AccountByEmail(_ context.Context, email string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return Account{}, ErrNotFound
	}
	return m.accounts[id], nil
}

func (m *MemoryStore) CompareAndSetPasswordHash(_ context.Context, id, oldHash, newHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	if acc.PasswordHash != oldHash {
		return false, nil
	}
	acc.PasswordHash = newHash
	acc.UpdatedAt = at
	m.accounts[id] = acc
	return true, nil
}

func (m *MemoryStore) MarkProfileCreated(_ context.Context, id, displayName string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	if acc.ProfileCreatedAt != nil {
		return false, nil
	}
	ts := at
	acc.ProfileCreatedAt = &ts
	acc.DisplayName = displayName
	acc.UpdatedAt = at
	m.accounts[id] = acc
	return true, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, id string, upd ProfileUpdate, at time.Time) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if upd.DisplayName != nil {
		acc.DisplayName = *upd.DisplayName
	}
	if upd.Bio != nil {
		acc.Bio = *upd.Bio
	}
	if upd.AvatarRef != nil {
		acc.AvatarRef = *upd.AvatarRef
	}
	if upd.Location != nil {
		acc.Location = *upd.Location
	}
	acc.UpdatedAt = at
	m.accounts[id] = acc
	return acc, nil
}

func (m *MemoryStore) CompareAndSetRole(_ context.Context, id string, from []Role, to Role, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return false, ErrNotFound
	}
	if !containsRole(from, acc.Role) {
		return false, nil
	}
	acc.Role = to
	acc.UpdatedAt = at
	m.accounts[id] = acc
	return true, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.TokenHash] = s
	if s.RefreshHash != "" {
		m.byRefresh[s.RefreshHash] = s.TokenHash
	}
	return nil
}

func (m *MemoryStore) SessionByToken(_ context.Context, tokenHash string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) SessionByRefresh(_ context.Context, refreshHash string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokenHash, ok := m.byRefresh[refreshHash]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s, ok := m.sessions[tokenHash]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) RevokeSession(_ context.Context, tokenHash string, reason RevokeReason, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Revoked {
		return false, nil
	}
	m.sessions[tokenHash] = revoke(s, reason, at)
	return true, nil
}

func (m *MemoryStore) RevokeAccountSessions(_ context.Context, accountID string, reason RevokeReason, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if s.AccountID != accountID || s.Revoked {
			continue
		}
		m.sessions[k] = revoke(s, reason, at)
		n++
	}
	return n, nil
}

func (m *MemoryStore) PurgeSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if !s.RefreshExpiresAt.Before(before) {
			continue
		}
		delete(m.sessions, k)
		delete(m.byRefresh, s.RefreshHash)
		n++
	}
	return n, nil
}

func revoke(s Session, reason RevokeReason, at time.Time) Session {
	ts := at
	s.Revoked = true
	s.RevokedAt = &ts
	s.RevokeReason = reason
	return s
}
