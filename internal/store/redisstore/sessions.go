// Package redisstore keeps sessions in Redis. Keys expire on their own once
// the refresh window closes, so purging only tidies the per-account indexes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"socoto.app/internal/auth"
)

const (
	sessionPrefix         = "session:"
	refreshPrefix         = "session_refresh:"
	accountSessionsPrefix = "account_sessions:"
)

// revokeScript marks one session revoked unless it already is.
// Returns -1 for a missing session, 0 when already revoked, 1 on success.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'revoked_at') then
	return 0
end
redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1], 'revoke_reason', ARGV[2])
return 1
`)

// revokeAllScript revokes every live session listed in an account index in a
// single step and drops index entries whose session already expired.
var revokeAllScript = redis.NewScript(`
local n = 0
for _, h in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local k = ARGV[3] .. h
	if redis.call('EXISTS', k) == 0 then
		redis.call('SREM', KEYS[1], h)
	elseif not redis.call('HGET', k, 'revoked_at') then
		redis.call('HSET', k, 'revoked_at', ARGV[1], 'revoke_reason', ARGV[2])
		n = n + 1
	end
end
return n
`)

// extendScript pushes an index TTL out to ARGV[1] milliseconds but never
// pulls it in, so a short-lived session cannot expire the index under a
// longer-lived one.
var extendScript = redis.NewScript(`
local want = tonumber(ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < want then
	redis.call('PEXPIRE', KEYS[1], want)
	return 1
end
return 0
`)

// Store implements auth.SessionStore.
type Store struct {
	rdb redis.UniversalClient
}

var _ auth.SessionStore = (*Store)(nil)

func New(rdb redis.UniversalClient) *Store { return &Store{rdb: rdb} }

// Open dials addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{rdb: client}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	key := sessionPrefix + sess.TokenHash
	idx := accountSessionsPrefix + sess.AccountID
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"refresh_hash":       sess.RefreshHash,
			"account_id":         sess.AccountID,
			"issued_at":          formatTime(sess.IssuedAt),
			"expires_at":         formatTime(sess.ExpiresAt),
			"refresh_expires_at": formatTime(sess.RefreshExpiresAt),
		})
		p.ExpireAt(ctx, key, sess.RefreshExpiresAt)
		if sess.RefreshHash != "" {
			p.Set(ctx, refreshPrefix+sess.RefreshHash, sess.TokenHash, 0)
			p.ExpireAt(ctx, refreshPrefix+sess.RefreshHash, sess.RefreshExpiresAt)
		}
		p.SAdd(ctx, idx, sess.TokenHash)
		return nil
	})
	if err != nil {
		return err
	}
	ttl := time.Until(sess.RefreshExpiresAt).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	return extendScript.Run(ctx, s.rdb, []string{idx}, ttl).Err()
}

func (s *Store) SessionByToken(ctx context.Context, tokenHash string) (auth.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, sessionPrefix+tokenHash).Result()
	if err != nil {
		return auth.Session{}, err
	}
	if len(fields) == 0 {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return decodeSession(tokenHash, fields)
}

func (s *Store) SessionByRefresh(ctx context.Context, refreshHash string) (auth.Session, error) {
	tokenHash, err := s.rdb.Get(ctx, refreshPrefix+refreshHash).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	return s.SessionByToken(ctx, tokenHash)
}

func (s *Store) RevokeSession(ctx context.Context, tokenHash string, reason auth.RevokeReason, at time.Time) (bool, error) {
	res, err := revokeScript.Run(ctx, s.rdb, []string{sessionPrefix + tokenHash}, formatTime(at), string(reason)).Int()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, auth.ErrSessionNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Store) RevokeAccountSessions(ctx context.Context, accountID string, reason auth.RevokeReason, at time.Time) (int64, error) {
	return revokeAllScript.Run(ctx, s.rdb, []string{accountSessionsPrefix + accountID},
		formatTime(at), string(reason), sessionPrefix).Int64()
}

// PurgeSessions removes index entries whose session key has already expired.
// Session keys themselves carry a TTL, so the cutoff is not consulted.
func (s *Store) PurgeSessions(ctx context.Context, _ time.Time) (int64, error) {
	var (
		removed int64
		cursor  uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, accountSessionsPrefix+"*", 100).Result()
		if err != nil {
			return removed, err
		}
		for _, idx := range keys {
			members, err := s.rdb.SMembers(ctx, idx).Result()
			if err != nil {
				return removed, err
			}
			for _, h := range members {
				n, err := s.rdb.Exists(ctx, sessionPrefix+h).Result()
				if err != nil {
					return removed, err
				}
				if n > 0 {
					continue
				}
				if err := s.rdb.SRem(ctx, idx, h).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func decodeSession(tokenHash string, f map[string]string) (auth.Session, error) {
	sess := auth.Session{
		TokenHash:    tokenHash,
		RefreshHash:  f["refresh_hash"],
		AccountID:    f["account_id"],
		RevokeReason: auth.RevokeReason(f["revoke_reason"]),
	}
	var err error
	if sess.IssuedAt, err = parseTime(f["issued_at"]); err != nil {
		return auth.Session{}, err
	}
	if sess.ExpiresAt, err = parseTime(f["expires_at"]); err != nil {
		return auth.Session{}, err
	}
	if sess.RefreshExpiresAt, err = parseTime(f["refresh_expires_at"]); err != nil {
		return auth.Session{}, err
	}
	if raw := strings.TrimSpace(f["revoked_at"]); raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			return auth.Session{}, err
		}
		sess.Revoked = true
		sess.RevokedAt = &at
	}
	return sess, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode session time %q: %w", raw, err)
	}
	return t.UTC(), nil
}
