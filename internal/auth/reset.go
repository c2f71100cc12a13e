package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	resetPurpose    = "password_reset"
	DefaultResetTTL = 30 * time.Minute
)

// resetClaims bind a reset token to the password hash current at issue time,
// so the token stops verifying once the password changes.
type resetClaims struct {
	Purpose     string `json:"purpose"`
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// ResetTokens signs and verifies password reset tokens.
type ResetTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewResetTokens(secret, issuer string, ttl time.Duration, now func() time.Time) (*ResetTokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("reset secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultResetTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ResetTokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: now}, nil
}

// Issue returns a signed token for acc and its expiry.
func (r *ResetTokens) Issue(acc Account) (string, time.Time, error) {
	now := r.now().UTC()
	exp := now.Add(r.ttl)
	claims := resetClaims{
		Purpose:     resetPurpose,
		Fingerprint: fingerprint(acc.PasswordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.issuer,
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign reset token: %w", err)
	}
	return signed, exp, nil
}

// Subject parses token without checking the fingerprint and returns the
// account id it was issued for.
func (r *ResetTokens) Subject(token string) (string, error) {
	claims, err := r.parse(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Verify checks token against the account's current password hash.
func (r *ResetTokens) Verify(token string, acc Account) error {
	claims, err := r.parse(token)
	if err != nil {
		return err
	}
	if claims.Subject != acc.ID || claims.Fingerprint != fingerprint(acc.PasswordHash) {
		return ErrInvalidResetToken
	}
	return nil
}

func (r *ResetTokens) parse(token string) (*resetClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidResetToken
	}
	parsed, err := jwt.ParseWithClaims(token, &resetClaims{}, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		return nil, ErrInvalidResetToken
	}
	claims, ok := parsed.Claims.(*resetClaims)
	if !ok || !parsed.Valid || claims.Purpose != resetPurpose || claims.Subject == "" {
		return nil, ErrInvalidResetToken
	}
	return claims, nil
}

func fingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:])[:16]
}
