package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"socoto.app/internal/ids"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// errStaleHash reports that the stored hash changed between read and write.
var errStaleHash = errors.New("auth: password hash changed concurrently")

// SessionRevoker is the slice of the Session Manager the Credential Store
// needs to invalidate sessions after a password change.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, accountID string, reason RevokeReason) (int64, error)
}

// CredentialStore owns password hashes. Plaintext passwords never leave it.
type CredentialStore struct {
	accounts  AccountStore
	revoker   SessionRevoker
	params    HashParams
	now       func() time.Time
	dummyHash string
	// verifyHash is VerifyPassword outside of tests.
	verifyHash func(encoded, password string) (bool, error)
}

func NewCredentialStore(accounts AccountStore, revoker SessionRevoker, params HashParams, now func() time.Time) (*CredentialStore, error) {
	if now == nil {
		now = time.Now
	}
	dummy, err := HashPassword("Dummy-password-0", params)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	return &CredentialStore{
		accounts:   accounts,
		revoker:    revoker,
		params:     params,
		now:        now,
		dummyHash:  dummy,
		verifyHash: VerifyPassword,
	}, nil
}

// NormalizeEmail trims and lowercases an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return email, nil
}

// Register creates a user account and returns it.
func (c *CredentialStore) Register(ctx context.Context, email, password string) (Account, error) {
	return c.register(ctx, email, password, nil)
}

// register builds the account and lets init fill in profile and role before
// the single CreateAccount write.
func (c *CredentialStore) register(ctx context.Context, email, password string, init func(*Account)) (Account, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Account{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return Account{}, err
	}
	hash, err := HashPassword(password, c.params)
	if err != nil {
		return Account{}, err
	}
	now := c.now().UTC()
	acc := Account{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if init != nil {
		init(&acc)
	}
	if err := c.accounts.CreateAccount(ctx, &acc); err != nil {
		return Account{}, backendErr(err)
	}
	return acc, nil
}

// Verify returns the account id matching the credentials.
func (c *CredentialStore) Verify(ctx context.Context, email, password string) (string, error) {
	acc, err := c.verify(ctx, email, password)
	if err != nil {
		return "", err
	}
	return acc.ID, nil
}

func (c *CredentialStore) verify(ctx context.Context, email, password string) (Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		// same cost as a real miss
		_, _ = c.verifyHash(c.dummyHash, password)
		return Account{}, ErrInvalidCredentials
	}
	acc, err := c.accounts.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_, _ = c.verifyHash(c.dummyHash, password)
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, backendErr(err)
	}
	ok, err := c.verifyHash(acc.PasswordHash, password)
	if err != nil || !ok {
		return Account{}, ErrInvalidCredentials
	}
	if needsRehash(acc.PasswordHash, c.params) {
		if hash, err := HashPassword(password, c.params); err == nil {
			swapped, err := c.accounts.CompareAndSetPasswordHash(ctx, acc.ID, acc.PasswordHash, hash, c.now().UTC())
			if err == nil && swapped {
				acc.PasswordHash = hash
			}
		}
	}
	return acc, nil
}

// UpdatePassword replaces the hash and revokes every session of the account.
func (c *CredentialStore) UpdatePassword(ctx context.Context, accountID, newPassword string) error {
	acc, err := c.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return backendErr(err)
	}
	err = c.replacePassword(ctx, acc, newPassword)
	if errors.Is(err, errStaleHash) {
		return fmt.Errorf("%w: password changed concurrently", ErrInvalidCredentials)
	}
	return err
}

// replacePassword swaps in a hash of newPassword only while the stored hash
// is still acc.PasswordHash, then revokes every session of the account.
// A lost swap returns errStaleHash.
func (c *CredentialStore) replacePassword(ctx context.Context, acc Account, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword, c.params)
	if err != nil {
		return err
	}
	swapped, err := c.accounts.CompareAndSetPasswordHash(ctx, acc.ID, acc.PasswordHash, hash, c.now().UTC())
	if err != nil {
		return backendErr(err)
	}
	if !swapped {
		return errStaleHash
	}
	if c.revoker == nil {
		return nil
	}
	if _, err := c.revoker.RevokeAll(ctx, acc.ID, RevokePasswordChange); err != nil {
		return backendErr(err)
	}
	return nil
}
