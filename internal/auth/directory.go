package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"socoto.app/internal/ids"
)

// Directory owns account records: profiles and role transitions.
type Directory struct {
	accounts AccountStore
	now      func() time.Time
}

func NewDirectory(accounts AccountStore, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{accounts: accounts, now: now}
}

// Get loads an account by id.
func (d *Directory) Get(ctx context.Context, accountID string) (Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return Account{}, ErrNotFound
	}
	acc, err := d.accounts.AccountByID(ctx, accountID)
	if err != nil {
		return Account{}, backendErr(err)
	}
	return acc, nil
}

// CreateProfile attaches the initial profile. Repeat calls leave the
// existing profile alone and return the current account.
func (d *Directory) CreateProfile(ctx context.Context, accountID, displayName string) (Account, error) {
	acc, err := d.Get(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if acc.ProfileCreatedAt != nil {
		return acc, nil
	}
	displayName, err = profileName(displayName, acc.Email)
	if err != nil {
		return Account{}, err
	}
	if _, err := d.accounts.MarkProfileCreated(ctx, accountID, displayName, d.now().UTC()); err != nil {
		return Account{}, backendErr(err)
	}
	return d.Get(ctx, accountID)
}

// UpdateProfile applies a partial update. Only the owner may edit a profile.
func (d *Directory) UpdateProfile(ctx context.Context, actor Principal, accountID string, upd ProfileUpdate) (Account, error) {
	if actor.AccountID == "" || actor.AccountID != accountID {
		return Account{}, fmt.Errorf("%w: profile belongs to another account", ErrForbidden)
	}
	upd = trimProfile(upd)
	if err := validate.Struct(upd); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if upd.DisplayName != nil && *upd.DisplayName == "" {
		return Account{}, fmt.Errorf("%w: display name cannot be empty", ErrInvalidInput)
	}
	if upd.Empty() {
		return d.Get(ctx, accountID)
	}
	acc, err := d.accounts.UpdateProfile(ctx, accountID, upd, d.now().UTC())
	if err != nil {
		return Account{}, backendErr(err)
	}
	return acc, nil
}

// ElevateToBusinessOwner is the self-service user -> business_owner upgrade.
func (d *Directory) ElevateToBusinessOwner(ctx context.Context, accountID string) (Account, error) {
	return d.elevate(ctx, accountID, []Role{RoleUser}, RoleBusinessOwner)
}

// ElevateToAdmin promotes targetID. The requester must hold the elevate_role capability.
func (d *Directory) ElevateToAdmin(ctx context.Context, requester Principal, targetID string) (Account, error) {
	if err := Check(requester.Role, ActionElevateRole); err != nil {
		return Account{}, err
	}
	if !ids.Valid(targetID) {
		return Account{}, fmt.Errorf("%w: no account %q", ErrNotFound, targetID)
	}
	return d.elevate(ctx, targetID, []Role{RoleUser, RoleBusinessOwner}, RoleAdmin)
}

func (d *Directory) elevate(ctx context.Context, accountID string, from []Role, to Role) (Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return Account{}, ErrNotFound
	}
	swapped, err := d.accounts.CompareAndSetRole(ctx, accountID, from, to, d.now().UTC())
	if err != nil {
		return Account{}, backendErr(err)
	}
	if !swapped {
		return Account{}, fmt.Errorf("%w: cannot become %s", ErrAlreadyElevated, to)
	}
	return d.Get(ctx, accountID)
}

func trimProfile(upd ProfileUpdate) ProfileUpdate {
	trim := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := strings.TrimSpace(*s)
		return &v
	}
	return ProfileUpdate{
		DisplayName: trim(upd.DisplayName),
		Bio:         trim(upd.Bio),
		AvatarRef:   trim(upd.AvatarRef),
		Location:    trim(upd.Location),
	}
}

// profileName trims displayName, falls back to the email's local part and
// bounds the length.
func profileName(displayName, email string) (string, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = localPart(email)
	}
	if err := validate.Var(displayName, "max=80"); err != nil {
		return "", fmt.Errorf("%w: display name too long", ErrInvalidInput)
	}
	return displayName, nil
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
