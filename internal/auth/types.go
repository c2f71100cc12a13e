package auth

import "time"

// Account is a registered identity with credentials and exactly one role.
type Account struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	Role             Role       `json:"role"`
	DisplayName      string     `json:"display_name,omitempty"`
	Bio              string     `json:"bio,omitempty"`
	AvatarRef        string     `json:"avatar_ref,omitempty"`
	Location         string     `json:"location,omitempty"`
	ProfileCreatedAt *time.Time `json:"profile_created_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ProfileUpdate carries a partial profile change; nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name" validate:"omitempty,max=80"`
	Bio         *string `json:"bio" validate:"omitempty,max=500"`
	AvatarRef   *string `json:"avatar_ref" validate:"omitempty,max=512"`
	Location    *string `json:"location" validate:"omitempty,max=120"`
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.DisplayName == nil && u.Bio == nil && u.AvatarRef == nil && u.Location == nil
}

// RevokeReason records why a session stopped being valid.
type RevokeReason string

const (
	RevokeSignOut        RevokeReason = "sign_out"
	RevokeRotated        RevokeReason = "rotated"
	RevokePasswordChange RevokeReason = "password_change"
	RevokeReplay         RevokeReason = "replay"
	RevokeExplicit       RevokeReason = "revoked"
)

// Session is a time-bounded, revocable proof of a successful sign-in. Only
// hashes of the bearer and refresh tokens are kept.
type Session struct {
	TokenHash        string       `json:"-"`
	RefreshHash      string       `json:"-"`
	AccountID        string       `json:"account_id"`
	IssuedAt         time.Time    `json:"issued_at"`
	ExpiresAt        time.Time    `json:"expires_at"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	Revoked          bool         `json:"revoked"`
	RevokedAt        *time.Time   `json:"revoked_at,omitempty"`
	RevokeReason     RevokeReason `json:"revoke_reason,omitempty"`
}

// Issued is a freshly created session together with its raw tokens. The raw
// tokens exist only here and are never persisted.
type Issued struct {
	Session      Session
	Token        string
	RefreshToken string
}

// Principal is the authenticated caller as seen by the Authorization Guard.
type Principal struct {
	AccountID string
	Role      Role
}
