package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"socoto.app/internal/obs"
)

// Mailer delivers account notifications.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, link string, expiresAt time.Time) error
}

// Service is the single entry point used by client adapters. It composes the
// Credential Store, Account Directory, Session Manager and Authorization Guard.
type Service struct {
	creds    *CredentialStore
	dir      *Directory
	sessions *SessionManager
	reset    *ResetTokens
	mailer   Mailer

	accessTTL   time.Duration
	refreshTTL  time.Duration
	resetTTL    time.Duration
	issuer      string
	resetSecret string
	resetURL    string
	params      HashParams
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service) error

func WithAccessTTL(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("access ttl must be positive")
		}
		s.accessTTL = d
		return nil
	}
}

func WithRefreshTTL(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("refresh ttl must be positive")
		}
		s.refreshTTL = d
		return nil
	}
}

// WithClock replaces time.Now; tests use it to move past expiry.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return fmt.Errorf("clock is nil")
		}
		s.now = now
		return nil
	}
}

func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

func WithResetSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.resetSecret = secret
		return nil
	}
}

func WithResetTTL(d time.Duration) ServiceOption {
	return func(s *Service) error {
		s.resetTTL = d
		return nil
	}
}

// WithResetURL sets the base link mailed to users; the token is appended as ?token=.
func WithResetURL(raw string) ServiceOption {
	return func(s *Service) error {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("reset url: %w", err)
		}
		s.resetURL = raw
		return nil
	}
}

func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		s.mailer = m
		return nil
	}
}

func WithHashParams(p HashParams) ServiceOption {
	return func(s *Service) error {
		s.params = p
		return nil
	}
}

// NewService wires the components over the given stores.
func NewService(accounts AccountStore, sessions SessionStore, opts ...ServiceOption) (*Service, error) {
	if accounts == nil || sessions == nil {
		return nil, errors.New("account and session stores are required")
	}
	s := &Service{
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		resetTTL:   DefaultResetTTL,
		issuer:     "socoto",
		resetURL:   "socoto://reset-password",
		params:     DefaultHashParams,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.refreshTTL < s.accessTTL {
		return nil, errors.New("refresh ttl must not be shorter than access ttl")
	}
	reset, err := NewResetTokens(s.resetSecret, s.issuer, s.resetTTL, s.now)
	if err != nil {
		return nil, err
	}
	s.reset = reset
	s.sessions = NewSessionManager(sessions, s.accessTTL, s.refreshTTL, s.now)
	s.dir = NewDirectory(accounts, s.now)
	s.creds, err = NewCredentialStore(accounts, s.sessions, s.params, s.now)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SignUp registers an account with its profile and role in a single write,
// then opens a session. Admin cannot be requested at sign-up. Input is
// validated before anything is stored, so a rejected sign-up leaves no
// account behind.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string, role Role) (issued Issued, acc Account, err error) {
	defer func() { obs.AuthEvent("signup", Code(err)) }()

	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return Issued{}, Account{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if role == RoleAdmin {
		return Issued{}, Account{}, fmt.Errorf("%w: admin cannot be requested at sign-up", ErrForbidden)
	}

	email, err = NormalizeEmail(email)
	if err != nil {
		return Issued{}, Account{}, err
	}
	name, err := profileName(displayName, email)
	if err != nil {
		return Issued{}, Account{}, err
	}
	acc, err = s.creds.register(ctx, email, password, func(a *Account) {
		created := a.CreatedAt
		a.DisplayName = name
		a.ProfileCreatedAt = &created
		a.Role = role
	})
	if err != nil {
		return Issued{}, Account{}, err
	}
	// the account is complete here; a failed session leaves it usable via sign-in
	if issued, err = s.sessions.Create(ctx, acc.ID); err != nil {
		return Issued{}, Account{}, err
	}
	return issued, acc, nil
}

// SignIn verifies credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (issued Issued, acc Account, err error) {
	defer func() { obs.AuthEvent("signin", Code(err)) }()

	if acc, err = s.creds.verify(ctx, email, password); err != nil {
		return Issued{}, Account{}, err
	}
	if issued, err = s.sessions.Create(ctx, acc.ID); err != nil {
		return Issued{}, Account{}, err
	}
	return issued, acc, nil
}

// SignOut revokes the session behind token.
func (s *Service) SignOut(ctx context.Context, token string) (err error) {
	defer func() { obs.AuthEvent("signout", Code(err)) }()
	return s.sessions.Revoke(ctx, token)
}

// Refresh rotates a session using its refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (issued Issued, err error) {
	defer func() { obs.AuthEvent("refresh", Code(err)) }()
	return s.sessions.Refresh(ctx, refreshToken)
}

// RequestPasswordReset mails a reset link when the account exists. It never
// reveals whether it does: the result is always nil.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	log := obs.Logger().WithField("event", "password_reset_request")
	email, err := NormalizeEmail(email)
	if err != nil {
		obs.AuthEvent("password_reset_request", "invalid_input")
		return nil
	}
	acc, err := s.dir.accounts.AccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthEvent("password_reset_request", "unknown_email")
		} else {
			obs.AuthEvent("password_reset_request", "backend_unavailable")
			log.WithError(err).Error("lookup account for password reset")
		}
		return nil
	}
	token, exp, err := s.reset.Issue(acc)
	if err != nil {
		log.WithError(err).Error("issue password reset token")
		return nil
	}
	if s.mailer == nil {
		log.WithField("account_id", acc.ID).Warn("no mailer configured; password reset not delivered")
		return nil
	}
	if err := s.mailer.SendPasswordReset(ctx, acc.Email, s.resetLink(token), exp); err != nil {
		obs.AuthEvent("password_reset_request", "mail_failed")
		log.WithError(err).WithField("account_id", acc.ID).Error("send password reset")
		return nil
	}
	obs.AuthEvent("password_reset_request", "ok")
	return nil
}

// ConfirmPasswordReset sets a new password using a mailed reset token. A
// token stops working as soon as the password it was issued against changes.
func (s *Service) ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) (err error) {
	defer func() { obs.AuthEvent("password_reset_confirm", Code(err)) }()

	accountID, err := s.reset.Subject(resetToken)
	if err != nil {
		return err
	}
	acc, err := s.dir.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidResetToken
		}
		return err
	}
	if err := s.reset.Verify(resetToken, acc); err != nil {
		return err
	}
	// the swap is conditional on the hash the token was checked against, so
	// concurrent confirms of one token cannot both win
	err = s.creds.replacePassword(ctx, acc, newPassword)
	if errors.Is(err, errStaleHash) {
		return ErrInvalidResetToken
	}
	return err
}

// ChangePassword replaces the caller's password. Every session of the
// account, the calling one included, is revoked.
func (s *Service) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) (err error) {
	defer func() { obs.AuthEvent("password_change", Code(err)) }()

	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	acc, err := s.dir.Get(ctx, p.AccountID)
	if err != nil {
		return err
	}
	ok, err := VerifyPassword(acc.PasswordHash, currentPassword)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	err = s.creds.replacePassword(ctx, acc, newPassword)
	if errors.Is(err, errStaleHash) {
		return ErrInvalidCredentials
	}
	return err
}

// CurrentAccount returns the account behind token.
func (s *Service) CurrentAccount(ctx context.Context, token string) (Account, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return Account{}, err
	}
	return s.dir.Get(ctx, p.AccountID)
}

// UpdateProfile edits the caller's own profile.
func (s *Service) UpdateProfile(ctx context.Context, token string, upd ProfileUpdate) (Account, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return Account{}, err
	}
	return s.dir.UpdateProfile(ctx, p, p.AccountID, upd)
}

// ElevateToBusinessOwner upgrades the caller from user to business_owner.
func (s *Service) ElevateToBusinessOwner(ctx context.Context, token string) (acc Account, err error) {
	defer func() { obs.AuthEvent("elevate_business_owner", Code(err)) }()

	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return Account{}, err
	}
	return s.dir.ElevateToBusinessOwner(ctx, p.AccountID)
}

// ElevateToAdmin promotes targetID. Only admins may do this.
func (s *Service) ElevateToAdmin(ctx context.Context, token, targetID string) (acc Account, err error) {
	defer func() { obs.AuthEvent("elevate_admin", Code(err)) }()

	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return Account{}, err
	}
	acc, err = s.dir.ElevateToAdmin(ctx, p, targetID)
	if err == nil {
		obs.Logger().WithFields(logrus.Fields{
			"requester_id": p.AccountID,
			"target_id":    targetID,
		}).Info("account elevated to admin")
	}
	return acc, err
}

// Authorize validates token, then checks action against the caller's role
// and, when resourceOwnerID is set, ownership of the resource.
func (s *Service) Authorize(ctx context.Context, token string, action Action, resourceOwnerID string) (Principal, error) {
	p, err := s.Authenticate(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if err := Check(p.Role, action); err != nil {
		return p, err
	}
	if resourceOwnerID != "" {
		if err := CheckOwnership(p, resourceOwnerID); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Authenticate resolves token to the caller with the role currently stored
// for the account.
func (s *Service) Authenticate(ctx context.Context, token string) (Principal, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	acc, err := s.dir.Get(ctx, sess.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrSessionNotFound
		}
		return Principal{}, err
	}
	return Principal{AccountID: acc.ID, Role: acc.Role}, nil
}

// PurgeExpiredSessions drops sessions whose refresh window closed before the cutoff.
func (s *Service) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	return s.sessions.PurgeExpired(ctx, before)
}

func (s *Service) resetLink(token string) string {
	sep := "?"
	if strings.Contains(s.resetURL, "?") {
		sep = "&"
	}
	return s.resetURL + sep + "token=" + url.QueryEscape(token)
}
