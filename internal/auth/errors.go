package auth

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateEmail     = errors.New("auth: email already registered")
	ErrWeakPassword       = errors.New("auth: password does not meet policy")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrSessionRevoked     = errors.New("auth: session revoked")
	ErrSessionNotFound    = errors.New("auth: session not found")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrAlreadyElevated    = errors.New("auth: account already elevated")
	ErrNotFound           = errors.New("auth: not found")
	ErrBackendUnavailable = errors.New("auth: backend unavailable")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidResetToken  = errors.New("auth: invalid or expired reset token")
)

var domainErrors = []error{
	ErrDuplicateEmail,
	ErrWeakPassword,
	ErrInvalidCredentials,
	ErrSessionExpired,
	ErrSessionRevoked,
	ErrSessionNotFound,
	ErrForbidden,
	ErrAlreadyElevated,
	ErrNotFound,
	ErrBackendUnavailable,
	ErrInvalidInput,
	ErrInvalidResetToken,
}

// backendErr passes domain errors through and classifies anything else coming
// out of a store as ErrBackendUnavailable.
func backendErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// Message maps an error to the text shown to end users.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateEmail):
		return "An account with this email already exists."
	case errors.Is(err, ErrWeakPassword):
		return "Password must be at least 8 characters and include an uppercase letter, a lowercase letter and a number."
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password."
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrSessionRevoked), errors.Is(err, ErrSessionNotFound):
		return "You have been signed out. Please sign in again."
	case errors.Is(err, ErrForbidden):
		return "You don't have permission to do that."
	case errors.Is(err, ErrAlreadyElevated):
		return "This account already has that role."
	case errors.Is(err, ErrNotFound):
		return "Account not found."
	case errors.Is(err, ErrInvalidResetToken):
		return "This password reset link is invalid or has expired."
	case errors.Is(err, ErrInvalidInput):
		return "Please check the information you entered."
	case errors.Is(err, ErrBackendUnavailable):
		return "Service is temporarily unavailable. Please try again later."
	default:
		return "Something went wrong. Please try again."
	}
}

// Code returns a stable machine-readable identifier for err, used in API
// responses and as a metrics label.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateEmail):
		return "duplicate_email"
	case errors.Is(err, ErrWeakPassword):
		return "weak_password"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrSessionRevoked):
		return "session_revoked"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyElevated):
		return "already_elevated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidResetToken):
		return "invalid_reset_token"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "internal"
	}
}
