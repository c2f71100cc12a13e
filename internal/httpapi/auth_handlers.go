package httpapi

import (
	"net/http"
	"time"

	"socoto.app/internal/audit"
	"socoto.app/internal/auth"
)

type signUpRequest struct {
	Email       string `json:"email" validate:"required,max=254"`
	Password    string `json:"password" validate:"required,max=256"`
	DisplayName string `json:"display_name" validate:"max=80"`
	Role        string `json:"role" validate:"omitempty,oneof=user business_owner admin"`
}

type signInRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=256"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

type resetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=256"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=256"`
	NewPassword     string `json:"new_password" validate:"required,max=256"`
}

type sessionResponse struct {
	Token            string           `json:"token"`
	RefreshToken     string           `json:"refresh_token"`
	ExpiresAt        time.Time        `json:"expires_at"`
	RefreshExpiresAt time.Time        `json:"refresh_expires_at"`
	Account          *accountResponse `json:"account,omitempty"`
}

func newSessionResponse(issued auth.Issued, acc *auth.Account) sessionResponse {
	resp := sessionResponse{
		Token:            issued.Token,
		RefreshToken:     issued.RefreshToken,
		ExpiresAt:        issued.Session.ExpiresAt,
		RefreshExpiresAt: issued.Session.RefreshExpiresAt,
	}
	if acc != nil {
		ar := newAccountResponse(*acc)
		resp.Account = &ar
	}
	return resp
}

func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	issued, acc, err := a.svc.SignUp(r.Context(), req.Email, req.Password, req.DisplayName, auth.Role(req.Role))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithPrincipal(r.Context(), auth.Principal{AccountID: acc.ID, Role: acc.Role}),
		"account.created", map[string]any{"role": acc.Role})
	a.saveCookie(w, r, issued.Token)
	writeJSON(w, http.StatusCreated, newSessionResponse(issued, &acc))
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	issued, acc, err := a.svc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.saveCookie(w, r, issued.Token)
	writeJSON(w, http.StatusOK, newSessionResponse(issued, &acc))
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.SignOut(r.Context(), token); err != nil {
		writeAuthError(w, r, err)
		return
	}
	if a.cookies != nil {
		_ = a.cookies.Clear(w, r)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	issued, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.saveCookie(w, r, issued.Token)
	writeJSON(w, http.StatusOK, newSessionResponse(issued, nil))
}

// handleResetRequest answers 202 for any well-formed request so that the
// response does not reveal whether the email is registered.
func (a *API) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = a.svc.RequestPasswordReset(r.Context(), req.Email)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	if err := a.svc.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "password.reset", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.ChangePassword(r.Context(), token, req.CurrentPassword, req.NewPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "password.changed", nil)
	if a.cookies != nil {
		_ = a.cookies.Clear(w, r)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) saveCookie(w http.ResponseWriter, r *http.Request, token string) {
	if a.cookies == nil {
		return
	}
	if err := a.cookies.Save(w, r, token); err != nil {
		_ = audit.LogEvent(r.Context(), "session.cookie_failed", map[string]any{"error": err.Error()})
	}
}
