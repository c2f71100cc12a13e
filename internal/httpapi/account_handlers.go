package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"socoto.app/internal/audit"
	"socoto.app/internal/auth"
)

type accountResponse struct {
	auth.Account
	Capabilities      []auth.Action `json:"capabilities"`
	IsAdmin           bool          `json:"is_admin"`
	CanManageBusiness bool          `json:"can_manage_business"`
}

func newAccountResponse(acc auth.Account) accountResponse {
	return accountResponse{
		Account:           acc,
		Capabilities:      auth.Capabilities(acc.Role),
		IsAdmin:           acc.Role.IsAdmin(),
		CanManageBusiness: acc.Role.CanManageBusiness(),
	}
}

type authorizeRequest struct {
	Action          string `json:"action" validate:"required"`
	ResourceOwnerID string `json:"resource_owner_id" validate:"omitempty,max=64"`
}

type authorizeResponse struct {
	Allowed   bool      `json:"allowed"`
	AccountID string    `json:"account_id"`
	Role      auth.Role `json:"role"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	acc, err := a.svc.CurrentAccount(r.Context(), token)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(acc))
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd auth.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeAuthError(w, r, err)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	acc, err := a.svc.UpdateProfile(r.Context(), token, upd)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(acc))
}

func (a *API) handleElevateBusinessOwner(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	acc, err := a.svc.ElevateToBusinessOwner(r.Context(), token)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.elevated", map[string]any{
		"target_id": acc.ID,
		"role":      acc.Role,
	})
	writeJSON(w, http.StatusOK, newAccountResponse(acc))
}

func (a *API) handleElevateAdmin(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	token, _ := auth.TokenFromContext(r.Context())
	acc, err := a.svc.ElevateToAdmin(r.Context(), token, targetID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "account.elevated", map[string]any{
		"target_id": acc.ID,
		"role":      acc.Role,
	})
	writeJSON(w, http.StatusOK, newAccountResponse(acc))
}

// handleAuthorize reports a policy decision; a denial is a normal answer, not an error.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, r, err)
		return
	}
	action, err := auth.ParseAction(req.Action)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	p, err := a.svc.Authorize(r.Context(), token, action, req.ResourceOwnerID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, authorizeResponse{Allowed: true, AccountID: p.AccountID, Role: p.Role})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusOK, authorizeResponse{Allowed: false, AccountID: p.AccountID, Role: p.Role})
	default:
		writeAuthError(w, r, err)
	}
}
