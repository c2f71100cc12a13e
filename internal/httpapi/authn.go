package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"socoto.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errMissingToken = errors.New("missing bearer token")

// withAuth resolves the caller from the bearer token, or the session cookie
// when cookies are enabled, and stores principal and token in the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := a.requestToken(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, auth.Code(auth.ErrSessionNotFound), err.Error())
			return
		}

		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requestToken(r *http.Request) (string, error) {
	header := r.Header.Get(authHeader)
	if strings.TrimSpace(header) != "" || a.cookies == nil {
		return extractBearerToken(header)
	}
	if token, ok := a.cookies.Token(r); ok {
		return token, nil
	}
	return "", errMissingToken
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}
