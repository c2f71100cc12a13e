package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	DefaultCookieName = "socoto_session"
	cookieTokenKey    = "token"
)

// CookieSessions carries the session token in a signed, HttpOnly cookie for
// browser clients. The cookie only transports the token; validity is always
// decided by the session store.
type CookieSessions struct {
	store *sessions.CookieStore
	name  string
}

func NewCookieSessions(name string, hashKey []byte, secure bool, domain string, maxAge time.Duration) (*CookieSessions, error) {
	if len(hashKey) < 32 {
		return nil, errors.New("httpapi: cookie hash key must be at least 32 bytes")
	}
	if name == "" {
		name = DefaultCookieName
	}
	store := sessions.NewCookieStore(hashKey)
	store.Options = &sessions.Options{
		Path:     "/",
		Domain:   domain,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	// applies to the signed value as well as the cookie attribute
	store.MaxAge(int(maxAge.Seconds()))
	return &CookieSessions{store: store, name: name}, nil
}

// Save writes token into the cookie.
func (c *CookieSessions) Save(w http.ResponseWriter, r *http.Request, token string) error {
	sess, _ := c.store.Get(r, c.name)
	sess.Values[cookieTokenKey] = token
	return sess.Save(r, w)
}

// Token returns the token carried by a correctly signed cookie.
func (c *CookieSessions) Token(r *http.Request) (string, bool) {
	sess, err := c.store.Get(r, c.name)
	if err != nil || sess.IsNew {
		return "", false
	}
	token, ok := sess.Values[cookieTokenKey].(string)
	return token, ok && token != ""
}

// Clear expires the cookie.
func (c *CookieSessions) Clear(w http.ResponseWriter, r *http.Request) error {
	sess, _ := c.store.Get(r, c.name)
	delete(sess.Values, cookieTokenKey)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}
