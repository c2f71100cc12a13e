package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"socoto.app/internal/auth"
	"socoto.app/internal/obs"
)

const serviceName = "socoto-auth"

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a named readiness check.
type Dependency struct {
	Name string
	Ping Pinger
}

// ReadyProbe checks every backing store the service depends on.
type ReadyProbe struct {
	Deps []Dependency
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, d := range rp.Deps {
		if d.Ping == nil {
			continue
		}
		if err := d.Ping.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	return nil
}

// Options configures the HTTP layer.
type Options struct {
	Version        string
	Ready          ReadyProbe
	RateBurst      int
	RatePerSecond  float64
	MaxBodyBytes   int64
	AllowedOrigins []string
	// TrustedProxies lists the peers (CIDRs or addresses) whose forwarding
	// headers are believed. Empty means the connection address is always used.
	TrustedProxies []string
	// Cookies enables the browser session cookie; nil means bearer only.
	Cookies *CookieSessions
}

// API is the HTTP surface of the account service.
type API struct {
	svc        *auth.Service
	readyProbe ReadyProbe
	version    string
	rateBurst  int
	ratePerSec float64
	maxBody    int64
	origins    []string
	proxies    []netip.Prefix
	cookies    *CookieSessions
}

func New(svc *auth.Service, opts Options) (*API, error) {
	if svc == nil {
		return nil, errors.New("httpapi: service is required")
	}
	proxies, err := ParseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a := &API{
		svc:        svc,
		readyProbe: opts.Ready,
		version:    opts.Version,
		rateBurst:  opts.RateBurst,
		ratePerSec: opts.RatePerSecond,
		maxBody:    opts.MaxBodyBytes,
		origins:    opts.AllowedOrigins,
		proxies:    proxies,
		cookies:    opts.Cookies,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 5
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	return a, nil
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(TrustedRealIP(a.proxies))
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(obs.Instrument)
	r.Use(chimiddleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.origins))
	r.Use(MaxBodyBytes(a.maxBody))

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	// Groups share the root tree so the JSON 404/405 handlers apply everywhere.
	limiter := newIPLimiter(a.rateBurst, a.ratePerSec)
	r.Group(func(r chi.Router) {
		r.Use(limiter.middleware)
		r.Post("/v1/auth/signup", a.handleSignUp)
		r.Post("/v1/auth/signin", a.handleSignIn)
		r.Post("/v1/auth/refresh", a.handleRefresh)
		r.Post("/v1/auth/password/reset", a.handleResetRequest)
		r.Post("/v1/auth/password/reset/confirm", a.handleResetConfirm)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/v1/auth/signout", a.handleSignOut)
			r.Post("/v1/auth/password", a.handleChangePassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Get("/v1/me", a.handleMe)
		r.Patch("/v1/me/profile", a.handleUpdateProfile)
		r.Post("/v1/me/business-owner", a.handleElevateBusinessOwner)
		r.Post("/v1/accounts/{id}/admin", a.handleElevateAdmin)
		r.Post("/v1/authorize", a.handleAuthorize)
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
