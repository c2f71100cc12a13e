package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"socoto.app/internal/auth"
)

type capturedMail struct {
	to   string
	link string
}

type captureMailer struct {
	mu   sync.Mutex
	sent []capturedMail
}

func (m *captureMailer) SendPasswordReset(_ context.Context, to, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, capturedMail{to: to, link: link})
	return nil
}

func (m *captureMailer) last(t *testing.T) capturedMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("expected a mail to be sent")
	}
	return m.sent[len(m.sent)-1]
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *auth.MemoryStore
	mailer  *captureMailer
	t       *testing.T
}

func newTestAPI(t *testing.T, opts Options) *apiClient {
	t.Helper()

	store := auth.NewMemoryStore()
	mailer := &captureMailer{}
	svc, err := auth.NewService(store, store,
		auth.WithHashParams(auth.HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}),
		auth.WithResetSecret("http-test-secret-http-test-secret"),
		auth.WithResetURL("https://socoto.test/reset"),
		auth.WithMailer(mailer),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 100
		opts.RatePerSecond = 100
	}
	api, err := New(svc, opts)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		mailer:  mailer,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) signUp(email, password string) sessionResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/signup", map[string]any{"email": email, "password": password}, "")
	expectStatus(c.t, resp, http.StatusCreated)
	var out sessionResponse
	decodeBody(c.t, resp, &out)
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body.String())
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	expectStatus(t, resp, status)
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != code {
		t.Fatalf("expected code %q, got %v", code, body["code"])
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Fatalf("expected error message, got %v", body)
	}
	if rid, _ := body["request_id"].(string); rid == "" {
		t.Fatalf("expected request_id, got %v", body)
	}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSignUpAndCurrentAccount(t *testing.T) {
	c := newTestAPI(t, Options{})

	sess := c.signUp("alice@example.com", "Sup3rSecret")
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", sess)
	}
	if sess.Account == nil || sess.Account.Role != auth.RoleUser {
		t.Fatalf("expected user account, got %+v", sess.Account)
	}
	if sess.Account.DisplayName != "alice" {
		t.Fatalf("expected default display name, got %q", sess.Account.DisplayName)
	}

	resp := c.get("/v1/me", sess.Token)
	expectStatus(t, resp, http.StatusOK)
	var me map[string]any
	decodeBody(t, resp, &me)
	if me["email"] != "alice@example.com" || me["role"] != "user" {
		t.Fatalf("unexpected account: %v", me)
	}
	if _, leaked := me["password_hash"]; leaked {
		t.Fatal("password hash must never be serialized")
	}
	if me["can_manage_business"] != false {
		t.Fatalf("user must not manage a business: %v", me)
	}
}

func TestSignUpErrors(t *testing.T) {
	c := newTestAPI(t, Options{})
	c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.post("/v1/auth/signup", map[string]any{"email": "ALICE@example.com", "password": "An0therOne"}, "")
	expectError(t, resp, http.StatusConflict, "duplicate_email")

	resp = c.post("/v1/auth/signup", map[string]any{"email": "bob@example.com", "password": "abc"}, "")
	expectError(t, resp, http.StatusBadRequest, "weak_password")

	resp = c.post("/v1/auth/signin", map[string]any{"email": "bob@example.com", "password": "abc"}, "")
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	resp = c.post("/v1/auth/signup", map[string]any{"email": "eve@example.com", "password": "Sup3rSecret", "role": "admin"}, "")
	expectError(t, resp, http.StatusForbidden, "forbidden")

	resp = c.post("/v1/auth/signup", map[string]any{"email": "eve@example.com", "password": "Sup3rSecret", "role": "wizard"}, "")
	expectError(t, resp, http.StatusBadRequest, "invalid_input")

	resp = c.post("/v1/auth/signup", map[string]any{"email": "eve@example.com", "password": "Sup3rSecret", "extra": true}, "")
	expectError(t, resp, http.StatusBadRequest, "invalid_input")
}

func TestSignUpAsBusinessOwner(t *testing.T) {
	c := newTestAPI(t, Options{})
	resp := c.post("/v1/auth/signup", map[string]any{
		"email":        "shop@example.com",
		"password":     "Sup3rSecret",
		"display_name": "Corner Shop",
		"role":         "business_owner",
	}, "")
	expectStatus(t, resp, http.StatusCreated)
	var out sessionResponse
	decodeBody(t, resp, &out)
	if out.Account.Role != auth.RoleBusinessOwner || out.Account.DisplayName != "Corner Shop" {
		t.Fatalf("unexpected account: %+v", out.Account)
	}
}

func TestAliceElevationScenario(t *testing.T) {
	c := newTestAPI(t, Options{})
	c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.post("/v1/auth/signin", map[string]any{"email": "alice@example.com", "password": "Sup3rSecret"}, "")
	expectStatus(t, resp, http.StatusOK)
	var sess sessionResponse
	decodeBody(t, resp, &sess)

	resp = c.post("/v1/me/business-owner", nil, sess.Token)
	expectStatus(t, resp, http.StatusOK)
	var acc accountResponse
	decodeBody(t, resp, &acc)
	if acc.Role != auth.RoleBusinessOwner || !acc.CanManageBusiness {
		t.Fatalf("expected business owner, got %+v", acc)
	}

	resp = c.post("/v1/me/business-owner", nil, sess.Token)
	expectError(t, resp, http.StatusConflict, "already_elevated")
}

func TestElevateToAdmin(t *testing.T) {
	c := newTestAPI(t, Options{})
	admin := c.signUp("root@example.com", "Sup3rSecret")
	user := c.signUp("user@example.com", "Sup3rSecret")
	owner := c.signUp("owner@example.com", "Sup3rSecret")
	expectStatus(t, c.post("/v1/me/business-owner", nil, owner.Token), http.StatusOK)

	ok, err := c.store.CompareAndSetRole(context.Background(), admin.Account.ID,
		[]auth.Role{auth.RoleUser}, auth.RoleAdmin, time.Now())
	if err != nil || !ok {
		t.Fatalf("seed admin: ok=%v err=%v", ok, err)
	}

	resp := c.post("/v1/accounts/"+user.Account.ID+"/admin", nil, owner.Token)
	expectError(t, resp, http.StatusForbidden, "forbidden")

	resp = c.post("/v1/accounts/"+user.Account.ID+"/admin", nil, admin.Token)
	expectStatus(t, resp, http.StatusOK)
	var acc accountResponse
	decodeBody(t, resp, &acc)
	if acc.Role != auth.RoleAdmin || !acc.IsAdmin {
		t.Fatalf("expected admin, got %+v", acc)
	}

	resp = c.post("/v1/accounts/does-not-exist/admin", nil, admin.Token)
	expectError(t, resp, http.StatusNotFound, "not_found")
}

func TestAuthenticationRequired(t *testing.T) {
	c := newTestAPI(t, Options{})

	expectError(t, c.get("/v1/me", ""), http.StatusUnauthorized, "session_not_found")
	expectError(t, c.get("/v1/me", "bogus"), http.StatusUnauthorized, "session_not_found")

	req, _ := http.NewRequest(http.MethodGet, c.baseURL+"/v1/me", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	expectError(t, resp, http.StatusUnauthorized, "session_not_found")
}

func TestSignOutRevokesSession(t *testing.T) {
	c := newTestAPI(t, Options{})
	sess := c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.post("/v1/auth/signout", nil, sess.Token)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	expectError(t, c.get("/v1/me", sess.Token), http.StatusUnauthorized, "session_revoked")
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	c := newTestAPI(t, Options{})
	sess := c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.post("/v1/auth/refresh", map[string]any{"refresh_token": sess.RefreshToken}, "")
	expectStatus(t, resp, http.StatusOK)
	var rotated sessionResponse
	decodeBody(t, resp, &rotated)
	if rotated.Token == "" || rotated.Token == sess.Token {
		t.Fatalf("expected a new token")
	}

	expectError(t, c.get("/v1/me", sess.Token), http.StatusUnauthorized, "session_revoked")
	expectStatus(t, c.get("/v1/me", rotated.Token), http.StatusOK)

	resp = c.post("/v1/auth/refresh", map[string]any{"refresh_token": sess.RefreshToken}, "")
	expectError(t, resp, http.StatusUnauthorized, "session_revoked")
	expectError(t, c.get("/v1/me", rotated.Token), http.StatusUnauthorized, "session_revoked")

	resp = c.post("/v1/auth/refresh", map[string]any{}, "")
	expectError(t, resp, http.StatusBadRequest, "invalid_input")
}

func TestUpdateProfile(t *testing.T) {
	c := newTestAPI(t, Options{})
	sess := c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.do(http.MethodPatch, "/v1/me/profile", map[string]any{"bio": "  coffee nerd  ", "location": "Lisbon"}, sess.Token)
	expectStatus(t, resp, http.StatusOK)
	var acc accountResponse
	decodeBody(t, resp, &acc)
	if acc.Bio != "coffee nerd" || acc.Location != "Lisbon" || acc.DisplayName != "alice" {
		t.Fatalf("unexpected profile: %+v", acc.Account)
	}

	long := string(bytes.Repeat([]byte("x"), 81))
	resp = c.do(http.MethodPatch, "/v1/me/profile", map[string]any{"display_name": long}, sess.Token)
	expectError(t, resp, http.StatusBadRequest, "invalid_input")
}

func TestAuthorizeEndpoint(t *testing.T) {
	c := newTestAPI(t, Options{})
	alice := c.signUp("alice@example.com", "Sup3rSecret")
	bob := c.signUp("bob@example.com", "Sup3rSecret")

	cases := []struct {
		name    string
		token   string
		body    map[string]any
		allowed bool
	}{
		{"user may book", alice.Token, map[string]any{"action": "book"}, true},
		{"user may not manage business", alice.Token, map[string]any{"action": "manage_business"}, false},
		{"owner of resource", alice.Token, map[string]any{"action": "review", "resource_owner_id": alice.Account.ID}, true},
		{"not owner of resource", bob.Token, map[string]any{"action": "review", "resource_owner_id": alice.Account.ID}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.post("/v1/authorize", tc.body, tc.token)
			expectStatus(t, resp, http.StatusOK)
			var out authorizeResponse
			decodeBody(t, resp, &out)
			if out.Allowed != tc.allowed {
				t.Fatalf("expected allowed=%v, got %+v", tc.allowed, out)
			}
			if out.AccountID == "" || out.Role != auth.RoleUser {
				t.Fatalf("unexpected principal: %+v", out)
			}
		})
	}

	resp := c.post("/v1/authorize", map[string]any{"action": "teleport"}, alice.Token)
	expectError(t, resp, http.StatusBadRequest, "invalid_input")
}

func TestPasswordResetFlow(t *testing.T) {
	c := newTestAPI(t, Options{})
	c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.post("/v1/auth/password/reset", map[string]any{"email": "nobody@example.com"}, "")
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	resp = c.post("/v1/auth/password/reset", map[string]any{"email": "alice@example.com"}, "")
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	mail := c.mailer.last(t)
	if mail.to != "alice@example.com" {
		t.Fatalf("unexpected recipient %q", mail.to)
	}
	link, err := url.Parse(mail.link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	token := link.Query().Get("token")

	body := map[string]any{"token": token, "new_password": "N3wPassword"}
	resp = c.post("/v1/auth/password/reset/confirm", body, "")
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.post("/v1/auth/password/reset/confirm", body, "")
	expectError(t, resp, http.StatusBadRequest, "invalid_reset_token")

	resp = c.post("/v1/auth/signin", map[string]any{"email": "alice@example.com", "password": "N3wPassword"}, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	c := newTestAPI(t, Options{})
	sess := c.signUp("alice@example.com", "Sup3rSecret")

	resp := c.post("/v1/auth/password", map[string]any{"current_password": "wrong", "new_password": "N3wPassword"}, sess.Token)
	expectError(t, resp, http.StatusUnauthorized, "invalid_credentials")

	resp = c.post("/v1/auth/password", map[string]any{"current_password": "Sup3rSecret", "new_password": "N3wPassword"}, sess.Token)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	expectError(t, c.get("/v1/me", sess.Token), http.StatusUnauthorized, "session_revoked")
}

func TestHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t, Options{Version: "1.2.3"})
	resp := c.get("/healthz", "")
	expectStatus(t, resp, http.StatusOK)
	var health map[string]any
	decodeBody(t, resp, &health)
	if health["version"] != "1.2.3" {
		t.Fatalf("unexpected health body: %v", health)
	}
	expectStatus(t, c.get("/readyz", ""), http.StatusOK)

	down := newTestAPI(t, Options{Ready: ReadyProbe{Deps: []Dependency{
		{Name: "postgres", Ping: stubPinger{}},
		{Name: "redis", Ping: stubPinger{err: errors.New("connection refused")}},
	}}})
	resp = down.get("/readyz", "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["error"] != "redis: connection refused" {
		t.Fatalf("unexpected readiness error: %v", body)
	}
}

func TestRouterFallbacks(t *testing.T) {
	c := newTestAPI(t, Options{})
	expectError(t, c.get("/v1/nowhere", ""), http.StatusNotFound, "not_found")
	expectError(t, c.get("/v1/auth/signup", ""), http.StatusMethodNotAllowed, "method_not_allowed")

	resp := c.get("/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestNewRequiresService(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatal("expected error without service")
	}
}
