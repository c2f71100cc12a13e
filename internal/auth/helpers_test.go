package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var testParams = HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	to      string
	link    string
	expires time.Time
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, to, link string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to: to, link: link, expires: expiresAt})
	return nil
}

func (m *recordingMailer) all() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

// failingStore wraps MemoryStore and fails account lookups by email.
type failingStore struct {
	*MemoryStore
	err error
}

func (f failingStore) AccountByEmail(context.Context, string) (Account, error) {
	return Account{}, f.err
}

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	clock  *fakeClock
	mailer *recordingMailer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	mailer := &recordingMailer{}
	svc, err := NewService(store, store,
		WithClock(clock.Now),
		WithHashParams(testParams),
		WithResetSecret("test-secret-test-secret-test-secret"),
		WithResetURL("https://socoto.test/reset"),
		WithMailer(mailer),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testEnv{svc: svc, store: store, clock: clock, mailer: mailer}
}

// makeAdmin promotes id directly in storage; there is no sign-up path to admin.
func (e *testEnv) makeAdmin(t *testing.T, id string) {
	t.Helper()
	ok, err := e.store.CompareAndSetRole(context.Background(), id, []Role{RoleUser, RoleBusinessOwner}, RoleAdmin, e.clock.Now())
	if err != nil || !ok {
		t.Fatalf("seed admin: ok=%v err=%v", ok, err)
	}
}

func wantErr(t *testing.T, got, want error) {
	t.Helper()
	if !errors.Is(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
