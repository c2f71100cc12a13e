package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"socoto.app/internal/ids"
)

func TestScenarioAlice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, acc, err := env.svc.SignUp(ctx, "Alice@Example.com", "Wonder1and", "Alice", RoleUser)
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if acc.Email != "alice@example.com" || acc.DisplayName != "Alice" || acc.Role != RoleUser {
		t.Fatalf("unexpected account: %+v", acc)
	}

	issued, acc, err := env.svc.SignIn(ctx, "alice@example.com", "Wonder1and")
	if err != nil || acc.Role != RoleUser {
		t.Fatalf("sign in: role=%s err=%v", acc.Role, err)
	}

	if _, err := env.svc.ElevateToBusinessOwner(ctx, issued.Token); err != nil {
		t.Fatalf("elevate: %v", err)
	}
	cur, err := env.svc.CurrentAccount(ctx, issued.Token)
	if err != nil || cur.Role != RoleBusinessOwner {
		t.Fatalf("current account: role=%s err=%v", cur.Role, err)
	}
	_, err = env.svc.ElevateToBusinessOwner(ctx, issued.Token)
	wantErr(t, err, ErrAlreadyElevated)
}

func TestScenarioBob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, _, err := env.svc.SignUp(ctx, "bob@example.com", "abc", "Bob", RoleUser)
	wantErr(t, err, ErrWeakPassword)

	_, _, err = env.svc.SignIn(ctx, "bob@example.com", "abc")
	wantErr(t, err, ErrInvalidCredentials)
	if _, err := env.store.AccountByEmail(ctx, "bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("weak sign-up must not create an account, got %v", err)
	}
}

func TestScenarioAdminElevation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	adminIssued, admin, err := env.svc.SignUp(ctx, "root@example.com", "Adm1nistrator", "Root", "")
	if err != nil {
		t.Fatalf("sign up admin: %v", err)
	}
	env.makeAdmin(t, admin.ID)

	_, target, err := env.svc.SignUp(ctx, "carol@example.com", "Car0lCarol", "Carol", RoleUser)
	if err != nil {
		t.Fatalf("sign up target: %v", err)
	}
	ownerIssued, _, err := env.svc.SignUp(ctx, "dave@example.com", "Dave1Dave", "Dave", RoleBusinessOwner)
	if err != nil {
		t.Fatalf("sign up owner: %v", err)
	}

	_, err = env.svc.ElevateToAdmin(ctx, ownerIssued.Token, target.ID)
	wantErr(t, err, ErrForbidden)
	if acc, _ := env.store.AccountByID(ctx, target.ID); acc.Role != RoleUser {
		t.Fatalf("forbidden elevation changed role to %s", acc.Role)
	}

	acc, err := env.svc.ElevateToAdmin(ctx, adminIssued.Token, target.ID)
	if err != nil || acc.Role != RoleAdmin {
		t.Fatalf("admin elevation: role=%s err=%v", acc.Role, err)
	}
	_, err = env.svc.ElevateToAdmin(ctx, adminIssued.Token, target.ID)
	wantErr(t, err, ErrAlreadyElevated)
	// malformed ids never reach the store; well-formed unknown ids miss there
	for _, id := range []string{"missing", "", "01-not-a-ulid", ids.New()} {
		_, err = env.svc.ElevateToAdmin(ctx, adminIssued.Token, id)
		wantErr(t, err, ErrNotFound)
	}
	_, err = env.svc.ElevateToAdmin(ctx, ownerIssued.Token, "missing")
	wantErr(t, err, ErrForbidden)
}

func TestSignUpRoles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, _, err := env.svc.SignUp(ctx, "eve@example.com", "Evil-plan1", "Eve", RoleAdmin)
	wantErr(t, err, ErrForbidden)
	if _, err := env.store.AccountByEmail(ctx, "eve@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("admin sign-up must not write, got %v", err)
	}

	_, acc, err := env.svc.SignUp(ctx, "shop@example.com", "Sh0pkeeper", "", RoleBusinessOwner)
	if err != nil || acc.Role != RoleBusinessOwner {
		t.Fatalf("business owner sign-up: role=%s err=%v", acc.Role, err)
	}
	if acc.DisplayName != "shop" {
		t.Fatalf("display name should default to the email local part, got %q", acc.DisplayName)
	}

	_, _, err = env.svc.SignUp(ctx, "x@example.com", "Xylophone1", "X", "wizard")
	wantErr(t, err, ErrInvalidInput)
	_, _, err = env.svc.SignUp(ctx, "not-an-email", "Xylophone1", "X", RoleUser)
	wantErr(t, err, ErrInvalidInput)
}

func TestSignUpRejectedInputStoresNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	long := strings.Repeat("n", 81)

	_, _, err := env.svc.SignUp(ctx, "nina@example.com", "Nina-pass1", long, RoleUser)
	wantErr(t, err, ErrInvalidInput)
	if _, err := env.store.AccountByEmail(ctx, "nina@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected sign-up must not write, got %v", err)
	}
	_, _, err = env.svc.SignIn(ctx, "nina@example.com", "Nina-pass1")
	wantErr(t, err, ErrInvalidCredentials)

	_, _, err = env.svc.SignUp(ctx, "nina@example.com", "Nina-pass1", long, RoleBusinessOwner)
	wantErr(t, err, ErrInvalidInput)

	_, acc, err := env.svc.SignUp(ctx, "nina@example.com", "Nina-pass1", "Nina", RoleBusinessOwner)
	if err != nil {
		t.Fatalf("retry sign up: %v", err)
	}
	if acc.Role != RoleBusinessOwner || acc.DisplayName != "Nina" || acc.ProfileCreatedAt == nil {
		t.Fatalf("account not fully formed: %+v", acc)
	}
	stored, err := env.store.AccountByID(ctx, acc.ID)
	if err != nil || stored.Role != RoleBusinessOwner || stored.ProfileCreatedAt == nil {
		t.Fatalf("stored account: %+v err=%v", stored, err)
	}
}

func TestRegisterThenVerifyAndDuplicate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	acc, err := env.svc.creds.Register(ctx, "frank@example.com", "Frankly1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := env.svc.creds.Verify(ctx, "frank@example.com", "Frankly1")
	if err != nil || id != acc.ID {
		t.Fatalf("verify: id=%q err=%v", id, err)
	}
	_, err = env.svc.creds.Verify(ctx, "frank@example.com", "Frankly2")
	wantErr(t, err, ErrInvalidCredentials)

	for _, pw := range []string{"Frankly1", "Another-one9", "weak"} {
		_, err := env.svc.creds.Register(ctx, " FRANK@example.com ", pw)
		if pw == "weak" {
			wantErr(t, err, ErrWeakPassword)
			continue
		}
		wantErr(t, err, ErrDuplicateEmail)
	}
}

func TestVerifyBackendFailureIsNotInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	store := failingStore{MemoryStore: NewMemoryStore(), err: errors.New("connection refused")}
	svc, err := NewService(store, store.MemoryStore, WithHashParams(testParams), WithResetSecret("s3cret"))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, _, err = svc.SignIn(ctx, "grace@example.com", "Graceful1")
	wantErr(t, err, ErrBackendUnavailable)
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("backend failure leaked as invalid credentials")
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, _, err := env.svc.SignUp(ctx, "heidi@example.com", "Heidi-pass1", "Heidi", "")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	second, _, _ := env.svc.SignIn(ctx, "heidi@example.com", "Heidi-pass1")

	err = env.svc.ChangePassword(ctx, first.Token, "wrong-Pass1", "Heidi-pass2")
	wantErr(t, err, ErrInvalidCredentials)
	err = env.svc.ChangePassword(ctx, first.Token, "Heidi-pass1", "short")
	wantErr(t, err, ErrWeakPassword)

	if err := env.svc.ChangePassword(ctx, first.Token, "Heidi-pass1", "Heidi-pass2"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	for _, tok := range []string{first.Token, second.Token} {
		_, err := env.svc.CurrentAccount(ctx, tok)
		wantErr(t, err, ErrSessionRevoked)
	}
	_, _, err = env.svc.SignIn(ctx, "heidi@example.com", "Heidi-pass1")
	wantErr(t, err, ErrInvalidCredentials)
	if _, _, err := env.svc.SignIn(ctx, "heidi@example.com", "Heidi-pass2"); err != nil {
		t.Fatalf("sign in with new password: %v", err)
	}
}

func TestPasswordResetWorksOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	issued, acc, err := env.svc.SignUp(ctx, "ivan@example.com", "Ivan-pass1", "Ivan", "")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if err := env.svc.RequestPasswordReset(ctx, "IVAN@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	sent := env.mailer.all()
	if len(sent) != 1 || sent[0].to != acc.Email {
		t.Fatalf("expected one mail to %s, got %+v", acc.Email, sent)
	}
	if !strings.HasPrefix(sent[0].link, "https://socoto.test/reset?token=") {
		t.Fatalf("unexpected link %s", sent[0].link)
	}
	link, _ := url.Parse(sent[0].link)
	token := link.Query().Get("token")

	if err := env.svc.ConfirmPasswordReset(ctx, token, "Ivan-pass2"); err != nil {
		t.Fatalf("confirm reset: %v", err)
	}
	_, err = env.svc.CurrentAccount(ctx, issued.Token)
	wantErr(t, err, ErrSessionRevoked)

	err = env.svc.ConfirmPasswordReset(ctx, token, "Ivan-pass3")
	wantErr(t, err, ErrInvalidResetToken)
	if _, _, err := env.svc.SignIn(ctx, "ivan@example.com", "Ivan-pass2"); err != nil {
		t.Fatalf("sign in after reset: %v", err)
	}
}

func TestPasswordResetConcurrentConfirmsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if _, _, err := env.svc.SignUp(ctx, "olga@example.com", "Olga-pass0", "Olga", ""); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	_ = env.svc.RequestPasswordReset(ctx, "olga@example.com")
	link, _ := url.Parse(env.mailer.all()[0].link)
	token := link.Query().Get("token")

	const workers = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = env.svc.ConfirmPasswordReset(ctx, token, "Olga-pass"+string(rune('1'+i)))
		}(i)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range results {
		if err == nil {
			if winner != -1 {
				t.Fatalf("confirms %d and %d both succeeded", winner, i)
			}
			winner = i
			continue
		}
		wantErr(t, err, ErrInvalidResetToken)
	}
	if winner == -1 {
		t.Fatal("no confirm succeeded")
	}
	if _, _, err := env.svc.SignIn(ctx, "olga@example.com", "Olga-pass"+string(rune('1'+winner))); err != nil {
		t.Fatalf("sign in with winning password: %v", err)
	}
}

func TestPasswordResetExpiresAndRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if _, _, err := env.svc.SignUp(ctx, "judy@example.com", "Judy-pass1", "Judy", ""); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	_ = env.svc.RequestPasswordReset(ctx, "judy@example.com")
	link, _ := url.Parse(env.mailer.all()[0].link)
	token := link.Query().Get("token")

	env.clock.Advance(DefaultResetTTL + time.Minute)
	err := env.svc.ConfirmPasswordReset(ctx, token, "Judy-pass2")
	wantErr(t, err, ErrInvalidResetToken)

	err = env.svc.ConfirmPasswordReset(ctx, "not.a.jwt", "Judy-pass2")
	wantErr(t, err, ErrInvalidResetToken)
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, email := range []string{"nobody@example.com", "garbage"} {
		if err := env.svc.RequestPasswordReset(ctx, email); err != nil {
			t.Fatalf("request reset for %q: %v", email, err)
		}
	}
	if sent := env.mailer.all(); len(sent) != 0 {
		t.Fatalf("expected no mail, got %+v", sent)
	}
}

func TestRefreshThroughService(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issued, _, err := env.svc.SignUp(ctx, "kim@example.com", "Kimchi-99", "Kim", "")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	next, err := env.svc.Refresh(ctx, issued.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := env.svc.CurrentAccount(ctx, next.Token); err != nil {
		t.Fatalf("current account with rotated token: %v", err)
	}
	_, err = env.svc.Refresh(ctx, issued.RefreshToken)
	wantErr(t, err, ErrSessionRevoked)
	_, err = env.svc.CurrentAccount(ctx, next.Token)
	wantErr(t, err, ErrSessionRevoked)
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issued, _, _ := env.svc.SignUp(ctx, "leo@example.com", "Leonardo1", "Leo", "")
	if err := env.svc.SignOut(ctx, issued.Token); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	_, err := env.svc.CurrentAccount(ctx, issued.Token)
	wantErr(t, err, ErrSessionRevoked)
	if err := env.svc.SignOut(ctx, issued.Token); err != nil {
		t.Fatalf("repeat sign out: %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	issued, acc, _ := env.svc.SignUp(ctx, "mia@example.com", "Mia-pass12", "Mia", "")
	_, other, _ := env.svc.SignUp(ctx, "ned@example.com", "Ned-pass12", "Ned", "")

	bio := "  Coffee and climbing  "
	updated, err := env.svc.UpdateProfile(ctx, issued.Token, ProfileUpdate{Bio: &bio})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Bio != "Coffee and climbing" || updated.DisplayName != "Mia" {
		t.Fatalf("unexpected profile: %+v", updated)
	}

	blank := "   "
	_, err = env.svc.UpdateProfile(ctx, issued.Token, ProfileUpdate{DisplayName: &blank})
	wantErr(t, err, ErrInvalidInput)
	long := strings.Repeat("x", 501)
	_, err = env.svc.UpdateProfile(ctx, issued.Token, ProfileUpdate{Bio: &long})
	wantErr(t, err, ErrInvalidInput)

	p := Principal{AccountID: acc.ID, Role: RoleUser}
	_, err = env.svc.dir.UpdateProfile(ctx, p, other.ID, ProfileUpdate{Bio: &bio})
	wantErr(t, err, ErrForbidden)
}

func TestCreateProfileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, acc, _ := env.svc.SignUp(ctx, "olga@example.com", "Olga-pass1", "Olga", "")

	again, err := env.svc.dir.CreateProfile(ctx, acc.ID, "Someone Else")
	if err != nil {
		t.Fatalf("create profile again: %v", err)
	}
	if again.DisplayName != "Olga" || !again.ProfileCreatedAt.Equal(*acc.ProfileCreatedAt) {
		t.Fatalf("repeat CreateProfile changed the profile: %+v", again)
	}
	_, err = env.svc.dir.CreateProfile(ctx, "missing", "x")
	wantErr(t, err, ErrNotFound)
}

func TestServiceAuthorize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, acc, _ := env.svc.SignUp(ctx, "pat@example.com", "Patience1", "Pat", "")
	owner, _, _ := env.svc.SignUp(ctx, "quinn@example.com", "Quinn-pass1", "Quinn", RoleBusinessOwner)

	p, err := env.svc.Authorize(ctx, user.Token, ActionBook, "")
	if err != nil || p.AccountID != acc.ID || p.Role != RoleUser {
		t.Fatalf("authorize book: %+v %v", p, err)
	}
	_, err = env.svc.Authorize(ctx, user.Token, ActionCreateCampaign, "")
	wantErr(t, err, ErrForbidden)
	if _, err := env.svc.Authorize(ctx, owner.Token, ActionCreateCampaign, ""); err != nil {
		t.Fatalf("owner create campaign: %v", err)
	}
	_, err = env.svc.Authorize(ctx, owner.Token, ActionReview, acc.ID)
	wantErr(t, err, ErrForbidden)
	if _, err := env.svc.Authorize(ctx, user.Token, ActionReview, acc.ID); err != nil {
		t.Fatalf("owner of resource: %v", err)
	}
	_, err = env.svc.Authorize(ctx, "bogus", ActionBrowse, "")
	wantErr(t, err, ErrSessionNotFound)
}

func TestNewServiceRequiresResetSecret(t *testing.T) {
	store := NewMemoryStore()
	if _, err := NewService(store, store); err == nil {
		t.Fatalf("expected error without reset secret")
	}
	if _, err := NewService(store, store, WithResetSecret("x"), WithAccessTTL(2*time.Hour), WithRefreshTTL(time.Hour)); err == nil {
		t.Fatalf("expected error when refresh ttl is shorter than access ttl")
	}
}

func TestMessageAndCode(t *testing.T) {
	wrapped := backendErr(errors.New("dial tcp: refused"))
	if !errors.Is(wrapped, ErrBackendUnavailable) || Code(wrapped) != "backend_unavailable" {
		t.Fatalf("unexpected backend wrap: %v", wrapped)
	}
	if backendErr(ErrNotFound) != ErrNotFound {
		t.Fatalf("domain errors must pass through unchanged")
	}
	if Message(ErrWeakPassword) == Message(ErrInvalidCredentials) {
		t.Fatalf("messages should differ per error")
	}
	if Code(nil) != "ok" || Message(nil) != "" {
		t.Fatalf("nil error mapping")
	}
}
