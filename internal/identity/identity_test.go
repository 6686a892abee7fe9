package identity

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"pkt.systems/jitterm/internal/apperr"
	"pkt.systems/jitterm/internal/principal"
)

func TestUserLifecycle(t *testing.T) {
	store := NewUserStore()
	created, err := CreateUser(store, CreateUserOptions{Username: "alice", Role: principal.RoleSuperAdmin})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if created.Password == "" {
		t.Fatalf("expected generated password")
	}
	if created.TOTPSecret != "" {
		t.Fatalf("TOTP should not be enrolled unless requested")
	}
	if created.User.ID == "" || created.User.Role != principal.RoleSuperAdmin {
		t.Fatalf("CreateUser() user = %+v", created.User)
	}
	if _, err := CreateUser(store, CreateUserOptions{Username: "alice"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate CreateUser = %v", err)
	}
	if _, err := CreateUser(store, CreateUserOptions{Username: "bob", Role: "root"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("CreateUser bad role = %v", err)
	}

	rotated, err := RotateUserTOTP(store, "alice")
	if err != nil {
		t.Fatalf("RotateUserTOTP: %v", err)
	}
	if rotated.TOTPSecret == "" || rotated.TOTPURL == "" {
		t.Fatalf("expected totp details")
	}

	changed, err := ChangeUserPassword(store, "alice", "s3cret")
	if err != nil {
		t.Fatalf("ChangeUserPassword: %v", err)
	}
	if changed.Password != "s3cret" {
		t.Fatalf("Password = %q, want s3cret", changed.Password)
	}

	if _, err := DeleteUser(store, "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := DeleteUser(store, "alice"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("second DeleteUser = %v", err)
	}
}

func TestAuthenticatorLogin(t *testing.T) {
	store := NewUserStore()
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	plain, _ := CreateUser(store, CreateUserOptions{Username: "ops", Role: principal.RoleAdmin, Password: "pw"})
	withTOTP, _ := CreateUser(store, CreateUserOptions{Username: "root", Role: principal.RoleSuperAdmin, Password: "pw", TOTP: true})
	auth := &Authenticator{Users: store, Now: func() time.Time { return now }}

	p, err := auth.Login("ops", "pw", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if p.ID != plain.User.ID || p.Role != principal.RoleAdmin || p.AuthType != principal.AuthSession {
		t.Fatalf("Login() = %+v", p)
	}
	if _, err := auth.Login("ops", "wrong", ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("Login wrong password = %v", err)
	}
	if _, err := auth.Login("ghost", "pw", ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("Login unknown user = %v", err)
	}

	if _, err := auth.Login("root", "pw", ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("Login without code = %v", err)
	}
	code, err := totp.GenerateCode(withTOTP.TOTPSecret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, err := auth.Login("root", "pw", code); err != nil {
		t.Fatalf("Login with code: %v", err)
	}
}

func TestVerifyPasswordByPrincipal(t *testing.T) {
	store := NewUserStore()
	created, _ := CreateUser(store, CreateUserOptions{Username: "ops", Role: principal.RoleSuperAdmin, Password: "pw"})
	auth := NewAuthenticator(store)

	if err := auth.VerifyPassword(created.User.Principal(), "pw", ""); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := auth.VerifyPassword(created.User.Principal(), "nope", ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("VerifyPassword wrong = %v", err)
	}
	if err := auth.VerifyPassword(principal.Principal{ID: "missing"}, "pw", ""); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("VerifyPassword unknown = %v", err)
	}
}

func TestHeaderResolver(t *testing.T) {
	req := httptest.NewRequest("GET", "/status", nil)
	if _, ok := (HeaderResolver{}).Resolve(req); ok {
		t.Fatalf("expected no principal without headers")
	}
	req.Header.Set(HeaderUserID, "42")
	req.Header.Set(HeaderUserName, "Father Ted")
	req.Header.Set(HeaderRole, string(principal.RoleSuperAdmin))
	p, ok := (HeaderResolver{}).Resolve(req)
	if !ok || p.ID != "42" || p.Name != "Father Ted" || !p.IsSuper() {
		t.Fatalf("Resolve() = %+v, %v", p, ok)
	}
	req.Header.Set(HeaderRole, "emperor")
	if _, ok := (HeaderResolver{}).Resolve(req); ok {
		t.Fatalf("unknown role must not resolve")
	}
}

func TestReloadUsersFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store := NewUserStore()
	store.Upsert(User{ID: "u1", Username: "alice", PasswordHash: "old", Role: principal.RoleAdmin})
	if err := store.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	updated := NewUserStore()
	updated.Upsert(User{ID: "u1", Username: "alice", PasswordHash: "new", Role: principal.RoleSuperAdmin})
	if err := updated.Save(path); err != nil {
		t.Fatalf("Save updated: %v", err)
	}
	if err := store.ReloadFromDisk(path); err != nil {
		t.Fatalf("ReloadFromDisk: %v", err)
	}
	reloaded, ok := store.GetByID("u1")
	if !ok || reloaded.PasswordHash != "new" || reloaded.Role != principal.RoleSuperAdmin {
		t.Fatalf("reloaded = %+v, %v", reloaded, ok)
	}
}

func TestUserReloadLoopDetectsContentChangeSameMtime(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(dir, "users.json")

	store := NewUserStore()
	store.Upsert(User{ID: "u1", Username: "alice", PasswordHash: "old"})
	if err := store.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := startUserReloadLoop(ctx, path, store, nil, 10*time.Millisecond); err != nil {
		t.Fatalf("startUserReloadLoop: %v", err)
	}

	updated := NewUserStore()
	updated.Upsert(User{ID: "u1", Username: "alice", PasswordHash: "new"})
	if err := updated.Save(path); err != nil {
		t.Fatalf("Save updated: %v", err)
	}
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("Chtimes updated: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		loaded, ok := store.Get("alice")
		if ok && loaded.PasswordHash == "new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reload with updated password hash")
}
