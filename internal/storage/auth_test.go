package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

func TestCreateUserHashesPassword(t *testing.T) {
	store := newTestStore(t)
	password := "hunter42!"
	user, err := store.CreateUser(context.Background(), CreateUserParams{
		DisplayName: "Viewer",
		Email:       "viewer@example.com",
		Password:    password,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.PasswordHash == "" || user.PasswordHash == password {
		t.Fatal("expected password hash to be stored and differ from the password")
	}
	parts := strings.Split(user.PasswordHash, "$")
	if len(parts) != 5 {
		t.Fatalf("unexpected hash format: %s", user.PasswordHash)
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		t.Fatalf("unexpected hash identifiers: %v", parts[:2])
	}
	if parts[2] != strconv.Itoa(passwordHashIterations) {
		t.Fatalf("expected iteration count %d, got %s", passwordHashIterations, parts[2])
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		t.Fatalf("decode salt: %v", err)
	}
	if len(salt) != passwordHashSaltLength {
		t.Fatalf("expected salt length %d, got %d", passwordHashSaltLength, len(salt))
	}
	derived, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		t.Fatalf("decode derived key: %v", err)
	}
	if len(derived) != passwordHashKeyLength {
		t.Fatalf("expected key length %d, got %d", passwordHashKeyLength, len(derived))
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		t.Fatalf("verifyPassword: %v", err)
	}
}

func TestVerifyPasswordRejectsMalformedHashes(t *testing.T) {
	cases := map[string]string{
		"too few parts":      "pbkdf2$sha256$1000",
		"wrong algorithm":    "bcrypt$sha256$1000$c2FsdA$a2V5",
		"bad iterations":     "pbkdf2$sha256$zero$c2FsdA$a2V5",
		"negative iteration": "pbkdf2$sha256$-5$c2FsdA$a2V5",
		"bad salt":           "pbkdf2$sha256$1000$***$a2V5",
	}
	for name, hash := range cases {
		t.Run(name, func(t *testing.T) {
			err := verifyPassword(hash, "whatever")
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected format error, got %v", err)
			}
		})
	}
}

func TestNormalizeRoles(t *testing.T) {
	got := normalizeRoles([]string{" User", "ADMIN", "user", ""})
	want := []string{"admin", "user"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if roles := normalizeRoles([]string{" ", ""}); roles != nil {
		t.Fatalf("expected nil roles, got %v", roles)
	}
}

func TestSetUserPasswordValidatesLength(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "viewer@example.com")

	_, err := store.SetUserPassword(context.Background(), user.ID, "short")
	var validation ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error for short password, got %v", err)
	}
	if _, err := store.SetUserPassword(context.Background(), "missing", "long-enough"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestNormalizeEmailFoldsCaseAndWidth(t *testing.T) {
	cases := map[string]string{
		"  Alice@Example.COM ": "alice@example.com",
		"ＢＯＢ@example.com":      "bob@example.com",
		"":                     "",
	}
	for input, want := range cases {
		if got := normalizeEmail(input); got != want {
			t.Fatalf("normalizeEmail(%q): expected %q, got %q", input, want, got)
		}
	}
}
