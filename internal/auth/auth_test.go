package auth

import (
	"errors"
	"testing"
	"time"
)

func TestNewVerifierRejectsEmptySecret(t *testing.T) {
	if _, err := NewVerifier(""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Issue("user-1", []string{"proj-a", "proj-b"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !claims.ProjectAccess("proj-a") || claims.ProjectAccess("proj-z") {
		t.Fatal("unexpected project access result")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v1, _ := NewVerifier("secret-one")
	v2, _ := NewVerifier("secret-two")
	token, _ := v1.Issue("user-1", nil, time.Hour)
	if _, err := v2.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	token, _ := v.Issue("user-1", nil, -time.Minute)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	if _, err := v.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
