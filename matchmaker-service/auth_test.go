package main

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func TestAuthenticateFromHeader(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{
		"sub":      "u1",
		"username": "ana",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	r := httptest.NewRequest("POST", "/queue", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	user, err := authenticate(r, testSecret)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.ID != "u1" || user.Username != "ana" {
		t.Errorf("Expected u1/ana, got %+v", user)
	}
}

func TestAuthenticateFromQueryParam(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{"sub": "u2"})

	r := httptest.NewRequest("GET", "/events?token="+signed, nil)

	user, err := authenticate(r, testSecret)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if user.ID != "u2" {
		t.Errorf("Expected u2, got %q", user.ID)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	signed := signToken(t, []byte("other-secret"), jwt.MapClaims{"sub": "u1"})

	r := httptest.NewRequest("POST", "/queue", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	if _, err := authenticate(r, testSecret); err == nil {
		t.Error("Expected rejection for a token signed with the wrong secret")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	r := httptest.NewRequest("POST", "/queue", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	if _, err := authenticate(r, testSecret); err == nil {
		t.Error("Expected rejection for an expired token")
	}
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	signed := signToken(t, testSecret, jwt.MapClaims{"username": "ana"})

	r := httptest.NewRequest("POST", "/queue", nil)
	r.Header.Set("Authorization", "Bearer "+signed)

	if _, err := authenticate(r, testSecret); err == nil {
		t.Error("Expected rejection for a token without a subject")
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/queue", nil)
	if _, err := authenticate(r, testSecret); err != nil && err != errUnauthorized {
		t.Errorf("Expected errUnauthorized, got %v", err)
	} else if err == nil {
		t.Error("Expected an error for a missing token")
	}
}
