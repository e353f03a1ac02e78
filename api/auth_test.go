package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   sub,
		"aud":   "authenticated",
		"iss":   "https://issuer/",
		"email": sub + "@example.com",
		"exp":   time.Now().Add(5 * time.Minute).Unix(),
		"nbf":   time.Now().Add(-time.Minute).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
}

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth(nil, AuthOptions{
		Audience:    "authenticated",
		Issuer:      "https://issuer/",
		LocalMode:   "hs256",
		LocalSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	return a
}

func TestNewAuthRequiresKeys(t *testing.T) {
	if _, err := NewAuth(nil, AuthOptions{}); err == nil {
		t.Fatalf("expected error without jwks")
	}
	if _, err := NewAuth(nil, AuthOptions{LocalMode: "hs256"}); err == nil {
		t.Fatalf("expected error without shared secret")
	}
	if _, err := NewAuth(nil, AuthOptions{LocalMode: "none", LocalSecret: "x"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestIdentityFromTokenHS256(t *testing.T) {
	claims := validClaims("user-123")
	claims["user_metadata"] = map[string]any{"full_name": "Ada Lovelace"}
	signed := signTestToken(t, claims)

	id, err := newTestAuth(t).IdentityFromToken(signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if id.UserID != "user-123" || id.Email != "user-123@example.com" || id.Name != "Ada Lovelace" {
		t.Fatalf("unexpected identity: %#v", id)
	}
}

func TestIdentityFromTokenNearExpiryAndSkew(t *testing.T) {
	auth := newTestAuth(t)

	nearExpiry := validClaims("user-1")
	nearExpiry["exp"] = time.Now().Add(30 * time.Second).Unix()
	skewedNbf := validClaims("user-1")
	skewedNbf["nbf"] = time.Now().Add(30 * time.Second).Unix()
	skewedNbf["iat"] = time.Now().Add(30 * time.Second).Unix()

	for name, claims := range map[string]jwt.MapClaims{"exp in 30s": nearExpiry, "nbf and iat within skew": skewedNbf} {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.IdentityFromToken(signTestToken(t, claims)); err != nil {
				t.Fatalf("expected token to be accepted: %v", err)
			}
		})
	}
}

func TestIdentityFromTokenRejects(t *testing.T) {
	auth := newTestAuth(t)

	expired := validClaims("u")
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	noSub := validClaims("")
	wrongAud := validClaims("u")
	wrongAud["aud"] = "someone-else"
	wrongIss := validClaims("u")
	wrongIss["iss"] = "https://evil/"
	noExp := validClaims("u")
	delete(noExp, "exp")
	justExpired := validClaims("u")
	justExpired["exp"] = time.Now().Add(-2 * time.Second).Unix()
	futureNbf := validClaims("u")
	futureNbf["nbf"] = time.Now().Add(5 * time.Minute).Unix()

	cases := map[string]string{
		"expired":         signTestToken(t, expired),
		"missing sub":     signTestToken(t, noSub),
		"wrong audience":  signTestToken(t, wrongAud),
		"wrong issuer":    signTestToken(t, wrongIss),
		"missing exp":     signTestToken(t, noExp),
		"just expired":    signTestToken(t, justExpired),
		"nbf beyond skew": signTestToken(t, futureNbf),
		"garbage":         "a.b.c",
		"empty":           "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if id, err := auth.IdentityFromToken(token); err == nil {
				t.Fatalf("expected rejection, got %#v", id)
			}
		})
	}

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("u"))
	signed, err := other.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.IdentityFromToken(signed); err == nil {
		t.Fatalf("expected rejection for foreign signature")
	}
}

func TestBearerTokenFromString(t *testing.T) {
	token, err := bearerTokenFromString("  Bearer header.payload.signature ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
	if _, err := bearerTokenFromString("Bearer " + strings.Repeat(".", 1000)); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerTokenFromString("Basic dXNlcjpwYXNz"); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerTokenFromString("   "); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestSessionTokenPrefersCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/rpc/task.getAll?token=q.q.q", nil)
	req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: "c.c.c"})
	req.Header.Set("Authorization", "Bearer h.h.h")

	tok, err := sessionToken(req, "sb-access-token", true)
	if err != nil || tok != "c.c.c" {
		t.Fatalf("expected cookie token, got %q %v", tok, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/rpc/task.getAll?token=q.q.q", nil)
	req.Header.Set("Authorization", "Bearer h.h.h")
	if tok, _ := sessionToken(req, "sb-access-token", true); tok != "h.h.h" {
		t.Fatalf("expected header token, got %q", tok)
	}

	req = httptest.NewRequest(http.MethodGet, "/rpc/stream?token=q.q.q", nil)
	if tok, _ := sessionToken(req, "sb-access-token", true); tok != "q.q.q" {
		t.Fatalf("expected query token, got %q", tok)
	}
	if _, err := sessionToken(req, "sb-access-token", false); err != errMissingAuthorization {
		t.Fatalf("query token must be ignored outside the stream, got %v", err)
	}
}
