package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningSecret = []byte("test-signing-secret")

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: testSigningSecret,
		CookieName:    "inkwell_session",
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return validator
}

func signToken(t *testing.T, secret []byte, claims SessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func validClaims() SessionClaims {
	return SessionClaims{
		UserDisplayName: "Ada Lovelace",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Unix(1700003600, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Unix(1699999999, 0)),
		},
	}
}

func TestValidateTokenReturnsPrincipal(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, testSigningSecret, validClaims())

	principal, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if principal.Subject != "user-42" {
		t.Fatalf("wrong subject: %q", principal.Subject)
	}
	if principal.DisplayName != "Ada Lovelace" {
		t.Fatalf("wrong display name: %q", principal.DisplayName)
	}
}

func TestValidateTokenFallsBackToSubjectForDisplayName(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.UserDisplayName = "  "
	token := signToken(t, testSigningSecret, claims)

	principal, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if principal.DisplayName != "user-42" {
		t.Fatalf("expected subject fallback, got %q", principal.DisplayName)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Unix(1699990000, 0))
	token := signToken(t, testSigningSecret, claims)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, []byte("some-other-secret"), validClaims())

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsMissingSubject(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.Subject = ""
	token := signToken(t, testSigningSecret, claims)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected ErrMissingSessionSubject, got %v", err)
	}
}

func TestValidateTokenRejectsEmptyToken(t *testing.T) {
	validator := newTestValidator(t)
	if _, err := validator.ValidateToken("   "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}

func TestValidateTokenEnforcesIssuerWhenConfigured(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: testSigningSecret,
		CookieName:    "inkwell_session",
		Issuer:        "inkwell-idp",
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	claims := validClaims()
	claims.Issuer = "someone-else"
	token := signToken(t, testSigningSecret, claims)
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken for wrong issuer, got %v", err)
	}

	claims.Issuer = "inkwell-idp"
	token = signToken(t, testSigningSecret, claims)
	if _, err := validator.ValidateToken(token); err != nil {
		t.Fatalf("matching issuer rejected: %v", err)
	}
}

func TestValidateRequestPrefersAuthorizationHeader(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, testSigningSecret, validClaims())

	request := httptest.NewRequest(http.MethodGet, "/ws", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	request.AddCookie(&http.Cookie{Name: "inkwell_session", Value: "not-a-token"})

	principal, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validate request failed: %v", err)
	}
	if principal.Subject != "user-42" {
		t.Fatalf("wrong subject: %q", principal.Subject)
	}
}

func TestValidateRequestFallsBackToCookie(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, testSigningSecret, validClaims())

	request := httptest.NewRequest(http.MethodGet, "/ws", nil)
	request.AddCookie(&http.Cookie{Name: "inkwell_session", Value: token})

	principal, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validate request failed: %v", err)
	}
	if principal.Subject != "user-42" {
		t.Fatalf("wrong subject: %q", principal.Subject)
	}
}

func TestValidateRequestWithoutCredentials(t *testing.T) {
	validator := newTestValidator(t)
	request := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}
