package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// Principal is the opaque identity the identity provider attaches to a
// connection. The collaboration core never issues or verifies credentials
// itself; it only consumes this.
type Principal struct {
	Subject     string
	DisplayName string
}

// SessionClaims mirrors the JWT payload emitted by the identity provider.
type SessionClaims struct {
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to decode identity-provider session
// tokens into principals.
type SessionValidatorConfig struct {
	SigningSecret []byte
	CookieName    string
	Issuer        string
	Clock         func() time.Time
}

// SessionValidator turns HS256 session tokens into principals. It is the in-
// process adapter for the external identity provider collaborator.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	issuer        string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		issuer:        strings.TrimSpace(cfg.Issuer),
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied token string and returns the principal
// it carries.
func (v *SessionValidator) ValidateToken(tokenString string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredSessionToken
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Principal{}, ErrInvalidSessionToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Principal{}, ErrInvalidSessionToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Principal{}, ErrMissingSessionSubject
	}

	displayName := strings.TrimSpace(claims.UserDisplayName)
	if displayName == "" {
		displayName = subject
	}
	return Principal{Subject: subject, DisplayName: displayName}, nil
}

// ValidateRequest extracts the session token from the Authorization header or,
// failing that, the configured cookie, and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Principal, error) {
	if r == nil {
		return Principal{}, ErrMissingSessionToken
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return Principal{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
