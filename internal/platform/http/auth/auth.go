// Package auth verifies HS256 bearer tokens and gates protected routes.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vendorflow/vendorflow/internal/api"
	"github.com/vendorflow/vendorflow/internal/platform/appctx"
	"github.com/vendorflow/vendorflow/internal/platform/logutil"
)

var (
	ErrNoSecret     = errors.New("auth: jwt secret is empty")
	ErrNoSubject    = errors.New("auth: token has no subject")
)

// Tokens signs and verifies bearer tokens whose sub claim is the user id.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokens returns a signer/verifier for secret. An empty issuer skips the
// iss check.
func NewTokens(secret, issuer string) (*Tokens, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Mint issues a token for userID. A zero ttl produces a token without exp.
func (t *Tokens) Mint(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrNoSubject
	}
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		Issuer:   t.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks signature, expiry and issuer and returns the subject.
func (t *Tokens) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if claims.Subject == "" {
		return "", ErrNoSubject
	}
	return claims.Subject, nil
}

// AuthGateConfig configures the bearer auth gate middleware.
type AuthGateConfig struct {
	// RequireAuth reports whether the request needs a bearer token.
	// Constructed by the server from its route group table.
	RequireAuth func(r *http.Request) bool

	// Log is the base logger for auth-related warnings.
	Log *slog.Logger

	Tokens *Tokens
}

// NewAuthGate returns a middleware that enforces bearer authentication.
// If RequireAuth returns false the request passes through untouched.
// On success the user id is stored with appctx.WithUserID.
func NewAuthGate(cfg AuthGateConfig) func(http.Handler) http.Handler {
	cfg.Log = logutil.NoopIfNil(cfg.Log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			raw := extractBearer(r)
			if raw == "" {
				api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
				return
			}

			userID, err := cfg.Tokens.Verify(raw)
			if err != nil {
				appctx.GetLogger(r.Context()).Debug("bearer token rejected", "error", err)
				api.WriteUnauthorized(w, api.ReasonInvalidToken, "invalid or expired token")
				return
			}

			ctx := appctx.WithUserID(r.Context(), userID)
			// Enrich handler logger with user_id (not used by access log, handler-only)
			reqLogger := appctx.GetLogger(ctx).With("user_id", userID)
			ctx = appctx.WithLogger(ctx, reqLogger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearer gets the token from the Authorization header.
func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
