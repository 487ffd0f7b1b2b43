// Package middleware provides HTTP middleware for the strategy API
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/strategy_layer/internal/chain"
	apperr "github.com/R3E-Network/strategy_layer/internal/errors"
	"github.com/R3E-Network/strategy_layer/internal/httputil"
	"github.com/R3E-Network/strategy_layer/pkg/logger"
)

type ctxKey int

const callerKey ctxKey = iota

// Claims are the JWT claims accepted by the API. The subject is the
// caller's address.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies HS256 bearer tokens and puts the caller address
// in the request context.
type AuthMiddleware struct {
	secret    []byte
	logger    *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the authentication middleware. Requests to
// skipPaths pass through unauthenticated.
func NewAuthMiddleware(secret []byte, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{secret: secret, logger: log, skipPaths: skip}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, apperr.Wrap(apperr.ErrUnauthorized, "missing Authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.respondError(w, r, apperr.Wrap(apperr.ErrUnauthorized, "invalid Authorization header format"))
			return
		}

		caller, err := m.validateToken(parts[1])
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		m.logger.WithField("caller", chain.Hex(caller)).
			WithField("path", r.URL.Path).
			Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// validateToken checks the signature and expiry and resolves the subject.
func (m *AuthMiddleware) validateToken(tokenString string) (chain.Address, error) {
	if len(m.secret) == 0 {
		return chain.ZeroAddress, apperr.Wrap(apperr.ErrUnauthorized, "authentication is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return chain.ZeroAddress, apperr.WithCause(apperr.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return chain.ZeroAddress, apperr.Wrap(apperr.ErrUnauthorized, "token has no subject")
	}
	caller, err := chain.ParseAddress(claims.Subject)
	if err != nil {
		return chain.ZeroAddress, apperr.WithCause(apperr.ErrUnauthorized, err)
	}
	return caller, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.WithError(err).
		WithField("path", r.URL.Path).
		WithField("method", r.Method).
		Warn("authentication failed")
	httputil.WriteError(w, err)
}

// IssueToken signs a token for caller. Used by operators and tests.
func IssueToken(secret []byte, caller chain.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   chain.FormatAddress(caller),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, caller chain.Address) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the authenticated caller.
func CallerFrom(ctx context.Context) (chain.Address, bool) {
	caller, ok := ctx.Value(callerKey).(chain.Address)
	return caller, ok
}

// RequireCaller rejects requests that carry no authenticated caller.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := CallerFrom(r.Context()); !ok {
			httputil.WriteError(w, apperr.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
