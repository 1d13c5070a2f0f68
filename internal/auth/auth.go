// Package auth resolves the diary owner of an HTTP request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	applog "booklog/internal/log"
)

// DevUserHeader carries the user id when no JWT secret is configured.
const DevUserHeader = "X-User-ID"

var ErrUnauthorized = errors.New("unauthorized")

type contextKey struct{}

// Authenticator verifies HS256 bearer tokens issued by the external auth
// provider. Without a secret it trusts DevUserHeader, which is only meant for
// local development.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Authenticator)

// WithIssuer rejects tokens whose iss claim differs.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) { a.issuer = issuer }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func New(secret string, opts ...Option) *Authenticator {
	a := &Authenticator{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DevMode reports whether requests are trusted via DevUserHeader.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// UserID returns the authenticated user of r or an error wrapping ErrUnauthorized.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	if a.DevMode() {
		id := strings.TrimSpace(r.Header.Get(DevUserHeader))
		if id == "" {
			return "", fmt.Errorf("%w: missing %s header", ErrUnauthorized, DevUserHeader)
		}
		return id, nil
	}

	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	return a.Verify(strings.TrimSpace(token))
}

// Verify checks the signature and registered claims of token and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. It backs booklogctl and the tests; production
// tokens come from the auth provider.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	if a.DevMode() {
		return "", errors.New("no JWT secret configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Middleware stores the user id in the request context. Requests that fail
// authentication are answered by onFail.
func (a *Authenticator) Middleware(onFail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.UserID(r)
			if err != nil {
				applog.FromContext(r.Context()).WithComponent(applog.ComponentAuth).
					DebugContext(r.Context(), "Request rejected", "path", r.URL.Path, applog.FieldError, err)
				onFail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the id stored by Middleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}
