// Package auth verifies bearer tokens and resolves the acting user. Every
// API mutation receives an explicit actor; nothing below the HTTP layer
// consults ambient authentication state.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/fleetcfg/fleetcfg/internal/device"
)

// Claims is the token payload for fleetcfg users.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Manager issues and verifies HS256 tokens.
type Manager struct {
	secret  []byte
	enabled bool
	logger  *logrus.Logger
}

// NewManager creates an auth manager. When enabled is false every request is
// treated as an anonymous admin, which is only suitable for development.
func NewManager(secret string, enabled bool, logger *logrus.Logger) *Manager {
	return &Manager{secret: []byte(secret), enabled: enabled, logger: logger}
}

// Enabled reports whether token verification is enforced.
func (m *Manager) Enabled() bool { return m.enabled }

// IssueToken signs a token for actor with the given lifetime.
func (m *Manager) IssueToken(actor device.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  actor.Name,
		Admin: actor.IsAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Authenticate verifies tokenString and returns the actor it names.
func (m *Manager) Authenticate(tokenString string) (device.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return device.Actor{}, device.WrapError(device.ErrAuth, err, "invalid token")
	}
	if claims.Subject == "" {
		return device.Actor{}, device.NewError(device.ErrAuth, "token has no subject")
	}
	return device.Actor{ID: claims.Subject, Name: claims.Name, IsAdmin: claims.Admin}, nil
}

type contextKey struct{}

// ActorFrom returns the authenticated actor stored in ctx.
func ActorFrom(ctx context.Context) (device.Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(device.Actor)
	return actor, ok
}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor device.Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

// Middleware authenticates the request's bearer token and stores the actor
// in the request context. Unauthenticated requests get 401.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), device.Actor{ID: "anonymous", IsAdmin: true})))
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		actor, err := m.Authenticate(token)
		if err != nil {
			m.logger.WithError(err).Debug("Token rejected")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
