/*
auth.go - Actor resolution and authorization checks

PURPOSE:
  The settlement gateway is an authorization boundary: administrators
  decide orders, buyers submit proof for and read their own orders.
  This file resolves a bearer token into an Actor (id + role), stores
  it in the request context, and provides the checks handlers apply
  before forwarding to the lifecycle engine.

MODEL:
  - Role "admin":  may approve/reject/refund any order, list queues,
                   read reports
  - Role "buyer":  may create orders, submit proof for and read orders
                   they own

  Admins may also read any order (support/debugging).

TOKENS:
  Authenticator is an interface; the default StaticAuthenticator is a
  fixed token table, which is all a single-tenant deployment needs.
  Swapping in a real identity provider changes nothing downstream
  because handlers only ever see the Actor.

SEE ALSO:
  - handlers.go: Where the checks are applied
  - server.go: Middleware wiring
*/
package api

import (
	"context"
	"net/http"
	"strings"
)

// =============================================================================
// ACTOR - Authenticated caller
// =============================================================================

type Role string

const (
	RoleAdmin Role = "admin"
	RoleBuyer Role = "buyer"
)

type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Owns reports whether the actor owns the given resource owner id.
func (a Actor) Owns(ownerID string) bool { return a.ID == ownerID }

// =============================================================================
// AUTHENTICATOR
// =============================================================================

// Authenticator resolves a bearer token to an actor.
type Authenticator interface {
	Resolve(token string) (Actor, bool)
}

// StaticAuthenticator is a fixed token table.
type StaticAuthenticator struct {
	tokens map[string]Actor
}

func NewStaticAuthenticator(tokens map[string]Actor) *StaticAuthenticator {
	return &StaticAuthenticator{tokens: tokens}
}

func (s *StaticAuthenticator) Resolve(token string) (Actor, bool) {
	a, ok := s.tokens[token]
	return a, ok
}

// =============================================================================
// CONTEXT PLUMBING
// =============================================================================

type contextKey string

const actorKey contextKey = "actor"

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// WithActor returns a context carrying the actor. Exported for tests.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Authenticate resolves the Authorization bearer token and rejects
// requests without a valid one. Every route behind the gateway requires
// an identity; there are no anonymous reads.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			actor, ok := auth.Resolve(token)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unknown token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireAdmin gates the admin route group.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok || !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "Administrator privilege required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
