package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ContextKey is used to store values in request context
type ContextKey string

const (
	// AgentContextKey holds the *Claims of the authenticated agent.
	AgentContextKey ContextKey = "agent"
)

// Middleware validates the Bearer session token on agent routes and puts
// the agent claims on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		// Expect format: "Bearer <token>"
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			http.Error(w, "Authorization header must be in format 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := s.ValidateToken(tokenParts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentFromContext retrieves the authenticated agent claims.
func AgentFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(AgentContextKey).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("agent not found in context")
	}
	return claims, nil
}
