package middleware

import (
	"context"
	"net/http"
	"strings"
)

type identityKey struct{}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// Auth rejects requests without a valid bearer token.
type Auth struct {
	auth Authenticator
}

// NewAuth creates a new Auth middleware.
func NewAuth(auth Authenticator) *Auth {
	return &Auth{auth: auth}
}

// Intercept validates the Authorization header and stores the user id in the
// request context.
func (a *Auth) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := a.auth.Authenticate(token)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, userID)))
	})
}

// Identity returns the user id Auth stored in ctx.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}
