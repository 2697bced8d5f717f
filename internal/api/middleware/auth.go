package middleware

import (
	"context"
	"net/http"

	"github.com/sner-project/sner/internal/api/response"
	"github.com/sner-project/sner/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Auth provides authentication and role-checking middleware.
type Auth struct {
	store store.Store
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Authenticate validates the X-API-KEY header, looks up the API key and
// sets role, key prefix and api networks in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get("X-API-KEY")
		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		prefix := rawKey[:keyPrefixLen]
		keys, err := a.store.GetAPIKeysByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "internal error")
			return
		}

		// Find matching key by bcrypt comparison
		var matched bool
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				ctx := r.Context()
				ctx = setRole(ctx, key.Role)
				ctx = setKeyPrefix(ctx, prefix)
				ctx = SetAPINetworks(ctx, key.APINetworks)
				r = r.WithContext(ctx)
				matched = true

				// Update last_used_at async
				go a.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that checks whether the authenticated
// API key carries one of the given roles.
func (a *Auth) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := getRole(r)
			if ok {
				for _, allowed := range roles {
					if role == allowed {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			response.Error(w, http.StatusForbidden, "forbidden")
		})
	}
}
