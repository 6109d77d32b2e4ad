package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/reelmint/reelmint/internal/identity"
	"github.com/reelmint/reelmint/internal/models"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserStore provisions the local account row for a verified identity.
type UserStore interface {
	EnsureUser(ctx context.Context, id uuid.UUID, email string, signupGrant int64) (*models.User, error)
}

// BearerAuth validates the Authorization: Bearer token, provisions the
// local user on first sight (with the signup token grant), and stores the
// user ID in the request context.
func BearerAuth(verifier identity.Verifier, users UserStore, signupGrant int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader || token == "" {
				respondError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			ident, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrUnauthenticated) {
					respondError(w, http.StatusUnauthorized, "Invalid or expired token")
					return
				}
				log.Printf("[Auth] verification error: %v", err)
				respondError(w, http.StatusServiceUnavailable, "Authentication unavailable")
				return
			}

			// The signup grant is ledgered inside EnsureUser, keyed on the
			// user ID, so racing first requests can't double grant.
			if _, err := users.EnsureUser(r.Context(), ident.UserID, ident.Email, signupGrant); err != nil {
				log.Printf("[Auth] failed to ensure user %s: %v", ident.UserID, err)
				respondError(w, http.StatusInternalServerError, "Failed to load account")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, ident.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// currentUserID returns the authenticated user set by BearerAuth.
func currentUserID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userIDKey).(uuid.UUID)
	return id
}
