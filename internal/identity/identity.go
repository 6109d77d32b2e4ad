package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthenticated means the presented token could not be verified.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

// Verifier checks a bearer token and returns the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// SupabaseVerifier validates tokens against the Supabase auth endpoint.
type SupabaseVerifier struct {
	url     string
	anonKey string
	client  *http.Client
}

func NewSupabaseVerifier(url, anonKey string) *SupabaseVerifier {
	return &SupabaseVerifier{
		url:     url,
		anonKey: anonKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type supabaseUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.anonKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}

	var user supabaseUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}

	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return nil, fmt.Errorf("auth returned invalid user id %q: %w", user.ID, err)
	}

	return &Identity{UserID: userID, Email: user.Email}, nil
}
