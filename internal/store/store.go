// Package store persists issued token pairs so that a restarted or scaled-out
// bridge can resume without a new seller authorization.
package store

import (
	"context"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/token"
)

// DefaultRetention applies when a pair carries no expiry information.
const DefaultRetention = 30 * 24 * time.Hour

// TokenStore holds the current token pair for each app key.
type TokenStore interface {
	// Load returns the stored pair, and whether one was found.
	Load(ctx context.Context, appKey string) (token.State, bool, error)

	// Save replaces the stored pair.
	Save(ctx context.Context, appKey string, state token.State) error

	// Delete removes the stored pair.
	Delete(ctx context.Context, appKey string) error

	// Close releases any resources held by the store.
	Close() error
}

// retention is how long a pair remains useful: until the refresh token
// expires, or failing that the access token.
func retention(s token.State, now time.Time) time.Duration {
	until := s.RefreshExpiresAt
	if until.IsZero() {
		until = s.ExpiresAt
	}
	if until.IsZero() {
		return DefaultRetention
	}
	return max(until.Sub(now), time.Second)
}
