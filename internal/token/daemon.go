package token

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefreshPolicy controls the background refresh loop.
type RefreshPolicy struct {
	// Interval between checks.
	Interval time.Duration
	// BeforeExpiry is how long before access token expiry a refresh is made.
	BeforeExpiry time.Duration
}

// PeriodicRefresh runs a background loop that refreshes the token pair when
// it is marked expired or is close to expiry. Panics are recovered in the
// refresh function. The loop exits when the context is cancelled.
func PeriodicRefresh(ctx context.Context, m *Manager, policy RefreshPolicy) {
	interval := policy.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	for {
		refreshIfDue(ctx, m, policy.BeforeExpiry)

		select {
		case <-time.After(interval):
			// continue
		case <-ctx.Done():
			log.Info().Msg("token refresh goroutine shutting down gracefully")
			return
		}
	}
}

// refreshIfDue performs a single check, refreshing with tracing when needed.
// It reports whether a refresh was attempted.
func refreshIfDue(ctx context.Context, m *Manager, beforeExpiry time.Duration) bool {
	state, ok := m.Current()
	if !ok {
		log.Debug().Msg("no token issued yet, skipping refresh check")
		return false
	}

	now := m.now()
	status := m.Status()
	if status != Expired && !state.ExpiresWithin(now, beforeExpiry) {
		return false
	}

	if !state.CanRefresh(now) {
		log.Warn().
			Time("refreshExpiresAt", state.RefreshExpiresAt).
			Msg("refresh token has expired: seller re-authorization is required")
		return false
	}

	tracer := otel.Tracer("github.com/chinmina/aliexpress-bridge/internal/token")
	ctx, span := tracer.Start(ctx, "refresh_access_token")
	defer span.End()

	span.SetAttributes(
		attribute.String("token.status", status.String()),
		attribute.String("token.expires_at", state.ExpiresAt.Format(time.RFC3339)),
	)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during token refresh: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "token refresh panicked")
			log.Warn().Interface("panic", r).Msg("token refresh panicked, recovered")
		}
	}()

	if _, err := m.Refresh(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token refresh failed")
		log.Warn().Err(err).Msg("scheduled token refresh failed, continuing")
		return true
	}

	span.SetStatus(codes.Ok, "token refreshed")
	return true
}
