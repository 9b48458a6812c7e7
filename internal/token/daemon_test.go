package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	calls atomic.Int32
	body  string
	err   error
}

func (s *stubSender) Send(_ context.Context, _ request.SignedRequest) (json.RawMessage, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.body), nil
}

func newTestManager(sender Sender, now time.Time) *Manager {
	return New(Credential{AppKey: "k", AppSecret: "s"}, sender, WithClock(func() time.Time { return now }))
}

func TestRefreshIfDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		state     *State
		expired   bool
		attempted bool
	}{
		{
			name: "no token",
		},
		{
			name:  "far from expiry",
			state: &State{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(3 * time.Hour)},
		},
		{
			name:      "close to expiry",
			state:     &State{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(30 * time.Minute)},
			attempted: true,
		},
		{
			name:      "marked expired",
			state:     &State{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(3 * time.Hour)},
			expired:   true,
			attempted: true,
		},
		{
			name:  "refresh token expired",
			state: &State{AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(-time.Minute), RefreshExpiresAt: now.Add(-time.Second)},
		},
		{
			name:  "unknown expiry",
			state: &State{AccessToken: "a", RefreshToken: "r"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := &stubSender{body: `{"code":"0","access_token":"new","refresh_token":"r2","expires_in":3600}`}
			m := newTestManager(sender, now)
			if tc.state != nil {
				require.NoError(t, m.Restore(*tc.state))
			}
			if tc.expired {
				m.MarkExpired(tc.state.AccessToken)
			}

			attempted := refreshIfDue(context.Background(), m, time.Hour)

			assert.Equal(t, tc.attempted, attempted)
			if tc.attempted {
				assert.Equal(t, int32(1), sender.calls.Load())
				s, _ := m.Current()
				assert.Equal(t, "new", s.AccessToken)
			} else {
				assert.Zero(t, sender.calls.Load())
			}
		})
	}
}

func TestRefreshIfDue_FailureContinues(t *testing.T) {
	now := time.Now()
	sender := &stubSender{err: errors.New("down")}
	m := newTestManager(sender, now)
	require.NoError(t, m.Restore(State{AccessToken: "a", RefreshToken: "r", ExpiresAt: now}))

	assert.True(t, refreshIfDue(context.Background(), m, time.Hour))

	s, _ := m.Current()
	assert.Equal(t, "a", s.AccessToken)
}

func TestPeriodicRefresh_StopsOnCancel(t *testing.T) {
	m := newTestManager(&stubSender{}, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		PeriodicRefresh(ctx, m, RefreshPolicy{Interval: 10 * time.Millisecond, BeforeExpiry: time.Hour})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}
}

func TestState_ExpiresWithin(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := State{ExpiresAt: now.Add(time.Hour)}

	assert.True(t, s.ExpiresWithin(now, time.Hour))
	assert.False(t, s.ExpiresWithin(now, 59*time.Minute))
	assert.False(t, State{}.ExpiresWithin(now, time.Hour))
}

func TestParseTokenResponse_QuotedAndNumericFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	state, err := parseTokenResponse([]byte(`{"access_token":"a","refresh_token":"r","expires_in":60,"refresh_expires_in":"120","user_id":1234567890123,"seller_id":"99"}`), now)
	require.NoError(t, err)

	assert.Equal(t, now.Add(time.Minute), state.ExpiresAt)
	assert.Equal(t, now.Add(2*time.Minute), state.RefreshExpiresAt)
	assert.Equal(t, "1234567890123", state.UserID)
	assert.Equal(t, "99", state.SellerID)
}

func TestParseTokenResponse_Invalid(t *testing.T) {
	_, err := parseTokenResponse([]byte(`{"access_token":"a","expires_in":"soon"}`), time.Now())
	require.Error(t, err)

	_, err = parseTokenResponse([]byte(`{}`), time.Now())
	require.ErrorIs(t, err, errNoAccessToken)
}
