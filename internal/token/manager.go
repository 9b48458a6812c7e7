// Package token owns the provider's OAuth lifecycle: exchanging an
// authorization code for an access/refresh token pair and refreshing that
// pair. The current pair is swapped atomically; readers never observe a
// partial update.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/request"
	"github.com/chinmina/aliexpress-bridge/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Token endpoint paths. Each path is also the prefix the request signature is
// computed over, unlike business calls which are signed without a prefix.
// Changing either convention breaks signature verification at the provider.
const (
	PathTokenCreate  = "/auth/token/create"
	PathTokenRefresh = "/auth/token/refresh"
)

const DefaultBaseURL = "https://api-sg.aliexpress.com"

// ErrUnauthorized is returned when an operation needs a token pair and none
// has been issued.
var ErrUnauthorized = errors.New("no token has been issued: authorization is required")

// Sender dispatches a signed request. *transport.Client implements it.
type Sender interface {
	Send(ctx context.Context, req request.SignedRequest) (json.RawMessage, error)
}

// ChangeFunc is called after a token pair is issued.
type ChangeFunc func(ctx context.Context, state State)

// Manager holds the current token pair for one Credential.
type Manager struct {
	cred    Credential
	baseURL string
	builder request.Builder
	sender  Sender
	now     func() time.Time

	current atomic.Pointer[snapshot]
	group   singleflight.Group

	hooksMu sync.RWMutex
	hooks   []ChangeFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaseURL sets the provider base URL, for example
// "https://api-sg.aliexpress.com".
func WithBaseURL(baseURL string) Option {
	return func(m *Manager) {
		if baseURL != "" {
			m.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithClock replaces the clock used for timestamps and expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager in the Unauthorized state.
func New(cred Credential, sender Sender, opts ...Option) *Manager {
	m := &Manager{
		cred:    cred,
		baseURL: DefaultBaseURL,
		sender:  sender,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.builder = request.NewBuilder(m.baseURL, cred.AppSecret)
	m.builder.Now = m.now

	return m
}

// AppKey returns the application key the manager issues tokens for.
func (m *Manager) AppKey() string {
	return m.cred.AppKey
}

// Status returns the lifecycle state.
func (m *Manager) Status() Status {
	snap := m.current.Load()
	switch {
	case snap == nil:
		return Unauthorized
	case snap.expired:
		return Expired
	default:
		return Authorized
	}
}

// Current returns the current token pair, if one has been issued.
func (m *Manager) Current() (State, bool) {
	snap := m.current.Load()
	if snap == nil {
		return State{}, false
	}
	return snap.state, true
}

// Summary returns the non-secret view of the current state.
func (m *Manager) Summary() Summary {
	snap := m.current.Load()
	if snap == nil {
		return Summary{Status: Unauthorized}
	}
	s := snap.state
	return Summary{
		Status:           m.Status(),
		ExpiresAt:        s.ExpiresAt,
		RefreshExpiresAt: s.RefreshExpiresAt,
		IssuedAt:         s.IssuedAt,
		UserID:           s.UserID,
		SellerID:         s.SellerID,
		Account:          s.Account,
	}
}

// Token implements oauth2.TokenSource, returning the current access token. It
// never contacts the provider.
func (m *Manager) Token() (*oauth2.Token, error) {
	snap := m.current.Load()
	if snap == nil {
		return nil, ErrUnauthorized
	}
	return &oauth2.Token{
		AccessToken:  snap.state.AccessToken,
		RefreshToken: snap.state.RefreshToken,
		Expiry:       snap.state.ExpiresAt,
	}, nil
}

// OnChange registers fn to be called after every successful exchange or
// refresh.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Restore installs a previously issued token pair, for example one read from
// persistent storage. Change hooks are not called.
func (m *Manager) Restore(state State) error {
	if state.AccessToken == "" {
		return errNoAccessToken
	}
	m.current.Store(&snapshot{state: state})
	return nil
}

// MarkExpired records that the provider rejected accessToken. The held pair is
// only marked when it still carries that access token, so a rejection that
// arrives after a refresh leaves the new pair alone. It reports whether the
// held pair is the rejected one.
func (m *Manager) MarkExpired(accessToken string) bool {
	for {
		snap := m.current.Load()
		if snap == nil || snap.state.AccessToken != accessToken {
			return false
		}
		if snap.expired {
			return true
		}
		next := &snapshot{state: snap.state, expired: true}
		if m.current.CompareAndSwap(snap, next) {
			return true
		}
	}
}

// AuthorizeURL returns the provider page where the seller grants access. The
// provider redirects to redirectURI with a code for ExchangeCode.
func (m *Manager) AuthorizeURL(redirectURI, state string) string {
	cfg := oauth2.Config{
		ClientID:    m.cred.AppKey,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL: m.baseURL + "/oauth/authorize",
		},
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("force_auth", "true"))
}

// ExchangeCode trades an authorization code for a token pair. On failure the
// current state is left untouched. Provider rejections are returned with
// transport.KindAuth; network failures keep transport.KindNetwork.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (State, error) {
	if code == "" {
		return State{}, &transport.Error{
			Kind:   transport.KindAuth,
			Method: PathTokenCreate,
			Err:    errors.New("authorization code is empty"),
		}
	}

	req := m.builder.BuildAuth(PathTokenCreate, m.cred.AppKey, request.ParamSet{
		"code": code,
	})

	state, err := m.issue(ctx, PathTokenCreate, req)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("authorization code exchange failed")
		return State{}, err
	}

	log.Ctx(ctx).Info().
		Str("account", state.Account).
		Time("expiresAt", state.ExpiresAt).
		Msg("authorization code exchanged for token")

	return state, nil
}

// Refresh obtains a new token pair using the current refresh token. It fails
// with ErrUnauthorized if no pair has been issued.
//
// Concurrent calls share a single request to the provider. The shared request
// is not cancelled when one caller's context ends; each caller stops waiting
// when its own context is done. On failure the prior pair is retained.
func (m *Manager) Refresh(ctx context.Context) (State, error) {
	return m.refreshShared(ctx, "")
}

// RefreshRejected replaces a pair whose access token the provider rejected.
// When the held access token already differs from rejected, another caller
// has refreshed it and the held pair is returned without contacting the
// provider. Concurrent calls share one request, as with Refresh.
func (m *Manager) RefreshRejected(ctx context.Context, rejected string) (State, error) {
	return m.refreshShared(ctx, rejected)
}

func (m *Manager) refreshShared(ctx context.Context, rejected string) (State, error) {
	if m.current.Load() == nil {
		return State{}, ErrUnauthorized
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), rejected)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return State{}, res.Err
		}
		return res.Val.(State), nil
	case <-ctx.Done():
		return State{}, &transport.Error{
			Kind:   transport.KindNetwork,
			Method: PathTokenRefresh,
			Err:    fmt.Errorf("stopped waiting for token refresh: %w", ctx.Err()),
		}
	}
}

func (m *Manager) refresh(ctx context.Context, rejected string) (State, error) {
	snap := m.current.Load()
	if snap == nil {
		return State{}, ErrUnauthorized
	}
	if rejected != "" && snap.state.AccessToken != rejected {
		log.Ctx(ctx).Debug().Msg("rejected access token already replaced, skipping refresh")
		return snap.state, nil
	}
	if snap.state.RefreshToken == "" {
		return State{}, &transport.Error{
			Kind:   transport.KindAuth,
			Method: PathTokenRefresh,
			Err:    errors.New("no refresh token is held"),
		}
	}

	req := m.builder.BuildAuth(PathTokenRefresh, m.cred.AppKey, request.ParamSet{
		"refresh_token": snap.state.RefreshToken,
		"grant_type":    "refresh_token",
	})

	state, err := m.issue(ctx, PathTokenRefresh, req)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("token refresh failed, retaining current token")
		return State{}, err
	}

	log.Ctx(ctx).Info().
		Time("expiresAt", state.ExpiresAt).
		Msg("token refreshed")

	return state, nil
}

// issue sends a token request and installs the resulting pair.
func (m *Manager) issue(ctx context.Context, path string, req request.SignedRequest) (State, error) {
	body, err := m.sender.Send(ctx, req)
	if err != nil {
		return State{}, authFailure(path, err)
	}

	state, err := parseTokenResponse(body, m.now())
	if err != nil {
		return State{}, &transport.Error{Kind: transport.KindAuth, Method: path, Body: body, Err: err}
	}

	// a refresh response may omit account details: keep the prior ones
	if prior, ok := m.Current(); ok && path == PathTokenRefresh {
		if state.UserID == "" {
			state.UserID = prior.UserID
		}
		if state.SellerID == "" {
			state.SellerID = prior.SellerID
		}
		if state.Account == "" {
			state.Account = prior.Account
		}
		if state.RefreshToken == "" {
			state.RefreshToken = prior.RefreshToken
			state.RefreshExpiresAt = prior.RefreshExpiresAt
		}
	}

	m.current.Store(&snapshot{state: state})
	m.notify(ctx, state)

	return state, nil
}

func (m *Manager) notify(ctx context.Context, state State) {
	m.hooksMu.RLock()
	hooks := make([]ChangeFunc, len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, state)
	}
}

// authFailure converts a transport failure on a token call into an auth
// error, keeping network failures retryable.
func authFailure(path string, err error) error {
	var te *transport.Error
	if !errors.As(err, &te) {
		return &transport.Error{Kind: transport.KindAuth, Method: path, Err: err}
	}
	if te.Kind == transport.KindNetwork {
		return err
	}
	return &transport.Error{
		Kind:       transport.KindAuth,
		Method:     path,
		StatusCode: te.StatusCode,
		Code:       te.Code,
		Message:    te.Message,
		RequestID:  te.RequestID,
		Body:       te.Body,
		Err:        err,
	}
}
