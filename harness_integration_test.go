//go:build integration

package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/aliexpress"
	"github.com/chinmina/aliexpress-bridge/internal/config"
	"github.com/chinmina/aliexpress-bridge/internal/server"
	"github.com/chinmina/aliexpress-bridge/internal/store"
	"github.com/chinmina/aliexpress-bridge/internal/testhelpers"
	"github.com/chinmina/aliexpress-bridge/internal/token"
	"github.com/chinmina/aliexpress-bridge/internal/transport"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// APITestHarness runs the bridge against a mock gateway and a local JWT
// issuer. Each instance is one bridge process; several can share a store.
type APITestHarness struct {
	t        *testing.T
	Config   config.Config
	Server   *httptest.Server
	Gateway  *testhelpers.MockAliExpressServer
	Issuer   *httptest.Server
	Tokens   *token.Manager
	Store    store.TokenStore
	key      jwk.Key
	audience string
}

// APITestHarnessOption configures the API test harness.
type APITestHarnessOption func(*APITestHarness)

// WithValkeyStore persists tokens to a Valkey container.
func WithValkeyStore() APITestHarnessOption {
	return func(h *APITestHarness) {
		h.Config.TokenStore = testhelpers.RunValkeyContainer(h.t)
	}
}

// WithStoreConfig shares a store configuration between harnesses.
func WithStoreConfig(cfg config.TokenStoreConfig) APITestHarnessOption {
	return func(h *APITestHarness) {
		h.Config.TokenStore = cfg
	}
}

// WithGateway shares a mock gateway between harnesses.
func WithGateway(gateway *testhelpers.MockAliExpressServer) APITestHarnessOption {
	return func(h *APITestHarness) {
		h.Gateway = gateway
	}
}

func NewAPITestHarness(t *testing.T, options ...APITestHarnessOption) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	hooks := &server.ShutdownHooks{}
	t.Cleanup(func() {
		_ = hooks.Run(ctx)
	})

	h := &APITestHarness{
		t:        t,
		audience: "aliexpress-bridge",
		key:      testhelpers.GenerateJWK(t),
		Config: config.Config{
			AliExpress: config.AliExpressConfig{
				AppKey:                "500100",
				AppSecret:             "integration-secret",
				RequestTimeoutSeconds: 5,
			},
			TokenStore: config.TokenStoreConfig{Type: "memory"},
		},
	}

	for _, opt := range options {
		opt(h)
	}

	if h.Gateway == nil {
		h.Gateway = testhelpers.SetupMockAliExpressServer(t, h.Config.AliExpress.AppSecret)
	}
	h.Issuer = testhelpers.SetupJWKSServer(t, h.key)

	h.Config.AliExpress.APIURL = h.Gateway.URL()
	h.Config.Authorization = config.AuthorizationConfig{
		Audience:  h.audience,
		IssuerURL: h.Issuer.URL,
	}

	sender := transport.New(transport.WithTimeout(h.Config.AliExpress.RequestTimeout()))
	cred := token.Credential{AppKey: h.Config.AliExpress.AppKey, AppSecret: h.Config.AliExpress.AppSecret}
	h.Tokens = token.New(cred, sender, token.WithBaseURL(h.Config.AliExpress.APIURL))

	var err error
	h.Store, err = store.NewFromConfig(ctx, h.Config.TokenStore)
	require.NoError(t, err)
	hooks.AddCloser("token store", h.Store)

	restoreToken(ctx, h.Tokens, h.Store, h.Config.Token)
	h.Tokens.OnChange(persistToken(h.Store, cred.AppKey))

	client := aliexpress.NewClient(cred, h.Tokens, sender, aliexpress.WithBaseURL(h.Config.AliExpress.APIURL))

	handler, err := configureServerRoutes(h.Config, h.Tokens, client)
	require.NoError(t, err)

	h.Server = httptest.NewServer(handler)
	hooks.AddCloser("api server", closerFunc(h.Server.Close))

	return h
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// CallerToken returns a valid bearer token for subject.
func (h *APITestHarness) CallerToken(subject string, methods ...string) string {
	return testhelpers.CallerJWT(h.t, h.key, h.Issuer.URL, h.audience, subject, methods...)
}

// Do sends a request to the bridge, returning the status and body.
func (h *APITestHarness) Do(method, path, bearer, body string) (int, string) {
	h.t.Helper()

	req, err := http.NewRequest(method, h.Server.URL+path, strings.NewReader(body))
	require.NoError(h.t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	return resp.StatusCode, string(data)
}

func TestIntegrationAuthorizeThenCall(t *testing.T) {
	h := NewAPITestHarness(t)
	h.Gateway.SetResponse("aliexpress.ds.product.get", `{"aliexpress_ds_product_get_response":{"result":{"ae_item_base_info_dto":{"product_id":1005006}}}}`)

	caller := h.CallerToken("svc-catalog")

	status, body := h.Do(http.MethodPost, "/call/aliexpress.ds.product.get", caller, `{"product_id":1005006,"ship_to_country":"AU"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status, body)

	status, _ = h.Do(http.MethodGet, "/oauth/authorize?state=abc", "", "")
	assert.Equal(t, http.StatusFound, status)

	status, body = h.Do(http.MethodGet, "/oauth/callback?code=granted&state=abc", "", "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"status":"authorized"`)

	status, body = h.Do(http.MethodPost, "/call/aliexpress.ds.product.get", caller, `{"product_id":1005006,"ship_to_country":"AU"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, "1005006")

	calls := h.Gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "1005006", calls[0].Get("product_id"))
	assert.Equal(t, "access-1", calls[0].Get("access_token"))
}

func TestIntegrationTokenRequiresJWT(t *testing.T) {
	h := NewAPITestHarness(t)

	status, _ := h.Do(http.MethodGet, "/token", "", "")
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, status)

	status, body := h.Do(http.MethodGet, "/token", h.CallerToken("svc-ops"), "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"unauthorized"`)
}

func TestIntegrationTokenSurvivesRestart(t *testing.T) {
	first := NewAPITestHarness(t, WithValkeyStore())

	status, body := first.Do(http.MethodGet, "/oauth/callback?code=granted", "", "")
	require.Equal(t, http.StatusOK, status, body)

	// a second process sharing the store and gateway starts authorized
	second := NewAPITestHarness(t,
		WithStoreConfig(first.Config.TokenStore),
		WithGateway(first.Gateway),
	)

	assert.Equal(t, token.Authorized, second.Tokens.Status())

	state, ok := second.Tokens.Current()
	require.True(t, ok)
	assert.Equal(t, "access-1", state.AccessToken)
	assert.Equal(t, "2001", state.SellerID)
}

func TestIntegrationForcedRefreshPersists(t *testing.T) {
	h := NewAPITestHarness(t, WithValkeyStore())

	status, body := h.Do(http.MethodGet, "/oauth/callback?code=granted", "", "")
	require.Equal(t, http.StatusOK, status, body)

	h.Gateway.TokenBody = `{"code":"0","access_token":"access-2","refresh_token":"refresh-2","expires_in":86400,"refresh_expires_in":172800}`

	status, body = h.Do(http.MethodPost, "/token/refresh", h.CallerToken("svc-ops"), "")
	require.Equal(t, http.StatusOK, status, body)

	state, found, err := h.Store.Load(context.Background(), h.Config.AliExpress.AppKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "access-2", state.AccessToken)
	assert.Equal(t, "2001", state.SellerID, "account details carried over from the prior pair")
}
