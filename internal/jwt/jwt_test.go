package jwt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/auth0/go-jwt-middleware/v3/validator"
	"github.com/justinas/alice"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chinmina/aliexpress-bridge/internal/audit"
	"github.com/chinmina/aliexpress-bridge/internal/config"
	"github.com/chinmina/aliexpress-bridge/internal/testhelpers"
)

const audience = "aliexpress-bridge"

func buildToken(t *testing.T, aud []string, subject string, extra map[string]any) jwt.Token {
	t.Helper()

	tok, err := jwt.NewBuilder().Audience(aud).Subject(subject).Build()
	require.NoError(t, err)
	for k, v := range extra {
		require.NoError(t, tok.Set(k, v))
	}
	return tok
}

func TestMiddleware(t *testing.T) {
	key := testhelpers.GenerateJWK(t)
	issuer := testhelpers.SetupJWKSServer(t, key)

	testCases := []struct {
		name           string
		token          func(t *testing.T) jwt.Token
		wantStatusCode int
		wantAuthorized bool
	}{
		{
			name: "valid token",
			token: func(t *testing.T) jwt.Token {
				return testhelpers.ValidClaims(buildToken(t, []string{audience}, "svc-orders", nil))
			},
			wantStatusCode: http.StatusOK,
			wantAuthorized: true,
		},
		{
			name: "valid token with method restriction",
			token: func(t *testing.T) jwt.Token {
				return testhelpers.ValidClaims(buildToken(t, []string{audience}, "svc-orders", map[string]any{
					MethodsClaim: []string{"aliexpress.ds.order.create"},
				}))
			},
			wantStatusCode: http.StatusOK,
			wantAuthorized: true,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) jwt.Token {
				return testhelpers.ValidClaims(buildToken(t, []string{audience}, "", nil))
			},
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) jwt.Token {
				return testhelpers.ValidClaims(buildToken(t, []string{"someone-else"}, "svc-orders", nil))
			},
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name: "no validity period",
			token: func(t *testing.T) jwt.Token {
				return buildToken(t, []string{audience}, "svc-orders", nil)
			},
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name: "expiry without not before",
			token: func(t *testing.T) jwt.Token {
				tok := buildToken(t, []string{audience}, "svc-orders", nil)
				require.NoError(t, tok.Set(jwt.ExpirationKey, time.Now().Add(time.Minute)))
				return tok
			},
			wantStatusCode: http.StatusUnauthorized,
		},
		{
			name: "blank method entry",
			token: func(t *testing.T) jwt.Token {
				return testhelpers.ValidClaims(buildToken(t, []string{audience}, "svc-orders", map[string]any{
					MethodsClaim: []string{" "},
				}))
			},
			wantStatusCode: http.StatusUnauthorized,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			testhelpers.SetupLogger(t)

			ctx, entry := audit.Context(context.Background())

			req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/call/x", nil)
			req.Header.Set("Authorization", "Bearer "+testhelpers.CreateJWT(t, key, issuer.URL, tc.token(t)))

			authMiddleware, err := Middleware(config.AuthorizationConfig{
				Audience:  audience,
				IssuerURL: issuer.URL,
			})
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			alice.New(audit.Middleware(), authMiddleware).
				Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					assert.NotNil(t, ClaimsFromContext(r.Context()))
					w.WriteHeader(http.StatusOK)
				})).
				ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatusCode, rr.Code)
			assert.Equal(t, tc.wantAuthorized, entry.Authorized)
			if tc.wantAuthorized {
				assert.Equal(t, "svc-orders", entry.AuthSubject)
				assert.Equal(t, issuer.URL, entry.AuthIssuer)
				assert.Empty(t, entry.Error)
			} else {
				assert.Contains(t, entry.Error, "JWT authorization failure")
			}
		})
	}
}

func TestMiddleware_MissingToken(t *testing.T) {
	testhelpers.SetupLogger(t)
	key := testhelpers.GenerateJWK(t)
	issuer := testhelpers.SetupJWKSServer(t, key)

	authMiddleware, err := Middleware(config.AuthorizationConfig{Audience: audience, IssuerURL: issuer.URL})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called")
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/call/x", nil))

	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, rr.Code)
}

func TestMiddleware_StaticJWKS(t *testing.T) {
	testhelpers.SetupLogger(t)
	key := testhelpers.GenerateJWK(t)

	jwks, err := json.Marshal(testhelpers.PublicJWKS(t, key))
	require.NoError(t, err)

	const issuerURL = "https://issuer.example.com"
	authMiddleware, err := Middleware(config.AuthorizationConfig{
		Audience:            audience,
		IssuerURL:           issuerURL,
		ConfigurationStatic: string(jwks),
	})
	require.NoError(t, err)

	var caller *CallerClaims
	req := httptest.NewRequest(http.MethodPost, "/call/x", nil)
	req.Header.Set("Authorization", "Bearer "+testhelpers.CallerJWT(t, key, issuerURL, audience, "svc-feeds", "aliexpress.ds.feed.*"))

	rr := httptest.NewRecorder()
	authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerClaimsFromContext(r.Context())
	})).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, caller)
	assert.Equal(t, []string{"aliexpress.ds.feed.*"}, caller.Methods)
}

func TestMiddleware_StaticJWKSInvalid(t *testing.T) {
	_, err := Middleware(config.AuthorizationConfig{
		Audience:            audience,
		IssuerURL:           "https://issuer.example.com",
		ConfigurationStatic: "{not json",
	})
	assert.ErrorContains(t, err, "could not decode jwks")
}

func TestMiddleware_Disabled(t *testing.T) {
	testhelpers.SetupLogger(t)

	authMiddleware, err := Middleware(config.AuthorizationConfig{Disabled: true})
	require.NoError(t, err)

	called := false
	rr := httptest.NewRecorder()
	authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, CallerClaimsFromContext(r.Context()))
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/call/x", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCallerClaimsFromContext(t *testing.T) {
	assert.Nil(t, CallerClaimsFromContext(context.Background()))

	ctx := ContextWithClaims(context.Background(), &validator.ValidatedClaims{
		CustomClaims: &CallerClaims{Methods: []string{"aliexpress.ds.product.get"}},
	})
	caller := CallerClaimsFromContext(ctx)
	require.NotNil(t, caller)
	assert.True(t, caller.Allows("aliexpress.ds.product.get"))
	assert.False(t, caller.Allows("aliexpress.ds.order.create"))
}

func TestCallerClaims_Allows(t *testing.T) {
	tests := []struct {
		name    string
		claims  *CallerClaims
		method  string
		allowed bool
	}{
		{name: "nil claims", claims: nil, method: "aliexpress.ds.order.create", allowed: true},
		{name: "empty list", claims: &CallerClaims{}, method: "aliexpress.ds.order.create", allowed: true},
		{name: "exact match", claims: &CallerClaims{Methods: []string{"aliexpress.ds.order.create"}}, method: "aliexpress.ds.order.create", allowed: true},
		{name: "no match", claims: &CallerClaims{Methods: []string{"aliexpress.ds.order.create"}}, method: "aliexpress.ds.product.get", allowed: false},
		{name: "prefix match", claims: &CallerClaims{Methods: []string{"aliexpress.ds.feed.*"}}, method: "aliexpress.ds.feed.itemids.get", allowed: true},
		{name: "prefix mismatch", claims: &CallerClaims{Methods: []string{"aliexpress.ds.feed.*"}}, method: "aliexpress.ds.order.create", allowed: false},
		{name: "star allows all", claims: &CallerClaims{Methods: []string{"*"}}, method: "aliexpress.logistics.buyer.freight.get", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.claims.Allows(tt.method))
		})
	}
}

func TestCallerClaims_Validate(t *testing.T) {
	assert.NoError(t, (&CallerClaims{}).Validate(context.Background()))
	assert.NoError(t, (&CallerClaims{Methods: []string{"a.b"}}).Validate(context.Background()))
	assert.Error(t, (&CallerClaims{Methods: []string{"a.b", ""}}).Validate(context.Background()))
}

func TestCheckRegisteredClaims(t *testing.T) {
	now := time.Now().Unix()

	cases := []struct {
		name    string
		claims  *validator.ValidatedClaims
		wantErr string
	}{
		{name: "missing claims", claims: nil, wantErr: "claims not present"},
		{
			name:    "no subject",
			claims:  &validator.ValidatedClaims{RegisteredClaims: validator.RegisteredClaims{NotBefore: now, Expiry: now + 60}},
			wantErr: "subject claim not present",
		},
		{
			name:    "no expiry",
			claims:  &validator.ValidatedClaims{RegisteredClaims: validator.RegisteredClaims{Subject: "svc-orders", NotBefore: now}},
			wantErr: "token has no validity period",
		},
		{
			name:    "no not before",
			claims:  &validator.ValidatedClaims{RegisteredClaims: validator.RegisteredClaims{Subject: "svc-orders", Expiry: now + 60}},
			wantErr: "token has no validity period",
		},
		{
			name:   "bounded",
			claims: &validator.ValidatedClaims{RegisteredClaims: validator.RegisteredClaims{Subject: "svc-orders", NotBefore: now, Expiry: now + 60}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkRegisteredClaims(tc.claims)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tc.wantErr)
		})
	}
}
