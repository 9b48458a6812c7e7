package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"
)

// GenerateJWK generates an RSA signing key with a fixed key id.
func GenerateJWK(t *testing.T) jwk.Key {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(privateKey)
	require.NoError(t, err)

	require.NoError(t, key.Set(jwk.KeyIDKey, "test-kid"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256()))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))

	return key
}

// PublicJWKS returns the public half of key as a JWKS document.
func PublicJWKS(t *testing.T, key jwk.Key) jwk.Set {
	t.Helper()

	publicKey, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(publicKey))

	return set
}

// CreateJWT sets the issuer on token and signs it with key.
func CreateJWT(t *testing.T, key jwk.Key, issuer string, token jwt.Token) string {
	t.Helper()

	require.NoError(t, token.Set(jwt.IssuerKey, issuer))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), key))
	require.NoError(t, err)

	return string(signed)
}

// CallerJWT builds and signs a currently valid token for subject, optionally
// restricted to the given business methods.
func CallerJWT(t *testing.T, key jwk.Key, issuer, audience, subject string, methods ...string) string {
	t.Helper()

	token, err := jwt.NewBuilder().
		Audience([]string{audience}).
		Subject(subject).
		Build()
	require.NoError(t, err)

	if len(methods) > 0 {
		require.NoError(t, token.Set("aliexpress_methods", methods))
	}

	return CreateJWT(t, key, issuer, ValidClaims(token))
}

// SetupJWKSServer starts an OIDC issuer serving discovery and the public key
// set for key. The server is closed at test cleanup.
func SetupJWKSServer(t *testing.T, key jwk.Key) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, map[string]string{
			"issuer":   server.URL,
			"jwks_uri": server.URL + "/.well-known/jwks.json",
		})
	})
	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, PublicJWKS(t, key))
	})

	return server
}

// ValidClaims makes token valid from a minute ago until a minute from now.
func ValidClaims(token jwt.Token) jwt.Token {
	now := time.Now().UTC()

	_ = token.Set(jwt.IssuedAtKey, now)
	_ = token.Set(jwt.NotBeforeKey, now.Add(-1*time.Minute))
	_ = token.Set(jwt.ExpirationKey, now.Add(1*time.Minute))

	return token
}
