package testhelpers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/chinmina/aliexpress-bridge/internal/signature"
)

// MockAliExpressServer imitates the open platform gateway: business methods
// on /sync and the token endpoints under /rest. Every request must carry a
// valid signature.
type MockAliExpressServer struct {
	Server *httptest.Server

	mu sync.Mutex

	secret string

	// Responses holds the body returned for each business method.
	Responses map[string]string

	// TokenBody is returned from both token endpoints.
	TokenBody string

	// RejectedTokens lists access tokens answered with IllegalAccessToken.
	RejectedTokens map[string]bool

	calls      []url.Values
	tokenCalls []string
}

// SetupMockAliExpressServer starts a gateway accepting requests signed with
// secret. The server is closed at test cleanup.
func SetupMockAliExpressServer(t *testing.T, secret string) *MockAliExpressServer {
	t.Helper()

	mock := &MockAliExpressServer{
		secret:         secret,
		Responses:      map[string]string{},
		RejectedTokens: map[string]bool{},
		TokenBody:      `{"code":"0","access_token":"access-1","refresh_token":"refresh-1","expires_in":86400,"refresh_expires_in":172800,"seller_id":"2001","account":"seller@example.com"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", mock.handleSync)
	mux.HandleFunc("/rest/", mock.handleRest)

	mock.Server = httptest.NewServer(mux)
	t.Cleanup(mock.Server.Close)

	return mock
}

// URL is the gateway root, to be used as the API base URL.
func (m *MockAliExpressServer) URL() string {
	return m.Server.URL
}

// SetResponse configures the body returned for method.
func (m *MockAliExpressServer) SetResponse(method, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[method] = body
}

// RejectToken makes the server answer calls using accessToken with an
// IllegalAccessToken error.
func (m *MockAliExpressServer) RejectToken(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RejectedTokens[accessToken] = true
}

// Calls returns the parameters of each business call received.
func (m *MockAliExpressServer) Calls() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.calls...)
}

// TokenCalls returns the token endpoint paths requested, in order.
func (m *MockAliExpressServer) TokenCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokenCalls...)
}

func (m *MockAliExpressServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := r.Form

	if !m.verify(params, "") {
		writeBody(w, `{"error_response":{"type":"ISV","code":"IncompleteSignature","msg":"The request signature does not conform to platform standards","request_id":"mock-sig"}}`)
		return
	}

	m.mu.Lock()
	m.calls = append(m.calls, params)
	rejected := m.RejectedTokens[params.Get("access_token")]
	body, ok := m.Responses[params.Get("method")]
	m.mu.Unlock()

	switch {
	case rejected:
		writeBody(w, `{"error_response":{"type":"ISV","code":"IllegalAccessToken","msg":"The specified access token is invalid or expired","request_id":"mock-token"}}`)
	case !ok:
		writeBody(w, `{"error_response":{"type":"ISV","code":"InvalidApiPath","msg":"The specified API path is invalid","request_id":"mock-path"}}`)
	default:
		writeBody(w, body)
	}
}

func (m *MockAliExpressServer) handleRest(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/rest")
	params := r.URL.Query()

	if r.Method != http.MethodPost || !m.verify(params, path) {
		writeBody(w, `{"code":"IncompleteSignature","message":"The request signature does not conform to platform standards","request_id":"mock-sig"}`)
		return
	}

	m.mu.Lock()
	m.tokenCalls = append(m.tokenCalls, path)
	body := m.TokenBody
	m.mu.Unlock()

	writeBody(w, body)
}

func (m *MockAliExpressServer) verify(params url.Values, prefix string) bool {
	flat := make(map[string]string, len(params))
	for k := range params {
		if k != "sign" {
			flat[k] = params.Get(k)
		}
	}
	return params.Get("sign") == signature.SignParams(flat, m.secret, prefix)
}

func writeBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	_, _ = io.WriteString(w, body)
}
