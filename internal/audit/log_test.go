package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/audit"
	"github.com/chinmina/aliexpress-bridge/internal/testhelpers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLog returns a context whose logger writes to the returned buffer.
func captureLog(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	testhelpers.SetupLogger(t)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	return logger.WithContext(context.Background()), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "expected one JSON log line, got %q", buf.String())
	return line
}

func TestMiddleware(t *testing.T) {
	t.Run("records request and status", func(t *testing.T) {
		ctx, buf := captureLog(t)

		var entry *audit.Entry
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry = audit.Log(r.Context())
			assert.Equal(t, "kettle/1.0", entry.UserAgent)
			assert.Equal(t, "/foo", entry.Path)

			entry.APIMethod = "aliexpress.ds.product.get"
			w.WriteHeader(http.StatusTeapot)
		})

		req, w := requestSetup()
		audit.Middleware()(handler).ServeHTTP(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
		assert.Equal(t, http.StatusTeapot, entry.Status)

		line := decodeLine(t, buf)
		assert.Equal(t, "audit_event", line["message"])
		assert.Equal(t, audit.Level.String(), line["level"])

		request := line["request"].(map[string]any)
		assert.Equal(t, float64(http.StatusTeapot), request["status"])
		assert.Equal(t, "GET", request["method"])

		call := line["call"].(map[string]any)
		assert.Equal(t, "aliexpress.ds.product.get", call["method"])
	})

	t.Run("status defaults to OK", func(t *testing.T) {
		ctx, buf := captureLog(t)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("body"))
		})

		req, w := requestSetup()
		audit.Middleware()(handler).ServeHTTP(w, req.WithContext(ctx))

		request := decodeLine(t, buf)["request"].(map[string]any)
		assert.Equal(t, float64(http.StatusOK), request["status"])
	})

	t.Run("written on panic", func(t *testing.T) {
		ctx, buf := captureLog(t)

		var entry *audit.Entry
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry = audit.Log(r.Context())
			entry.Error = "provider call failed"
			panic("signature mismatch")
		})

		req, w := requestSetup()

		assert.PanicsWithValue(t, "signature mismatch", func() {
			audit.Middleware()(handler).ServeHTTP(w, req.WithContext(ctx))
		})

		assert.Equal(t, "provider call failed; panic: signature mismatch", entry.Error)
		assert.Equal(t, "provider call failed; panic: signature mismatch", decodeLine(t, buf)["error"])
	})
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var entry *audit.Entry
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry = audit.Log(r.Context())
		})

		req, w := requestSetup()
		audit.Middleware()(handler).ServeHTTP(w, req)

		id := w.Header().Get(audit.RequestIDHeader)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, entry.RequestID)
	})

	t.Run("propagated from caller", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var entry *audit.Entry
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry = audit.Log(r.Context())
		})

		req, w := requestSetup()
		req.Header.Set(audit.RequestIDHeader, "caller-supplied-id")
		audit.Middleware()(handler).ServeHTTP(w, req)

		assert.Equal(t, "caller-supplied-id", w.Header().Get(audit.RequestIDHeader))
		assert.Equal(t, "caller-supplied-id", entry.RequestID)
	})
}

func TestAuditing(t *testing.T) {
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	r, _ := requestSetup()

	_, e := audit.Context(ctx)
	e.Begin(r)
	e.End(ctx)()

	assert.NotEmpty(t, e.SourceIP)
	e.SourceIP = "" // clear IP as it will change between tests

	assert.Equal(t, &audit.Entry{Method: "GET", Path: "/foo", UserAgent: "kettle/1.0", Status: 200}, e)
}

func requestSetup() (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req.Header.Set("User-Agent", "kettle/1.0")

	w := httptest.NewRecorder()

	return req, w
}


func serialize(t *testing.T, entry audit.Entry) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Log().EmbedObject(&entry).Send()

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	return result
}

func TestNestedDictSerialization(t *testing.T) {
	testhelpers.SetupLogger(t)

	result := serialize(t, audit.Entry{
		RequestID:   "req-123",
		Method:      "POST",
		Path:        "/call/aliexpress.ds.product.get",
		Status:      200,
		SourceIP:    "10.0.0.1",
		UserAgent:   "test/1.0",
		Authorized:  true,
		AuthSubject: "svc-orders",
		AuthIssuer:  "https://issuer.example.com",
	})

	t.Run("request fields nested", func(t *testing.T) {
		request, ok := result["request"].(map[string]any)
		require.True(t, ok, "expected 'request' dict in log output")
		assert.Equal(t, "req-123", request["id"])
		assert.Equal(t, "POST", request["method"])
		assert.Equal(t, "/call/aliexpress.ds.product.get", request["path"])
		assert.Equal(t, float64(200), request["status"])
		assert.Equal(t, "10.0.0.1", request["sourceIP"])
		assert.Equal(t, "test/1.0", request["userAgent"])
	})

	t.Run("authorization fields nested", func(t *testing.T) {
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok, "expected 'authorization' dict in log output")
		assert.Equal(t, true, auth["authorized"])
		assert.Equal(t, "svc-orders", auth["subject"])
		assert.Equal(t, "https://issuer.example.com", auth["issuer"])
	})

	t.Run("error omitted when empty", func(t *testing.T) {
		assert.NotContains(t, result, "error")
	})

	t.Run("error present when set", func(t *testing.T) {
		errResult := serialize(t, audit.Entry{Error: "something broke"})
		assert.Equal(t, "something broke", errResult["error"])
	})
}

func TestCallFieldsSerialization(t *testing.T) {
	testhelpers.SetupLogger(t)

	t.Run("call fields nested", func(t *testing.T) {
		result := serialize(t, audit.Entry{
			APIMethod:         "aliexpress.ds.order.create",
			ProviderRequestID: "2101e4a5",
			ProviderCode:      "IllegalAccessToken",
			ErrorKind:         "http",
			Attempts:          2,
			TokenRefreshed:    true,
		})

		call, ok := result["call"].(map[string]any)
		require.True(t, ok, "expected 'call' dict in log output")
		assert.Equal(t, "aliexpress.ds.order.create", call["method"])
		assert.Equal(t, "2101e4a5", call["providerRequestID"])
		assert.Equal(t, "IllegalAccessToken", call["providerCode"])
		assert.Equal(t, "http", call["errorKind"])
		assert.Equal(t, float64(2), call["attempts"])
		assert.Equal(t, true, call["tokenRefreshed"])
	})

	t.Run("token refresh flag omitted when false", func(t *testing.T) {
		result := serialize(t, audit.Entry{APIMethod: "aliexpress.ds.product.get", Attempts: 1})

		call, ok := result["call"].(map[string]any)
		require.True(t, ok)
		assert.NotContains(t, call, "tokenRefreshed")
		assert.NotContains(t, call, "providerCode")
	})
}

func TestTokenFieldsSerialization(t *testing.T) {
	testhelpers.SetupLogger(t)

	expiry := time.Now().Add(2 * time.Hour).Truncate(time.Second).UTC()

	result := serialize(t, audit.Entry{
		TokenStatus:     "authorized",
		SellerID:        "2001",
		TokenExpirySecs: expiry.Unix(),
	})

	token, ok := result["token"].(map[string]any)
	require.True(t, ok, "expected 'token' dict in log output")
	assert.Equal(t, "authorized", token["status"])
	assert.Equal(t, "2001", token["sellerID"])
	assert.Equal(t, expiry.Format(time.RFC3339), token["expiry"])
	assert.Contains(t, token, "expiryRemaining")
}

func TestOptionalDictElision(t *testing.T) {
	testhelpers.SetupLogger(t)

	t.Run("empty entry omits optional dicts", func(t *testing.T) {
		result := serialize(t, audit.Entry{})
		assert.Contains(t, result, "request", "request dict is always present")
		assert.Contains(t, result, "authorization", "authorization dict is always present (contains authorized bool)")
		assert.NotContains(t, result, "call")
		assert.NotContains(t, result, "token")
		assert.NotContains(t, result, "error")
	})

	t.Run("authorization present via audience", func(t *testing.T) {
		result := serialize(t, audit.Entry{
			AuthAudience: []string{"aliexpress-bridge"},
		})
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, false, auth["authorized"])
		audiences, ok := auth["audience"].([]any)
		require.True(t, ok)
		assert.Equal(t, "aliexpress-bridge", audiences[0])
	})

	t.Run("authorization expiry written", func(t *testing.T) {
		result := serialize(t, audit.Entry{
			Authorized:     true,
			AuthExpirySecs: time.Now().Add(time.Minute).Unix(),
		})
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, auth, "expiry")
		assert.Contains(t, auth, "expiryRemaining")
	})

	t.Run("token present with status only", func(t *testing.T) {
		result := serialize(t, audit.Entry{TokenStatus: "unauthorized"})
		token, ok := result["token"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "unauthorized", token["status"])
		assert.NotContains(t, token, "expiry")
	})
}
