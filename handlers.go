package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chinmina/aliexpress-bridge/internal/aliexpress"
	"github.com/chinmina/aliexpress-bridge/internal/audit"
	"github.com/chinmina/aliexpress-bridge/internal/jwt"
	"github.com/chinmina/aliexpress-bridge/internal/token"
	"github.com/chinmina/aliexpress-bridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// handleCall invokes the business method named in the path with the JSON
// object in the request body as its parameters. When the provider rejects the
// access token, the token is refreshed and the call retried once.
func handleCall(client *aliexpress.Client, tokens *token.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()
		entry := audit.Log(ctx)

		method := r.PathValue("method")
		entry.APIMethod = method

		if !jwt.CallerClaimsFromContext(ctx).Allows(method) {
			entry.Error = "caller not permitted to invoke method"
			writeJSONError(w, http.StatusForbidden, "method not permitted for caller")
			return
		}

		params, err := readParams(r.Body)
		if err != nil {
			entry.Error = err.Error()
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "request body must be a JSON object of method parameters")
			return
		}

		body, err := client.Call(ctx, method, params)
		entry.Attempts = 1

		var rejected *aliexpress.TokenRejectedError
		if errors.As(err, &rejected) {
			log.Ctx(ctx).Info().Err(err).Str("method", method).Msg("access token rejected, refreshing before retry")

			// a concurrent call may already have replaced the rejected token
			tokens.MarkExpired(rejected.AccessToken)
			if _, refreshErr := tokens.RefreshRejected(ctx, rejected.AccessToken); refreshErr != nil {
				err = refreshErr
			} else {
				entry.TokenRefreshed = true
				entry.Attempts = 2
				body, err = client.Call(ctx, method, params)
			}
		}

		recordToken(entry, tokens.Summary())

		if err != nil {
			recordError(entry, err)
			log.Ctx(ctx).Info().Err(err).Str("method", method).Msg("business call failed")
			writeCallError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(body); err != nil {
			// the status is already written: the failure can only be logged
			log.Info().Msgf("failed to write response: %v", err)
		}
	})
}

// handleAuthorize redirects the seller to the provider's authorization page.
// The optional "state" query parameter is passed through to the callback.
func handleAuthorize(tokens *token.Manager, redirectURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		redirect := redirectURL
		if redirect == "" {
			redirect = callbackURL(r)
		}

		http.Redirect(w, r, tokens.AuthorizeURL(redirect, r.URL.Query().Get("state")), http.StatusFound)
	})
}

// handleCallback exchanges the authorization code sent by the provider for a
// token pair. The pair itself is never returned.
func handleCallback(tokens *token.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()
		entry := audit.Log(ctx)
		query := r.URL.Query()

		if providerErr := query.Get("error"); providerErr != "" {
			entry.Error = fmt.Sprintf("authorization declined: %s %s", providerErr, query.Get("error_description"))
			writeJSONError(w, http.StatusBadRequest, "authorization was not granted")
			return
		}

		code := query.Get("code")
		if code == "" {
			entry.Error = "callback without code"
			writeJSONError(w, http.StatusBadRequest, "missing authorization code")
			return
		}

		_, err := tokens.ExchangeCode(ctx, code)
		if err != nil {
			recordError(entry, err)
			log.Ctx(ctx).Info().Err(err).Msg("authorization code exchange failed")
			writeCallError(w, err)
			return
		}

		writeSummary(w, entry, tokens.Summary())
	})
}

// handleRefresh forces a refresh of the token pair.
func handleRefresh(tokens *token.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()
		entry := audit.Log(ctx)

		_, err := tokens.Refresh(ctx)
		if err != nil {
			recordError(entry, err)
			recordToken(entry, tokens.Summary())
			log.Ctx(ctx).Info().Err(err).Msg("forced refresh failed")
			writeCallError(w, err)
			return
		}

		entry.TokenRefreshed = true
		writeSummary(w, entry, tokens.Summary())
	})
}

// handleTokenStatus reports the token lifecycle state without secrets.
func handleTokenStatus(tokens *token.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		writeSummary(w, audit.Log(r.Context()), tokens.Summary())
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// readParams decodes a JSON object of method parameters. An empty body is an
// empty parameter set. Numbers are kept as written.
func readParams(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	var params map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if params == nil {
		return nil, errors.New("invalid parameters: expected a JSON object")
	}
	return params, nil
}

func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return (&url.URL{Scheme: scheme, Host: r.Host, Path: "/oauth/callback"}).String()
}

func writeSummary(w http.ResponseWriter, entry *audit.Entry, summary token.Summary) {
	recordToken(entry, summary)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		log.Info().Msgf("failed to write response: %v", err)
	}
}

func recordToken(entry *audit.Entry, summary token.Summary) {
	entry.TokenStatus = summary.Status.String()
	entry.SellerID = summary.SellerID
	if !summary.ExpiresAt.IsZero() {
		entry.TokenExpirySecs = summary.ExpiresAt.Unix()
	}
}

func recordError(entry *audit.Entry, err error) {
	entry.Error = err.Error()

	var providerErr *transport.Error
	if errors.As(err, &providerErr) {
		entry.ErrorKind = string(providerErr.Kind)
		entry.ProviderCode = providerErr.Code
		entry.ProviderRequestID = providerErr.RequestID
	}
}

// ErrorResponse represents a JSON error response. Provider details are
// included when the provider reported them.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: message})
}

func writeCallError(w http.ResponseWriter, err error) {
	status, message := errorStatus(err)
	response := ErrorResponse{Error: message}

	var providerErr *transport.Error
	if errors.As(err, &providerErr) {
		response.Kind = string(providerErr.Kind)
		response.Code = providerErr.Code
		response.RequestID = providerErr.RequestID
	}

	writeErrorResponse(w, status, response)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, response ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors it does not
// recognise.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, token.ErrUnauthorized):
		return http.StatusServiceUnavailable, "seller authorization required"
	case errors.Is(err, aliexpress.ErrUnknownMethod):
		return http.StatusNotFound, "unknown business method"
	case errors.Is(err, aliexpress.ErrMissingParam), errors.Is(err, aliexpress.ErrInvalidParam):
		return http.StatusBadRequest, err.Error()
	}

	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
