// Package audit writes one structured log entry per request, recording who
// called the bridge, which business method was invoked and how the provider
// and token lifecycle responded.
package audit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Level is the level at which audit entries are written.
const Level = zerolog.InfoLevel

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

type contextKey struct{}

// Entry is the audit record for a single request. Handlers and middleware
// fill it in as the request progresses; it is written when the request ends.
type Entry struct {
	RequestID string
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Authorized     bool
	AuthSubject    string
	AuthIssuer     string
	AuthAudience   []string
	AuthExpirySecs int64

	// Business method invoked on the provider, if any.
	APIMethod         string
	ProviderRequestID string
	ProviderCode      string
	ErrorKind         string
	Attempts          int
	TokenRefreshed    bool

	TokenStatus     string
	TokenExpirySecs int64
	SellerID        string

	Error string
}

// MarshalZerologObject writes the entry as nested dictionaries. The request
// and authorization dictionaries are always present; the others only when
// populated.
func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("id", e.RequestID).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	auth := NewOptionalEvent(zerolog.Dict()).
		Bool("authorized", e.Authorized).
		Str("subject", e.AuthSubject).
		Str("issuer", e.AuthIssuer).
		Strs("audience", e.AuthAudience).
		Expiry(e.AuthExpirySecs)
	auth.Set(event, "authorization")

	NewOptionalEvent(nil).
		Str("method", e.APIMethod).
		Str("providerRequestID", e.ProviderRequestID).
		Str("providerCode", e.ProviderCode).
		Str("errorKind", e.ErrorKind).
		Int("attempts", e.Attempts).
		Flag("tokenRefreshed", e.TokenRefreshed).
		Set(event, "call")

	NewOptionalEvent(nil).
		Str("status", e.TokenStatus).
		Str("sellerID", e.SellerID).
		Expiry(e.TokenExpirySecs).
		Set(event, "token")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin records the request attributes known before the handler runs.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.SourceIP = r.RemoteAddr
}

// End returns a function to be deferred by the caller. It writes the entry,
// including any panic in progress, and then re-panics.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		recovered := recover()
		if recovered != nil {
			msg := fmt.Sprintf("panic: %v", recovered)
			if e.Error != "" {
				msg = e.Error + "; " + msg
			}
			e.Error = msg
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if recovered != nil {
			panic(recovered)
		}
	}
}

// Context returns the entry attached to ctx, attaching a new one if needed.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, contextKey{}, e), e
}

// Log returns the entry for ctx. Writes to the result are discarded if the
// request is not audited.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware attaches an Entry to each request, assigns a request id, and
// writes the entry once the handler returns.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())

			entry.RequestID = r.Header.Get(RequestIDHeader)
			if entry.RequestID == "" {
				entry.RequestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, entry.RequestID)

			entry.Begin(r)
			defer entry.End(ctx)()

			w = httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(code int) {
						entry.Status = code
						next(code)
					}
				},
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
