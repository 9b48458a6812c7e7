package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MethodAttribute is set on server spans for routes that carry a business
// method in the {method} path wildcard.
const MethodAttribute = "aliexpress.method"

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux registers routes wrapped in a server span named for the route. Routes
// registered with HandleUntraced bypass telemetry.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{
		wrapped: wrapped,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	route := TrimMethod(pattern)
	mux.wrapped.Handle(pattern, otelhttp.NewHandler(tagRoute(route, handler), route))
}

// HandleUntraced registers handler without telemetry, for probes such as
// health checks.
func (mux *Mux) HandleUntraced(pattern string, handler http.Handler) {
	mux.wrapped.Handle(pattern, handler)
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

func tagRoute(route string, next http.Handler) http.Handler {
	withMethod := strings.Contains(route, "{method}")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if withMethod {
			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String(MethodAttribute, r.PathValue("method")),
			)
		}

		next.ServeHTTP(w, r)
	})
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// TrimMethod strips a leading HTTP method from a ServeMux pattern, leaving
// the route used as the span name.
func TrimMethod(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return resource
	}
	return pattern
}
