package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/justinas/alice"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog/log"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v3"
	"github.com/auth0/go-jwt-middleware/v3/jwks"
	"github.com/auth0/go-jwt-middleware/v3/validator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chinmina/aliexpress-bridge/internal/audit"
	"github.com/chinmina/aliexpress-bridge/internal/config"
)

// Middleware returns HTTP middleware that verifies the caller JWT against the
// configured issuer and audience. Validated claims are available to handlers
// through ClaimsFromContext and CallerClaimsFromContext.
//
// When authorization is disabled the middleware passes every request
// through unchanged.
func Middleware(cfg config.AuthorizationConfig, options ...jwtmiddleware.Option) (func(http.Handler) http.Handler, error) {
	if cfg.Disabled {
		log.Warn().Msg("JWT authorization is disabled: all callers are trusted")
		return func(next http.Handler) http.Handler { return next }, nil
	}

	// allow for static configuration when testing
	jwksConfig := remoteJWKS
	if cfg.ConfigurationStatic != "" {
		jwksConfig = staticJWKS
	}

	issuer, keyFunc, err := jwksConfig(cfg)
	if err != nil {
		return nil, err
	}

	jwtValidator, err := validator.New(
		validator.WithKeyFunc(keyFunc),
		validator.WithAlgorithm(validator.RS256),
		validator.WithIssuer(issuer.String()),
		validator.WithAudience(cfg.Audience),
		validator.WithAllowedClockSkew(5*time.Second),
		validator.WithCustomClaims(callerCustomClaims),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the validator: %w", err)
	}

	// The error handler records validation failures in the audit entry; the
	// claims middleware records the caller once validation succeeds.
	options = append(options,
		jwtmiddleware.WithErrorHandler(auditErrorHandler()),
		jwtmiddleware.WithValidator(jwtValidator),
	)

	middleware, err := jwtmiddleware.New(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT middleware: %w", err)
	}

	return alice.New(middleware.CheckJWT, requireRegisteredClaims(), auditClaimsMiddleware()).Then, nil
}

type claimsContextKey struct{}

// ContextWithClaims returns a context carrying claims, for use in tests that
// bypass the middleware.
func ContextWithClaims(ctx context.Context, claims *validator.ValidatedClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the validated claims set by the middleware, or
// nil if there are none.
func ClaimsFromContext(ctx context.Context) *validator.ValidatedClaims {
	claims, err := jwtmiddleware.GetClaims[*validator.ValidatedClaims](ctx)
	if err == nil {
		return claims
	}
	claims, _ = ctx.Value(claimsContextKey{}).(*validator.ValidatedClaims)
	return claims
}

// CallerClaimsFromContext returns the caller's private claims, or nil when
// the request was not authenticated.
func CallerClaimsFromContext(ctx context.Context) *CallerClaims {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}

	caller, _ := claims.CustomClaims.(*CallerClaims)
	return caller
}

// requireRegisteredClaims rejects tokens the validator accepts but the bridge
// does not: those without a subject or without a bounded validity period.
func requireRegisteredClaims() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := checkRegisteredClaims(ClaimsFromContext(r.Context())); err != nil {
				audit.Log(r.Context()).Error = "JWT authorization failure: " + err.Error()
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func checkRegisteredClaims(claims *validator.ValidatedClaims) error {
	if claims == nil {
		return errors.New("claims not present")
	}

	reg := claims.RegisteredClaims
	if reg.Subject == "" {
		return errors.New("subject claim not present")
	}
	if reg.NotBefore == 0 || reg.Expiry == 0 {
		return errors.New("token has no validity period")
	}
	return nil
}

func auditClaimsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			claims := ClaimsFromContext(r.Context())

			reg := claims.RegisteredClaims
			entry.Authorized = true
			entry.AuthSubject = reg.Subject
			entry.AuthIssuer = reg.Issuer
			entry.AuthAudience = reg.Audience
			entry.AuthExpirySecs = reg.Expiry

			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("caller.subject", reg.Subject),
			)

			next.ServeHTTP(w, r)
		})
	}
}

func auditErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		audit.Log(r.Context()).Error = fmt.Sprintf("JWT authorization failure: %s", err.Error())

		// The audit middleware records the status written here.
		jwtmiddleware.DefaultErrorHandler(w, r, err)
	}
}

type KeyFunc = func(ctx context.Context) (any, error)

func remoteJWKS(cfg config.AuthorizationConfig) (url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	provider, err := jwks.NewCachingProvider(
		jwks.WithIssuerURL(issuerURL),
		jwks.WithCacheTTL(5*time.Minute),
	)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to create JWKS provider: %w", err)
	}

	return *issuerURL, provider.KeyFunc, nil
}

func staticJWKS(cfg config.AuthorizationConfig) (url.URL, KeyFunc, error) {
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("failed to parse the issuer URL: %w", err)
	}

	set, err := jwk.Parse([]byte(cfg.ConfigurationStatic))
	if err != nil {
		return url.URL{}, nil, fmt.Errorf("could not decode jwks: %w", err)
	}

	return *issuerURL, func(context.Context) (any, error) { return set, nil }, nil
}
