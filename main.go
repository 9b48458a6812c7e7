package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/aliexpress"
	"github.com/chinmina/aliexpress-bridge/internal/audit"
	"github.com/chinmina/aliexpress-bridge/internal/config"
	"github.com/chinmina/aliexpress-bridge/internal/jwt"
	"github.com/chinmina/aliexpress-bridge/internal/observe"
	"github.com/chinmina/aliexpress-bridge/internal/server"
	"github.com/chinmina/aliexpress-bridge/internal/store"
	"github.com/chinmina/aliexpress-bridge/internal/token"
	"github.com/chinmina/aliexpress-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(cfg config.Config, tokens *token.Manager, client *aliexpress.Client) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	mux := observe.NewMux(http.NewServeMux())

	// configure middleware
	auditor := audit.Middleware()

	authorizer, err := jwt.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	// Business parameters are small JSON objects; image search payloads are
	// the largest expected.
	requestLimitBytes := int64(2 << 20) // 2 MB
	requestLimiter := maxRequestSize(requestLimitBytes)

	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	auditedRouteMiddleware := alice.New(requestLimiter, auditor)
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("POST /call/{method}", authorizedRouteMiddleware.Then(handleCall(client, tokens)))
	mux.Handle("GET /token", authorizedRouteMiddleware.Then(handleTokenStatus(tokens)))
	mux.Handle("POST /token/refresh", authorizedRouteMiddleware.Then(handleRefresh(tokens)))

	// the seller's browser reaches these routes, so they carry no JWT
	mux.Handle("GET /oauth/authorize", auditedRouteMiddleware.Then(handleAuthorize(tokens, cfg.AliExpress.OAuthRedirectURL)))
	mux.Handle("GET /oauth/callback", auditedRouteMiddleware.Then(handleCallback(tokens)))

	// healthchecks are not included in telemetry or authorization
	mux.HandleUntraced("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()
	hooks := &server.ShutdownHooks{}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	// registered first so it is shut down last
	hooks.Add("telemetry", shutdownTelemetry)

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	sender := transport.New(
		transport.WithHTTPClient(http.DefaultClient),
		transport.WithTimeout(cfg.AliExpress.RequestTimeout()),
		transport.WithRateLimit(cfg.AliExpress.RateLimitPerSecond, cfg.AliExpress.RateLimitBurst),
		transport.WithMaxResponseBytes(cfg.AliExpress.MaxResponseBytes),
	)

	cred := token.Credential{
		AppKey:    cfg.AliExpress.AppKey,
		AppSecret: cfg.AliExpress.AppSecret,
	}
	tokens := token.New(cred, sender, token.WithBaseURL(cfg.AliExpress.APIURL))

	tokenStore, err := store.NewFromConfig(ctx, cfg.TokenStore)
	if err != nil {
		_ = hooks.Run(ctx)
		return fmt.Errorf("token store configuration failed: %w", err)
	}
	hooks.AddCloser("token store", tokenStore)

	restoreToken(ctx, tokens, tokenStore, cfg.Token)
	tokens.OnChange(persistToken(tokenStore, cred.AppKey))

	catalog, err := loadCatalog(cfg.AliExpress)
	if err != nil {
		_ = hooks.Run(ctx)
		return fmt.Errorf("business method catalog failed to load: %w", err)
	}

	client := aliexpress.NewClient(cred, tokens, sender,
		aliexpress.WithCatalog(catalog),
		aliexpress.WithBaseURL(cfg.AliExpress.APIURL),
	)

	// setup routing and dependencies
	handler, err := configureServerRoutes(cfg, tokens, client)
	if err != nil {
		_ = hooks.Run(ctx)
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go token.PeriodicRefresh(refreshCtx, tokens, token.RefreshPolicy{
		Interval:     cfg.Token.RefreshCheckInterval(),
		BeforeExpiry: cfg.Token.RefreshBeforeExpiry(),
	})
	hooks.AddCancel("token refresh", stopRefresh)

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		_ = hooks.Run(ctx)
		return fmt.Errorf("listen on %s failed: %w", srv.Addr, err)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	err = server.Serve(ctx, srv, ln, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// restoreToken loads a previously issued token pair, falling back to a pair
// supplied in configuration. Failures leave the manager unauthorized.
func restoreToken(ctx context.Context, tokens *token.Manager, tokenStore store.TokenStore, cfg config.TokenConfig) {
	state, found, err := tokenStore.Load(ctx, tokens.AppKey())
	if err != nil {
		log.Warn().Err(err).Msg("token store: load failed, continuing without a persisted token")
	}

	if !found && cfg.SeedAccessToken != "" {
		state = token.State{
			AccessToken:  cfg.SeedAccessToken,
			RefreshToken: cfg.SeedRefreshToken,
		}
		found = true
		log.Info().Msg("token: using configured seed token")
	}

	if !found {
		log.Info().Msg("token: no token available, seller authorization is required")
		return
	}

	if err := tokens.Restore(state); err != nil {
		log.Warn().Err(err).Msg("token: restore failed")
		return
	}

	summary := tokens.Summary()
	log.Info().
		Str("status", summary.Status.String()).
		Time("expiresAt", summary.ExpiresAt).
		Msg("token: restored")
}

func persistToken(tokenStore store.TokenStore, appKey string) token.ChangeFunc {
	return func(ctx context.Context, state token.State) {
		// the issuing request may already be complete
		ctx = context.WithoutCancel(ctx)

		if err := tokenStore.Save(ctx, appKey, state); err != nil {
			log.Warn().Err(err).Msg("token store: save failed, token will not survive a restart")
		}
	}
}

func loadCatalog(cfg config.AliExpressConfig) (*aliexpress.Catalog, error) {
	if cfg.MethodsFile == "" {
		return aliexpress.DefaultCatalog(), nil
	}

	catalog, err := aliexpress.LoadCatalog(cfg.MethodsFile)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("file", cfg.MethodsFile).
		Int("methods", len(catalog.Names())).
		Msg("business method catalog loaded")

	return catalog, nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
