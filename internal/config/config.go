package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	AliExpress    AliExpressConfig
	Authorization AuthorizationConfig
	Observe       ObserveConfig
	Server        ServerConfig
	Token         TokenConfig
	TokenStore    TokenStoreConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// AliExpressConfig holds the application credential and the settings for
// calls to the open platform.
type AliExpressConfig struct {
	AppKey    string `env:"AE_APP_KEY, required"`
	AppSecret string `env:"AE_APP_SECRET, required"`

	// APIURL is the gateway root; /sync and /rest are appended to it.
	APIURL string `env:"AE_API_URL, default=https://api-sg.aliexpress.com"`

	RequestTimeoutSeconds int     `env:"AE_REQUEST_TIMEOUT_SECS, default=30"`
	RateLimitPerSecond    float64 `env:"AE_RATE_LIMIT_PER_SEC, default=0"`
	RateLimitBurst        int     `env:"AE_RATE_LIMIT_BURST, default=10"`
	MaxResponseBytes      int64   `env:"AE_MAX_RESPONSE_BYTES, default=10485760"`

	// MethodsFile optionally points at a YAML catalog that adds to or
	// overrides the built-in business method descriptors.
	MethodsFile string `env:"AE_METHODS_FILE"`

	// OAuthRedirectURL is the callback registered with the seller
	// authorization page.
	OAuthRedirectURL string `env:"AE_OAUTH_REDIRECT_URL"`
}

func (c AliExpressConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate checks the provider settings that envconfig cannot.
func (c *AliExpressConfig) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("AE_API_URL must be an absolute URL, got %q", c.APIURL)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return errors.New("AE_REQUEST_TIMEOUT_SECS must be positive")
	}
	if c.RateLimitPerSecond < 0 {
		return errors.New("AE_RATE_LIMIT_PER_SEC must not be negative")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst < 1 {
		return errors.New("AE_RATE_LIMIT_BURST must be at least 1 when rate limiting")
	}
	return nil
}

// TokenConfig controls the background refresh of the access token, and
// optionally seeds a token pair obtained out of band.
type TokenConfig struct {
	RefreshBeforeExpiryMinutes  int `env:"TOKEN_REFRESH_BEFORE_EXPIRY_MINS, default=60"`
	RefreshCheckIntervalSeconds int `env:"TOKEN_REFRESH_CHECK_INTERVAL_SECS, default=300"`

	// Seed values are only used when nothing is persisted for the app key.
	SeedAccessToken  string `env:"AE_ACCESS_TOKEN"`
	SeedRefreshToken string `env:"AE_REFRESH_TOKEN"`
}

func (c TokenConfig) RefreshBeforeExpiry() time.Duration {
	return time.Duration(c.RefreshBeforeExpiryMinutes) * time.Minute
}

func (c TokenConfig) RefreshCheckInterval() time.Duration {
	return time.Duration(c.RefreshCheckIntervalSeconds) * time.Second
}

// TokenStoreConfig specifies where issued token pairs are persisted.
type TokenStoreConfig struct {
	// Type selects the store implementation: "memory" (default) or "valkey"
	Type string `env:"TOKEN_STORE_TYPE, default=memory"`

	Valkey ValkeyConfig

	// Encryption is only supported with the valkey store.
	Encryption StoreEncryptionConfig
}

// ValkeyConfig specifies the shared store connection.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS defaults to true so the secure option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	Username string `env:"VALKEY_USERNAME"`
	Password string `env:"VALKEY_PASSWORD"`
}

// StoreEncryptionConfig holds settings for encrypting persisted token pairs.
type StoreEncryptionConfig struct {
	Enabled bool `env:"TOKEN_STORE_ENCRYPTION_ENABLED, default=false"`

	// KeysetURI is the URI to the encrypted Tink keyset.
	// Format: aws-secretsmanager://secret-name
	KeysetURI string `env:"TOKEN_STORE_ENCRYPTION_KEYSET_URI"`

	// KMSEnvelopeKeyURI is the AWS KMS key URI for envelope encryption.
	// Format: aws-kms://arn:aws:kms:region:account:key/key-id
	KMSEnvelopeKeyURI string `env:"TOKEN_STORE_ENCRYPTION_KMS_ENVELOPE_KEY_URI"`

	// KeysetFile is a cleartext keyset for local development. It takes
	// precedence over the KMS settings.
	KeysetFile string `env:"TOKEN_STORE_ENCRYPTION_KEYSET_FILE"`
}

type AuthorizationConfig struct {
	// Disabled turns off JWT validation for local development only.
	Disabled            bool   `env:"AUTH_DISABLED, default=false"`
	Audience            string `env:"JWT_AUDIENCE, default=aliexpress-bridge"`
	IssuerURL           string `env:"JWT_ISSUER_URL"`
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`
}

// Validate requires an issuer whenever tokens are checked.
func (c *AuthorizationConfig) Validate() error {
	if c.Disabled {
		return nil
	}
	if c.IssuerURL == "" {
		return errors.New("JWT_ISSUER_URL required unless AUTH_DISABLED=true")
	}
	return nil
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=aliexpress-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.AliExpress.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid AliExpress configuration: %w", err)
	}

	if err := cfg.Authorization.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid authorization configuration: %w", err)
	}

	if err := cfg.TokenStore.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid token store configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the store configuration is consistent.
func (c *TokenStoreConfig) Validate() error {
	switch c.Type {
	case "memory", "valkey":
	default:
		return fmt.Errorf("TOKEN_STORE_TYPE must be \"memory\" or \"valkey\", got %q", c.Type)
	}

	if c.Encryption.Enabled {
		if c.Type != "valkey" {
			return errors.New("token store encryption requires TOKEN_STORE_TYPE=valkey")
		}
		if c.Encryption.KeysetFile == "" {
			if c.Encryption.KeysetURI == "" {
				return errors.New("TOKEN_STORE_ENCRYPTION_KEYSET_URI required when encryption enabled")
			}
			if c.Encryption.KMSEnvelopeKeyURI == "" {
				return errors.New("TOKEN_STORE_ENCRYPTION_KMS_ENVELOPE_KEY_URI required when encryption enabled")
			}
		}
	}

	if c.Type == "valkey" && c.Valkey.Address == "" {
		return errors.New("VALKEY_ADDRESS required when TOKEN_STORE_TYPE=valkey")
	}

	return nil
}
