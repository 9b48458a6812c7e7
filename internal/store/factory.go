package store

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/chinmina/aliexpress-bridge/internal/config"
	"github.com/chinmina/aliexpress-bridge/internal/encryption"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// memoryMaxSize bounds the in-process store. One entry per app key is
// expected, so this is generous.
const memoryMaxSize = 1_000

// NewFromConfig creates the configured store, wrapped with instrumentation.
func NewFromConfig(ctx context.Context, cfg config.TokenStoreConfig) (TokenStore, error) {
	switch cfg.Type {
	case "valkey":
		log.Info().
			Str("store_type", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Bool("encrypted", cfg.Encryption.Enabled).
			Msg("initializing distributed token store")

		if cfg.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when store type is valkey")
		}

		opts := valkey.ClientOption{
			InitAddress:       []string{cfg.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(cfg.Valkey.Username, cfg.Valkey.Password),
		}
		if cfg.Valkey.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		client, err := valkey.NewClient(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		var strategy EncryptionStrategy
		if cfg.Encryption.Enabled {
			strategy, err = newEncryptionStrategy(ctx, cfg.Encryption)
			if err != nil {
				client.Close()
				return nil, fmt.Errorf("initializing encryption: %w", err)
			}
			log.Info().Msg("token store encryption enabled with automatic keyset reload")
		}

		return NewInstrumented(NewDistributed(client, strategy), "distributed"), nil

	case "memory":
		log.Info().
			Str("store_type", "memory").
			Msg("initializing in-memory token store")

		return NewInstrumented(NewMemory(memoryMaxSize), "memory"), nil

	default:
		return nil, fmt.Errorf("invalid token store type %q: must be either \"memory\" or \"valkey\"", cfg.Type)
	}
}

func newEncryptionStrategy(ctx context.Context, cfg config.StoreEncryptionConfig) (EncryptionStrategy, error) {
	loader := encryption.KMSLoader(cfg.KeysetURI, cfg.KMSEnvelopeKeyURI)
	if cfg.KeysetFile != "" {
		loader = encryption.FileLoader(cfg.KeysetFile)
	}

	aead, err := encryption.NewRotating(ctx, loader, encryption.DefaultReloadInterval)
	if err != nil {
		return nil, err
	}

	return NewInstrumentedStrategy(NewTinkEncryptionStrategy(aead)), nil
}

// StaticCredentialsFn returns an AuthCredentialsFn that always supplies the
// configured username and password.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}
