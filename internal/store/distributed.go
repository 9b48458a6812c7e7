package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/token"
	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

const keyPrefix = "aliexpress-bridge:token:"

// clientCacheTTL bounds how long a pair read from Valkey is served from the
// client-side cache. The server invalidates tracked keys when they change.
const clientCacheTTL = time.Minute

// Distributed stores pairs in Valkey so that an authorization survives a
// bridge restart or redeploy. The pair is read once at startup; only one
// bridge instance may hold a given app key's authorization at a time, since
// each instance refreshes its own copy and a refresh invalidates the prior
// refresh token.
type Distributed struct {
	client   valkey.Client
	strategy EncryptionStrategy
	now      func() time.Time
}

// NewDistributed creates a Valkey-backed store. A nil strategy stores pairs
// unencrypted.
func NewDistributed(client valkey.Client, strategy EncryptionStrategy) *Distributed {
	if strategy == nil {
		strategy = NoEncryptionStrategy{}
	}
	return &Distributed{
		client:   client,
		strategy: strategy,
		now:      time.Now,
	}
}

func (d *Distributed) storageKey(appKey string) string {
	return d.strategy.StorageKey(keyPrefix + appKey)
}

// Load reads the pair for appKey. An entry that cannot be decrypted is
// removed on a best-effort basis and reported as an error.
func (d *Distributed) Load(ctx context.Context, appKey string) (token.State, bool, error) {
	key := d.storageKey(appKey)

	result := d.client.DoCache(ctx, d.client.B().Get().Key(key).Cache(), clientCacheTTL)
	value, err := result.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return token.State{}, false, nil
		}
		return token.State{}, false, fmt.Errorf("reading stored token: %w", err)
	}

	data, err := d.strategy.DecryptValue(ctx, value, key)
	if err != nil {
		_ = d.client.Do(ctx, d.client.B().Del().Key(key).Build()).Error()
		return token.State{}, false, fmt.Errorf("stored token for %q is unreadable: %w", appKey, err)
	}

	var state token.State
	if err := json.Unmarshal(data, &state); err != nil {
		return token.State{}, false, fmt.Errorf("decoding stored token: %w", err)
	}

	return state, true, nil
}

// Save writes the pair, expiring it when it can no longer be refreshed.
func (d *Distributed) Save(ctx context.Context, appKey string, state token.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	key := d.storageKey(appKey)
	value, err := d.strategy.EncryptValue(ctx, data, key)
	if err != nil {
		return fmt.Errorf("encrypting token: %w", err)
	}

	ttl := int64(retention(state, d.now()).Seconds())
	cmd := d.client.B().Set().Key(key).Value(value).ExSeconds(max(ttl, 1)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("writing stored token: %w", err)
	}
	return nil
}

func (d *Distributed) Delete(ctx context.Context, appKey string) error {
	if err := d.client.Do(ctx, d.client.B().Del().Key(d.storageKey(appKey)).Build()).Error(); err != nil {
		return fmt.Errorf("deleting stored token: %w", err)
	}
	return nil
}

// Close releases the client and the encryption strategy.
func (d *Distributed) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	d.client.Close()
	return nil
}
