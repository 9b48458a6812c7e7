//go:build integration

package testhelpers

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/chinmina/aliexpress-bridge/internal/config"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

// RunValkeyContainer starts a password-protected Valkey container and returns
// a store configuration pointing at it, with encryption enabled through a
// throwaway keyset file. The container is terminated at test cleanup.
func RunValkeyContainer(t *testing.T) config.TokenStoreConfig {
	t.Helper()
	ctx := context.Background()

	const port = "6379/tcp"
	password := rand.Text()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "valkey/valkey:9-alpine",
			Env: map[string]string{
				"VALKEY_EXTRA_FLAGS": "--requirepass " + password,
			},
			ExposedPorts: []string{port},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections"),
				wait.ForListeningPort(nat.Port(port)),
			),
		},
		Started: true,
		Logger:  log.TestLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)

	return config.TokenStoreConfig{
		Type: "valkey",
		Valkey: config.ValkeyConfig{
			// 127.0.0.1 avoids IPv6 resolution of localhost
			Address:  "127.0.0.1:" + mapped.Port(),
			Username: "default",
			Password: password,
		},
		Encryption: config.StoreEncryptionConfig{
			Enabled:    true,
			KeysetFile: writeTestKeyset(t),
		},
	}
}

func writeTestKeyset(t *testing.T) string {
	t.Helper()

	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keyset.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(f)))

	return path
}
