package encryption

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultReloadInterval is how often a Rotating primitive reloads its keyset.
const DefaultReloadInterval = 15 * time.Minute

// Loader produces a fresh AEAD from external key material.
type Loader func(ctx context.Context) (tink.AEAD, error)

// KMSLoader loads the keyset from Secrets Manager, unwrapping it with KMS.
func KMSLoader(keysetURI, kmsKeyURI string) Loader {
	return func(ctx context.Context) (tink.AEAD, error) {
		return FromKMS(ctx, keysetURI, kmsKeyURI)
	}
}

// FileLoader loads a cleartext keyset from disk.
func FileLoader(path string) Loader {
	return func(context.Context) (tink.AEAD, error) {
		return FromFile(path)
	}
}

type current struct {
	tink.AEAD
}

// Rotating is a tink.AEAD that periodically reloads its keyset so that new
// primary keys are picked up without a restart. A failed reload keeps the
// keyset already in use.
type Rotating struct {
	active atomic.Pointer[current]
	load   Loader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRotating loads the initial keyset synchronously and then reloads it every
// interval until Close is called. An initial load failure is returned and no
// background work is started.
func NewRotating(ctx context.Context, load Loader, interval time.Duration) (*Rotating, error) {
	initial, err := load(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r := &Rotating{
		load:   load,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.active.Store(&current{initial})

	go r.run(loopCtx, interval)

	return r, nil
}

func (r *Rotating) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return r.active.Load().Encrypt(plaintext, associatedData)
}

func (r *Rotating) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	return r.active.Load().Decrypt(ciphertext, associatedData)
}

// Close stops reloading and waits for the background loop to exit.
func (r *Rotating) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *Rotating) run(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload(ctx)
		}
	}
}

func (r *Rotating) reload(ctx context.Context) {
	next, err := r.load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("keyset reload failed, keeping current keyset")
		return
	}

	r.active.Store(&current{next})
	log.Debug().Msg("keyset reloaded")
}
