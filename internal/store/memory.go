package store

import (
	"context"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/token"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory keeps pairs in process. Entries expire when the pair can no longer
// be refreshed.
type Memory struct {
	cache   *otter.Cache[string, token.State]
	counter *stats.Counter
}

func NewMemory(maxSize int) *Memory {
	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[string, token.State]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
		ExpiryCalculator: otter.ExpiryWritingFunc(func(e otter.Entry[string, token.State]) time.Duration {
			return retention(e.Value, time.Now())
		}),
	})

	return &Memory{
		cache:   cache,
		counter: counter,
	}
}

func (m *Memory) Load(_ context.Context, appKey string) (token.State, bool, error) {
	state, ok := m.cache.GetIfPresent(appKey)
	return state, ok, nil
}

func (m *Memory) Save(_ context.Context, appKey string, state token.State) error {
	m.cache.Set(appKey, state)
	return nil
}

func (m *Memory) Delete(_ context.Context, appKey string) error {
	m.cache.Invalidate(appKey)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
