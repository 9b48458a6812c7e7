package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks collects cleanup work to run when the server stops. Hooks run
// in reverse order of registration, so a component is stopped before the
// things it depends on. A failing hook does not stop the others.
type ShutdownHooks struct {
	mu    sync.Mutex
	hooks []hook
}

// Add registers fn under name. A nil fn is ignored.
func (s *ShutdownHooks) Add(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// AddCloser registers the Close method of c.
func (s *ShutdownHooks) AddCloser(name string, c io.Closer) {
	if c == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}
	s.Add(name, func(context.Context) error { return c.Close() })
}

// AddCancel registers a context cancellation, typically stopping a
// background goroutine.
func (s *ShutdownHooks) AddCancel(name string, cancel context.CancelFunc) {
	if cancel == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}
	s.Add(name, func(context.Context) error { cancel(); return nil })
}

// Run executes the hooks, most recently added first, and returns the joined
// errors of those that failed. Hooks that panic are reported as failures.
func (s *ShutdownHooks) Run(ctx context.Context) error {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	l := log.Ctx(ctx)

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		hookLog := l.With().Str("hook", h.name).Logger()

		if err := runHook(ctx, h); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		hookLog.Debug().Msg("shutdown hook complete")
	}

	return errors.Join(errs...)
}

func runHook(ctx context.Context, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx)
}
