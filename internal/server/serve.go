package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve runs srv on ln until ctx is cancelled or the process receives SIGINT
// or SIGTERM. It then drains in-flight requests for up to shutdownTimeout and
// runs hooks. A listener failure is returned without running the graceful
// drain, though hooks still run.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		served <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-served:
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if serveErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server did not drain cleanly")
			serveErr = err
		}
	}

	if err := hooks.Run(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown hooks reported errors")
	}

	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}
