// Package server runs the HTTP server until it is interrupted, then drains
// in-flight requests and runs the registered shutdown hooks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve accepts connections on listener until ctx is done or the process
// receives SIGINT or SIGTERM. Shutdown waits up to shutdownTimeout for
// in-flight requests before the hooks run.
func Serve(ctx context.Context, srv *http.Server, listener net.Listener, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server listening")

		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown requested, draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}

	if hooks != nil {
		hooks.Execute(shutdownCtx)
	}

	if serr := <-serveErr; serr != nil {
		return fmt.Errorf("server stopped unexpectedly: %w", serr)
	}

	log.Info().Msg("server shutdown complete")

	return err
}
