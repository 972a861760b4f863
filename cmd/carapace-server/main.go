// Package main provides the entry point for the Carapace gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/server"
)

var (
	port    = flag.Int("port", 0, "Server port (overrides config)")
	version = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Exit codes: 0 normal, 1 configuration error, 2 bind/port error.
const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("carapace-server %s (%s)\n", Version, BuildTime)
		os.Exit(exitOK)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.Bootstrap(ctx, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "carapace-server: %v\n", err)
		os.Exit(exitConfig)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("version", Version).Msg("carapace server listening")
		errCh <- srv.Start()
	}()
	go srv.RunRetentionSweep(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, server.ErrBind) {
			fmt.Fprintf(os.Stderr, "carapace-server: %v\n", err)
			os.Exit(exitBind)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("server error")
			os.Exit(exitConfig)
		}
	case <-quit:
	}

	logging.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown error")
	}

	logging.Close()
}
