package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carapace-sec/carapace/internal/logging"
	"github.com/carapace-sec/carapace/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Carapace gateway server",
	Long: `Start the gateway: the HTTP control plane, the per-session WebSocket
data plane, and the security pipeline in between.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, err := server.Bootstrap(ctx, servePort)
	if err != nil {
		return err
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
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-quit:
	}

	logging.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
