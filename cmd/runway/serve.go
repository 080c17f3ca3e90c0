package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runwayhq/runway/pkg/api"
	"github.com/runwayhq/runway/pkg/config"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Serve derived views, aggregates and mutations over HTTP and live views
over websockets.

The JWT secret comes from api.jwt_secret or the ` + config.EnvJWTSecret + `
environment variable.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	addr := e.cfg.API.Addr
	if cmd.Flags().Changed("addr") {
		addr, _ = cmd.Flags().GetString("addr")
	}
	if e.cfg.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret or %s is required to serve", config.EnvJWTSecret)
	}
	auth, err := api.NewAuthenticator(e.cfg.API.JWTSecret, e.cfg.API.Issuer)
	if err != nil {
		return err
	}

	logger := log.WithComponent("serve")
	logger.Info().
		Str("backend", e.cfg.Store.Backend).
		Str("addr", addr).
		Strs("collections", e.schemas.Names()).
		Msg("Starting runway")

	collector := metrics.NewCollector(e.store, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	srv, err := api.NewServer(api.Config{PageSize: e.cfg.View.PageSize}, api.Deps{
		Store:   e.store,
		Client:  e.client,
		Gateway: e.gw,
		Schemas: e.schemas,
		Auth:    auth,
		Logger:  log.Logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}
