package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/kabuka/internal/app"
	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, os.Getenv("KABUKA_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(os.Stdout, a.Config, a.Logger)

	if err := a.StartBackground(); err != nil {
		a.Logger.Error().Err(err).Msg("Failed to start background triggers")
		a.Close()
		os.Exit(1)
	}

	srv := server.NewServer(a)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	a.Logger.Info().
		Str("addr", srv.Addr()).
		Dur("startup", time.Since(a.StartupTime)).
		Msg("Server ready")

	<-ctx.Done()
	a.Logger.Info().Msg("Shutdown signal received")

	// A run in flight gets the shutdown window to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	common.PrintShutdownBanner(os.Stdout, a.Logger)
	if err := a.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("Shutdown completed with errors")
	}
	a.Logger.Info().Msg("Server stopped")
}
