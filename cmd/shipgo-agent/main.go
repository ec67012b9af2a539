package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shipth-is/shipgo/internal/app"
	httpx "github.com/shipth-is/shipgo/internal/http"
	"github.com/shipth-is/shipgo/pkg/config"
	"github.com/shipth-is/shipgo/pkg/logger"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.LoadLauncherConfig()
	if err != nil {
		logger.New("shipgo-agent", slog.LevelInfo).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("shipgo-agent", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, "shipgo-agent", buildVersion)
	if err != nil {
		log.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if err := a.Health(ctx); err != nil {
		log.Warn("runtime host unavailable", "host", cfg.RuntimeHost, "error", err)
	}
	if a.Sessions.Current() != nil {
		if _, err := a.Auth.Validate(ctx); err != nil {
			log.Warn("stored session rejected", "error", err)
		}
	}
	a.Start(ctx)

	router := httpx.New(log, httpx.Deps{
		Launcher: a.Launch,
		Builds:   a.Builds,
		Sessions: a.Sessions,
		Relay:    a.Relay,
		History:  a.Cache,
		Health:   a.Health,
	})

	srv := &http.Server{
		Addr:              cfg.AgentAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("agent starting", "addr", cfg.AgentAddr, "version", buildVersion)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := a.Launch.Stop(shutdownCtx); err != nil {
			log.Warn("stop runtime", "error", err)
		}
		a.Launch.Wait()
		log.Info("agent stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
