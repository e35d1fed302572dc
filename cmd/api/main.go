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

	httpadapter "github.com/vetlab/bloodwork-analyzer/internal/adapters/http"
	"github.com/vetlab/bloodwork-analyzer/internal/bootstrap"
	"github.com/vetlab/bloodwork-analyzer/internal/config"
	"github.com/vetlab/bloodwork-analyzer/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger("bloodwork-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(httpadapter.Options{
		APIKey:             cfg.APIKey,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.APIRateLimitRPS,
		RateLimitBurst:     cfg.APIRateLimitBurst,
		MaxInFlight:        cfg.APIMaxInFlight,
		BackpressureWait:   cfg.APIBackpressureWait,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		Metrics:            app.HTTPMetrics,
	}, app.SubmitUC, app.PollUC, app.QueryUC).Handler()

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api_shutdown_failed", "error", err)
	}
	// In-flight analyses finish inside the same grace window.
	if err := app.Scheduler.Shutdown(shutdownCtx); err != nil {
		slog.Warn("analysis_shutdown_incomplete", "pending_patients", app.Tracker.Len(), "error", err)
	}
	slog.Info("api_stopped")
}
