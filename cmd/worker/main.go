package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"booking/internal/bootstrap"
	"booking/internal/config"
	"booking/internal/httpserver"
	"booking/internal/logging"
	"booking/internal/observability"
	"booking/internal/service"
	"booking/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	st, closeStore, err := bootstrap.OpenStore(ctx, cfg.StoreConfig)
	if err != nil {
		slog.Error("worker store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	dispatcher, closeDispatcher, err := bootstrap.NewDispatcher(ctx, cfg.NotifyConfig)
	if err != nil {
		slog.Error("worker notifier init failed", "backend", cfg.NotifyBackend, "err", err)
		os.Exit(1)
	}
	defer closeDispatcher()

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	bookings := &service.BookingService{
		Store:                     st,
		RequireArtistConfirmation: cfg.RequireArtistConfirmation,
	}
	sweeper := &worker.Sweeper{
		Store:       st,
		Expirer:     bookings,
		Notifier:    dispatcher,
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		WarningLead: cfg.ExpiryWarningLead,
	}

	// health server (liveness + readiness)
	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, st.Ping))

	healthSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(healthMux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.NewMetricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
		}
	}()

	sweepErrCh := make(chan error, 1)
	go func() {
		sweepErrCh <- sweeper.Run(ctx)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	sweepDone := false
	select {
	case err := <-sweepErrCh:
		sweepDone = true
		if err != nil && err != context.Canceled {
			slog.Error("worker sweep failed", "err", err)
			exitCode = 1
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	if !sweepDone {
		select {
		case <-sweepErrCh:
		case <-time.After(10 * time.Second):
			slog.Info("worker shutdown timeout waiting for sweep loop")
		}
	}
	if exitCode != 0 {
		closeDispatcher()
		closeStore()
		os.Exit(exitCode)
	}
}
