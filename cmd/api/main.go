package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"booking/internal/auth"
	"booking/internal/bootstrap"
	"booking/internal/config"
	"booking/internal/httpserver"
	"booking/internal/logging"
	"booking/internal/observability"
	"booking/internal/realtime"
	"booking/internal/render"
	"booking/internal/service"
	"booking/internal/worker"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := bootstrap.OpenStore(ctx, cfg.StoreConfig)
	if err != nil {
		slog.Error("api store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	observability.Register(prometheus.DefaultRegisterer)

	hub := realtime.NewHub(realtime.HubOptions{
		CoalesceInterval: cfg.CoalesceInterval,
		FrameTimeout:     cfg.DeliveryTimeout,
		ReconnectRPS:     cfg.ReconnectRPS,
		ReconnectBurst:   cfg.ReconnectBurst,
		HintDelay:        cfg.ReconnectHintDelay,
	})
	unread := service.NewUnreadCounter(st, cfg.UnreadCacheTTL)

	drainer := &worker.Drainer{
		Store:           st,
		Hub:             hub,
		Unread:          unread,
		Interval:        cfg.OutboxPollInterval,
		BatchSize:       cfg.OutboxBatchSize,
		Backoff:         worker.Backoff{Base: cfg.OutboxBackoffBase, Max: cfg.OutboxBackoffMax},
		DeadLetterAfter: cfg.OutboxDeadLetterAfter,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}

	bookings := &service.BookingService{
		Store:                     st,
		Renderer:                  render.QuotePDF{},
		Unread:                    unread,
		AfterCommit:               drainer.Wake,
		QuoteTTL:                  cfg.QuoteTTL,
		ReviewQuoteTTL:            cfg.ReviewQuoteTTL,
		RequireArtistConfirmation: cfg.RequireArtistConfirmation,
	}
	threads := &service.ThreadService{Store: st, Unread: unread, AfterCommit: drainer.Wake}

	s := httpserver.New()
	api := &httpserver.API{
		Bookings: bookings,
		Threads:  threads,
		Unread:   unread,
		Hub:      hub,
		Auth:     auth.NewVerifier(cfg.AuthJWTSecret),
		Upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, st.Ping))
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))

	handler := httpserver.RequestID(httpserver.Logging(s.Mux))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.NewMetricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// background loops
	go func() {
		if err := drainer.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("outbox drainer stopped", "err", err)
		}
	}()
	go func() {
		if err := hub.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("realtime coalescer stopped", "err", err)
		}
	}()
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port, "store", cfg.StoreBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
