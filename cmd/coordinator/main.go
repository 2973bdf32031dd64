package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/CodeRelay/internal/adapter/discord"
	crhttp "github.com/Strob0t/CodeRelay/internal/adapter/http"
	crnats "github.com/Strob0t/CodeRelay/internal/adapter/nats"
	crotel "github.com/Strob0t/CodeRelay/internal/adapter/otel"
	"github.com/Strob0t/CodeRelay/internal/adapter/ristretto"
	"github.com/Strob0t/CodeRelay/internal/adapter/ws"
	"github.com/Strob0t/CodeRelay/internal/config"
	"github.com/Strob0t/CodeRelay/internal/domain/worker"
	"github.com/Strob0t/CodeRelay/internal/logger"
	"github.com/Strob0t/CodeRelay/internal/manager"
	"github.com/Strob0t/CodeRelay/internal/port/sink"
	"github.com/Strob0t/CodeRelay/internal/registry"
	"github.com/Strob0t/CodeRelay/internal/resilience"
)

// attachmentCacheSize bounds the in-process attachment byte cache.
const attachmentCacheSize = 64 << 20

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateCoordinator(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Logging.Service == "coderelay" {
		cfg.Logging.Service = "coderelay-coordinator"
	}
	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Coordinator.Port,
		"queue_capacity", cfg.Coordinator.QueueCapacity,
		"heartbeat_interval", cfg.Coordinator.HeartbeatInterval,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := crotel.Init(ctx, cfg.Logging.Service, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	// --- Sinks ---
	var taskSinks sink.Multi
	var workerSink sink.WorkerSink = sink.Nop{}

	if url := cfg.Coordinator.Discord.WebhookURL; url != "" {
		notifier := discord.New(url, log)
		taskSinks = append(taskSinks, notifier)
		workerSink = notifier
		slog.Info("discord notifier enabled")
	}

	if cfg.NATS.URL != "" {
		mirror, merr := crnats.Connect(cfg.NATS.URL, log)
		if merr != nil {
			return fmt.Errorf("nats: %w", merr)
		}
		defer mirror.Close()
		taskSinks = append(taskSinks, mirror)
	}

	if cfg.Telemetry.Endpoint != "" {
		metrics, merr := crotel.NewMetrics()
		if merr != nil {
			return fmt.Errorf("otel metrics: %w", merr)
		}
		taskSinks = append(taskSinks, crotel.NewSinkMetrics(metrics))
	}

	// --- Attachment delivery ---
	cache, err := ristretto.New(attachmentCacheSize)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	breaker := resilience.New(cfg.Breaker.MaxFailures, cfg.Breaker.Cooldown)
	fetcher := manager.NewFetcher(
		&http.Client{Timeout: cfg.Coordinator.TransferBudget},
		breaker,
		cache,
		log,
	)

	// --- Core services ---
	// The registry callbacks close over mgr, which is constructed right
	// after with the registry as its worker pool.
	var mgr *manager.Manager
	reg := registry.New(cfg.Coordinator.SharedSecret, cfg.Coordinator.HeartbeatInterval, registry.Callbacks{
		OnConnected: func(w worker.Worker) {
			workerSink.OnWorkerConnected(w)
		},
		OnDisconnected: func(workerID string, hadRunningTask bool) {
			workerSink.OnWorkerDisconnected(workerID, hadRunningTask)
			mgr.OnWorkerDisconnected(workerID, hadRunningTask)
		},
	}, log)

	mgr = manager.New(manager.Config{
		QueueCapacity:    cfg.Coordinator.QueueCapacity,
		TaskTimeout:      cfg.Coordinator.TaskTimeout,
		ThrottleInterval: cfg.Coordinator.ThrottleInterval,
		TransferBudget:   cfg.Coordinator.TransferBudget,
	}, reg, taskSinks, fetcher, log)

	server := ws.NewServer(&controlHandler{
		registry: reg,
		manager:  mgr,
		log:      log,
	}, cfg.Coordinator.AuthTimeout, log)

	// --- HTTP ---
	handlers := &crhttp.Handlers{Manager: mgr, Registry: reg}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler(mgr, reg))
	r.Get("/ws", server.HandleWS)
	crhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Coordinator.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "coordinator"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting coordinator", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down coordinator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports service status with worker and queue counts.
func healthHandler(mgr *manager.Manager, reg *registry.Registry) http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		Workers int    `json:"workers"`
		Queued  int    `json:"queued"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:  "ok",
			Workers: reg.Count(),
			Queued:  mgr.QueueLen(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
