package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/Strob0t/CodeRelay/internal/adapter/ws"
	"github.com/Strob0t/CodeRelay/internal/config"
	"github.com/Strob0t/CodeRelay/internal/executor"
	"github.com/Strob0t/CodeRelay/internal/logger"
	"github.com/Strob0t/CodeRelay/internal/runner"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
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
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	name := cfg.Worker.Name
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}

	if cfg.Logging.Service == "coderelay" {
		cfg.Logging.Service = "coderelay-worker"
	}
	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("worker starting",
		"worker_id", name,
		"coordinator", cfg.Worker.CoordinatorURL,
		"assistant", cfg.Worker.AssistantBinary,
		"allowed_dirs", cfg.Worker.AllowedDirs,
	)

	exec := executor.New(cfg.Worker.AssistantBinary, cfg.Worker.KillGrace, log)

	r := runner.New(runner.Config{
		Name:              name,
		Secret:            cfg.Worker.SharedSecret,
		DefaultCwd:        cfg.Worker.DefaultCwd,
		AllowedDirs:       cfg.Worker.AllowedDirs,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		TaskTimeout:       cfg.Worker.TaskTimeout,
	}, exec, log)

	client := ws.NewClient(
		cfg.Worker.CoordinatorURL,
		r,
		cfg.Worker.ReconnectBase,
		cfg.Worker.ReconnectCap,
		log,
	)
	r.SetClient(client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = client.Run(ctx)
	slog.Info("worker stopped")
	return err
}
