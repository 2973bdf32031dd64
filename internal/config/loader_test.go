package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsCarryProtocolConstants(t *testing.T) {
	cfg := Defaults()

	if cfg.Coordinator.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat interval: %v", cfg.Coordinator.HeartbeatInterval)
	}
	if cfg.Coordinator.TaskTimeout != 10*time.Minute {
		t.Fatalf("task timeout: %v", cfg.Coordinator.TaskTimeout)
	}
	if cfg.Coordinator.QueueCapacity != 50 {
		t.Fatalf("queue capacity: %d", cfg.Coordinator.QueueCapacity)
	}
	if cfg.Coordinator.ThrottleInterval != time.Second {
		t.Fatalf("throttle interval: %v", cfg.Coordinator.ThrottleInterval)
	}
	if cfg.Coordinator.TransferBudget != 10*time.Second {
		t.Fatalf("transfer budget: %v", cfg.Coordinator.TransferBudget)
	}
	if cfg.Worker.ReconnectBase != time.Second || cfg.Worker.ReconnectCap != 60*time.Second {
		t.Fatalf("reconnect: %v / %v", cfg.Worker.ReconnectBase, cfg.Worker.ReconnectCap)
	}
	if cfg.Worker.KillGrace != 5*time.Second {
		t.Fatalf("kill grace: %v", cfg.Worker.KillGrace)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CODERELAY_PORT", "9000")
	t.Setenv("CODERELAY_SHARED_SECRET", "hunter2")
	t.Setenv("CODERELAY_URL", "ws://coordinator:9000/ws")
	t.Setenv("WORKER_NAME", "buildbox")
	t.Setenv("WORKER_ALLOWED_DIRS", "/srv/repos, /home/dev ,")
	t.Setenv("CODERELAY_TASK_TIMEOUT", "5m")
	t.Setenv("CODERELAY_LOG_LEVEL", "debug")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Coordinator.Port != "9000" {
		t.Fatalf("port: %s", cfg.Coordinator.Port)
	}
	if cfg.Coordinator.SharedSecret != "hunter2" || cfg.Worker.SharedSecret != "hunter2" {
		t.Fatal("shared secret should apply to both roles")
	}
	if cfg.Worker.Name != "buildbox" {
		t.Fatalf("worker name: %s", cfg.Worker.Name)
	}
	if len(cfg.Worker.AllowedDirs) != 2 || cfg.Worker.AllowedDirs[0] != "/srv/repos" || cfg.Worker.AllowedDirs[1] != "/home/dev" {
		t.Fatalf("allowed dirs: %v", cfg.Worker.AllowedDirs)
	}
	if cfg.Coordinator.TaskTimeout != 5*time.Minute {
		t.Fatalf("task timeout: %v", cfg.Coordinator.TaskTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level: %s", cfg.Logging.Level)
	}
}

func TestYAMLThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coderelay.yaml")
	yaml := `
coordinator:
  port: "7000"
  shared_secret: from-yaml
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("CODERELAY_PORT", "7100")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Coordinator.Port != "7100" {
		t.Fatalf("env should beat yaml, got %s", cfg.Coordinator.Port)
	}
	if cfg.Coordinator.SharedSecret != "from-yaml" {
		t.Fatalf("yaml should beat defaults, got %s", cfg.Coordinator.SharedSecret)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level: %s", cfg.Logging.Level)
	}
}

func TestValidateRoles(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ValidateCoordinator(); err == nil {
		t.Fatal("missing shared secret should fail coordinator validation")
	}
	cfg.Coordinator.SharedSecret = "s"
	if err := cfg.ValidateCoordinator(); err != nil {
		t.Fatalf("coordinator validation: %v", err)
	}

	if err := cfg.ValidateWorker(); err == nil {
		t.Fatal("missing coordinator url should fail worker validation")
	}
	cfg.Worker.CoordinatorURL = "ws://x/ws"
	cfg.Worker.SharedSecret = "s"
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("worker validation: %v", err)
	}
}
