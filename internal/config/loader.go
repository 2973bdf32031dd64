package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "coderelay.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Coordinator.Port, "CODERELAY_PORT")
	setString(&cfg.Coordinator.SharedSecret, "CODERELAY_SHARED_SECRET")
	setDuration(&cfg.Coordinator.HeartbeatInterval, "CODERELAY_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Coordinator.TaskTimeout, "CODERELAY_TASK_TIMEOUT")
	setInt(&cfg.Coordinator.QueueCapacity, "CODERELAY_QUEUE_CAPACITY")
	setDuration(&cfg.Coordinator.ThrottleInterval, "CODERELAY_THROTTLE_INTERVAL")
	setDuration(&cfg.Coordinator.TransferBudget, "CODERELAY_TRANSFER_BUDGET")
	setStringSlice(&cfg.Coordinator.AllowedUserIDs, "CODERELAY_ALLOWED_USERS")

	setString(&cfg.Coordinator.Discord.Token, "DISCORD_TOKEN")
	setString(&cfg.Coordinator.Discord.GuildID, "DISCORD_GUILD_ID")
	setString(&cfg.Coordinator.Discord.WebhookURL, "DISCORD_WEBHOOK_URL")
	setString(&cfg.Coordinator.Discord.TaskChannelID, "DISCORD_TASK_CHANNEL")
	setString(&cfg.Coordinator.Discord.WorkerChannelID, "DISCORD_WORKER_CHANNEL")
	setString(&cfg.Coordinator.Discord.TokenChannelID, "DISCORD_TOKEN_CHANNEL")
	setString(&cfg.Coordinator.Discord.TeamChannelID, "DISCORD_TEAM_CHANNEL")
	setString(&cfg.Coordinator.Discord.ScheduleChannelID, "DISCORD_SCHEDULE_CHANNEL")

	setString(&cfg.Worker.CoordinatorURL, "CODERELAY_URL")
	setString(&cfg.Worker.SharedSecret, "CODERELAY_SHARED_SECRET")
	setString(&cfg.Worker.Name, "WORKER_NAME")
	setString(&cfg.Worker.DefaultCwd, "WORKER_DEFAULT_CWD")
	setStringSlice(&cfg.Worker.AllowedDirs, "WORKER_ALLOWED_DIRS")
	setString(&cfg.Worker.AssistantBinary, "WORKER_ASSISTANT_BINARY")
	setDuration(&cfg.Worker.TaskTimeout, "WORKER_TASK_TIMEOUT")

	setString(&cfg.Logging.Level, "CODERELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CODERELAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CODERELAY_LOG_ASYNC")

	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")

	setString(&cfg.NATS.URL, "NATS_URL")

	setInt(&cfg.Breaker.MaxFailures, "CODERELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Cooldown, "CODERELAY_BREAKER_COOLDOWN")
}

// ValidateCoordinator checks the fields the coordinator binary requires.
func (c *Config) ValidateCoordinator() error {
	if c.Coordinator.Port == "" {
		return errors.New("coordinator.port is required")
	}
	if c.Coordinator.SharedSecret == "" {
		return errors.New("coordinator.shared_secret is required")
	}
	if c.Coordinator.QueueCapacity < 1 {
		return errors.New("coordinator.queue_capacity must be >= 1")
	}
	return nil
}

// ValidateWorker checks the fields the worker binary requires.
func (c *Config) ValidateWorker() error {
	if c.Worker.CoordinatorURL == "" {
		return errors.New("worker.coordinator_url is required")
	}
	if c.Worker.SharedSecret == "" {
		return errors.New("worker.shared_secret is required")
	}
	if c.Worker.AssistantBinary == "" {
		return errors.New("worker.assistant_binary is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
