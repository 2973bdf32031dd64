// Package config provides hierarchical configuration loading for CodeRelay.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the coordinator and worker.
type Config struct {
	Coordinator Coordinator `yaml:"coordinator"`
	Worker      Worker      `yaml:"worker"`
	Logging     Logging     `yaml:"logging"`
	Telemetry   Telemetry   `yaml:"telemetry"`
	NATS        NATS        `yaml:"nats"`
	Breaker     Breaker     `yaml:"breaker"`
}

// Coordinator holds the coordinator-side settings.
type Coordinator struct {
	Port              string        `yaml:"port"`
	SharedSecret      string        `yaml:"shared_secret"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	ThrottleInterval  time.Duration `yaml:"throttle_interval"`
	TransferBudget    time.Duration `yaml:"transfer_budget"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	AllowedUserIDs    []string      `yaml:"allowed_user_ids"`
	Discord           Discord       `yaml:"discord"`
}

// Discord holds the chat-surface settings. Only WebhookURL is read in this
// repository, by the webhook notifier; the other fields are loaded but unused.
type Discord struct {
	Token             string `yaml:"token"`
	GuildID           string `yaml:"guild_id"`
	WebhookURL        string `yaml:"webhook_url"`
	TaskChannelID     string `yaml:"task_channel_id"`
	WorkerChannelID   string `yaml:"worker_channel_id"`
	TokenChannelID    string `yaml:"token_channel_id"`
	TeamChannelID     string `yaml:"team_channel_id"`
	ScheduleChannelID string `yaml:"schedule_channel_id"`
}

// Worker holds the worker-side settings.
type Worker struct {
	CoordinatorURL    string        `yaml:"coordinator_url"`
	SharedSecret      string        `yaml:"shared_secret"`
	Name              string        `yaml:"name"`
	DefaultCwd        string        `yaml:"default_cwd"`
	AllowedDirs       []string      `yaml:"allowed_dirs"`
	AssistantBinary   string        `yaml:"assistant_binary"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectCap      time.Duration `yaml:"reconnect_cap"`
	KillGrace         time.Duration `yaml:"kill_grace"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level       string `yaml:"level"`
	Service     string `yaml:"service"`
	Async       bool   `yaml:"async"`
	AsyncBuffer int    `yaml:"async_buffer"`
}

// Telemetry holds OTLP exporter configuration. An empty endpoint disables
// telemetry entirely.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// NATS holds the optional event-mirror broker configuration. An empty URL
// disables the mirror.
type NATS struct {
	URL string `yaml:"url"`
}

// Breaker holds circuit breaker configuration for attachment downloads.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// Defaults returns a Config carrying the operational constants of the
// control-plane protocol. The timing values are load-bearing for
// compatibility; change them only alongside the worker fleet.
func Defaults() Config {
	return Config{
		Coordinator: Coordinator{
			Port:              "8443",
			HeartbeatInterval: 30 * time.Second,
			TaskTimeout:       10 * time.Minute,
			QueueCapacity:     50,
			ThrottleInterval:  time.Second,
			TransferBudget:    10 * time.Second,
			AuthTimeout:       10 * time.Second,
		},
		Worker: Worker{
			Name:              "",
			AssistantBinary:   "claude",
			HeartbeatInterval: 30 * time.Second,
			TaskTimeout:       10 * time.Minute,
			ReconnectBase:     time.Second,
			ReconnectCap:      60 * time.Second,
			KillGrace:         5 * time.Second,
		},
		Logging: Logging{
			Level:       "info",
			Service:     "coderelay",
			AsyncBuffer: 1024,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		},
	}
}
