// Package config loads server configuration from an optional JSON file with
// environment-variable overrides. Missing mandatory settings fail eagerly at
// startup; they are not recoverable in-process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for the cascor server.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Training TrainingConfig `json:"training"`
	Relay    RelayConfig    `json:"relay"`
	Tracing  TracingConfig  `json:"tracing"`
}

// ServerConfig holds the HTTP/WebSocket control surface configuration.
type ServerConfig struct {
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowEmptyOrigin bool     `json:"allow_empty_origin"`
}

// TrainingConfig holds orchestration defaults.
type TrainingConfig struct {
	HistoryCapacity int     `json:"history_capacity"` // metrics ring buffer size
	LearningRate    float64 `json:"learning_rate"`
	MaxHiddenUnits  int     `json:"max_hidden_units"`
	OutputEpochs    int     `json:"output_epochs"`
	CandidateEpochs int     `json:"candidate_epochs"`
	EpochDelayMs    int     `json:"epoch_delay_ms"` // simulated model pacing
}

// RelayConfig holds the event relay configuration.
type RelayConfig struct {
	QueueSize int `json:"queue_size"`
}

// TracingConfig toggles OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8090,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Training: TrainingConfig{
			HistoryCapacity: 1000,
			LearningRate:    0.01,
			MaxHiddenUnits:  8,
			OutputEpochs:    10,
			CandidateEpochs: 5,
			EpochDelayMs:    50,
		},
		Relay: RelayConfig{
			QueueSize: 256,
		},
	}
}

func getConfigPath() string {
	if p := os.Getenv("CASCOR_CONFIG"); p != "" {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(homeDir, ".cascor", "config.json")
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from the config file and environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	envString("CASCOR_SERVER_HOST", &cfg.Server.Host)
	envInt("CASCOR_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("CASCOR_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	envBool("CASCOR_ALLOW_EMPTY_ORIGIN", &cfg.Server.AllowEmptyOrigin)

	envInt("CASCOR_HISTORY_CAPACITY", &cfg.Training.HistoryCapacity)
	envFloat("CASCOR_LEARNING_RATE", &cfg.Training.LearningRate)
	envInt("CASCOR_MAX_HIDDEN_UNITS", &cfg.Training.MaxHiddenUnits)
	envInt("CASCOR_OUTPUT_EPOCHS", &cfg.Training.OutputEpochs)
	envInt("CASCOR_CANDIDATE_EPOCHS", &cfg.Training.CandidateEpochs)
	envInt("CASCOR_EPOCH_DELAY_MS", &cfg.Training.EpochDelayMs)

	envInt("CASCOR_RELAY_QUEUE_SIZE", &cfg.Relay.QueueSize)
	envBool("CASCOR_TRACING_ENABLED", &cfg.Tracing.Enabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Host == "" {
		errs = append(errs, "server host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}
	if len(c.Server.AllowedOrigins) == 0 && !c.Server.AllowEmptyOrigin {
		errs = append(errs, "at least one allowed origin is required")
	}

	if c.Training.HistoryCapacity < 1 {
		errs = append(errs, "training history_capacity must be positive")
	}
	if c.Training.LearningRate <= 0 || c.Training.LearningRate > 1 {
		errs = append(errs, "training learning_rate must be in (0, 1]")
	}
	if c.Training.MaxHiddenUnits < 1 {
		errs = append(errs, "training max_hidden_units must be positive")
	}
	if c.Training.OutputEpochs < 1 || c.Training.CandidateEpochs < 1 {
		errs = append(errs, "training epoch counts must be positive")
	}

	if c.Relay.QueueSize < 1 {
		errs = append(errs, "relay queue_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
