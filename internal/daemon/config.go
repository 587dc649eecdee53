// Package daemon manages the taskforge daemon lifecycle and
// configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	API       APIConfig       `toml:"api"`
	Engine    EngineConfig    `toml:"engine"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Registry  RegistryConfig  `toml:"registry"`
	Payment   PaymentConfig   `toml:"payment"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID      string `toml:"id"`
	DataDir string `toml:"data_dir"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// EngineConfig controls the orchestration loop.
type EngineConfig struct {
	Tick              string `toml:"tick"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	DrainGrace        string `toml:"drain_grace"`
	MaxCPUCores       int    `toml:"max_cpu_cores"`
	MaxMemoryMB       int    `toml:"max_memory_mb"`
	MaxTimeoutSeconds int    `toml:"max_timeout_seconds"`
}

// SchedulerConfig controls node selection and retry pacing.
type SchedulerConfig struct {
	MaxAttempts        int     `toml:"max_attempts"`
	AssignmentGrace    string  `toml:"assignment_grace"`
	RetryBaseDelay     string  `toml:"retry_base_delay"`
	RetryMaxDelay      string  `toml:"retry_max_delay"`
	ExcludeFailedNodes bool    `toml:"exclude_failed_nodes"`
	WeightLoad         float64 `toml:"weight_load"`
	WeightReputation   float64 `toml:"weight_reputation"`
	WeightAffinity     float64 `toml:"weight_affinity"`
}

// SandboxConfig controls payload isolation.
type SandboxConfig struct {
	Runtime        string `toml:"runtime"` // auto, docker, podman, native
	WorkDir        string `toml:"work_dir"`
	DefaultTimeout string `toml:"default_timeout"`
}

// RegistryConfig points at the capability registry. With no URL set the
// daemon serves a static node list, defaulting to the local machine.
type RegistryConfig struct {
	URL      string       `toml:"url"`
	CacheTTL string       `toml:"cache_ttl"`
	Static   []StaticNode `toml:"static"`
}

// StaticNode declares one entry of the static registry.
type StaticNode struct {
	ID         string   `toml:"id"`
	CPUCores   int      `toml:"cpu_cores"`
	MemoryMB   int      `toml:"memory_mb"`
	Types      []string `toml:"types"`
	Services   []string `toml:"services"`
	Reputation float64  `toml:"reputation"`
}

// PaymentConfig points at the escrow service. Empty URL disables
// payments (every settlement is accepted locally).
type PaymentConfig struct {
	URL string `toml:"url"`
}

// TelemetryConfig controls observability endpoints.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			DataDir: taskforgeHome(),
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8720,
		},
		Engine: EngineConfig{
			Tick:              "500ms",
			MaxConcurrent:     4,
			DrainGrace:        "30s",
			MaxCPUCores:       16,
			MaxMemoryMB:       32 * 1024,
			MaxTimeoutSeconds: 3600,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:        3,
			AssignmentGrace:    "30s",
			RetryBaseDelay:     "1s",
			RetryMaxDelay:      "60s",
			ExcludeFailedNodes: true,
			WeightLoad:         0.40,
			WeightReputation:   0.40,
			WeightAffinity:     0.20,
		},
		Sandbox: SandboxConfig{
			Runtime:        "auto",
			DefaultTimeout: "5m",
		},
		Registry: RegistryConfig{
			CacheTTL: "10s",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// LoadConfig reads config from ~/.taskforge/config.toml, falling back
// to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(taskforgeHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.taskforge/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(taskforgeHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// taskforgeHome returns the taskforge data directory.
func taskforgeHome() string {
	if env := os.Getenv("TASKFORGE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taskforge")
}

// Home is exported for use by other packages.
func Home() string {
	return taskforgeHome()
}

// localNodeDefaults describes this machine as the single static
// registry entry when nothing else is configured.
func localNodeDefaults(nodeID string) StaticNode {
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = "local-" + host
	}
	return StaticNode{
		ID:         nodeID,
		CPUCores:   runtime.NumCPU(),
		MemoryMB:   8 * 1024,
		Types:      []string{"api_call", "batch_processing", "machine_learning", "data_analysis", "image_processing", "custom"},
		Reputation: 100,
	}
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
