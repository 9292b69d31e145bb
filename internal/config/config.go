// Package config loads and validates crew configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewhq/crew/internal/logging"
)

// Config represents the main configuration
type Config struct {
	Version       string              `yaml:"version"`
	DataDir       string              `yaml:"data_dir"`
	WorkspaceRoot string              `yaml:"workspace_root"`
	Gateway       *GatewayConfig      `yaml:"gateway"`
	Logging       *logging.Config     `yaml:"logging"`
	Board         *BoardConfig        `yaml:"board"`
	PullRequests  *PullRequestConfig  `yaml:"pull_requests"`
	Developer     *DeveloperConfig    `yaml:"developer"`
	Pool          *PoolConfig         `yaml:"pool"`
	Planner       *PlannerConfig      `yaml:"planner"`
	Git           *GitConfig          `yaml:"git"`
}

// GatewayConfig holds local gateway server settings
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BoardConfig holds project board provider settings
type BoardConfig struct {
	Provider string `yaml:"provider"` // github, mock
	BoardID  string `yaml:"board_id"`
	Token    string `yaml:"token"`
	APIBase  string `yaml:"api_base,omitempty"`
}

// PullRequestConfig holds pull request provider settings
type PullRequestConfig struct {
	Provider string `yaml:"provider"` // github, mock
	Token    string `yaml:"token"`
	APIBase  string `yaml:"api_base,omitempty"`
}

// DeveloperConfig holds AI developer subprocess settings
type DeveloperConfig struct {
	Type             string   `yaml:"type"` // claude, gemini, mock
	Command          string   `yaml:"command,omitempty"`
	ExtraArgs        []string `yaml:"extra_args,omitempty"`
	Timeout          string   `yaml:"timeout"`
	HeartbeatTimeout string   `yaml:"heartbeat_timeout"`
}

// PoolConfig holds worker pool settings
type PoolConfig struct {
	MinWorkers           int    `yaml:"min_workers"`
	MaxWorkers           int    `yaml:"max_workers"`
	MinPersistentWorkers int    `yaml:"min_persistent_workers"`
	IdleTimeout          string `yaml:"idle_timeout"`
	RecoveryTimeout      string `yaml:"recovery_timeout"`
}

// PlannerConfig holds reconciliation loop settings
type PlannerConfig struct {
	MonitoringInterval string   `yaml:"monitoring_interval"`
	MaxTaskAttempts    int      `yaml:"max_task_attempts"`
	ErrorLogSize       int      `yaml:"error_log_size"`
	AllowedBots        []string `yaml:"allowed_bots,omitempty"`
	RepositoryFilter   []string `yaml:"repository_filter,omitempty"`
}

// GitConfig holds git operation settings
type GitConfig struct {
	OperationTimeout string `yaml:"operation_timeout"`
	LockTimeout      string `yaml:"lock_timeout"`
	CacheTimeout     string `yaml:"cache_timeout"`
}

// DeveloperType constants for configuration.
const (
	DeveloperTypeClaude = "claude"
	DeveloperTypeGemini = "gemini"
	DeveloperTypeMock   = "mock"
)

// Provider constants for configuration.
const (
	ProviderGitHub = "github"
	ProviderMock   = "mock"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version:       "1.0",
		DataDir:       filepath.Join(homeDir, ".crew", "data"),
		WorkspaceRoot: filepath.Join(homeDir, ".crew", "workspaces"),
		Gateway: &GatewayConfig{
			Host: "127.0.0.1",
			Port: 9355,
		},
		Logging: logging.DefaultConfig(),
		Board: &BoardConfig{
			Provider: ProviderGitHub,
		},
		PullRequests: &PullRequestConfig{
			Provider: ProviderGitHub,
		},
		Developer: &DeveloperConfig{
			Type:             DeveloperTypeClaude,
			Command:          "claude",
			Timeout:          "30m",
			HeartbeatTimeout: "5m",
		},
		Pool: &PoolConfig{
			MinWorkers:           1,
			MaxWorkers:           4,
			MinPersistentWorkers: 1,
			IdleTimeout:          "30m",
			RecoveryTimeout:      "10m",
		},
		Planner: &PlannerConfig{
			MonitoringInterval: "30s",
			MaxTaskAttempts:    3,
			ErrorLogSize:       100,
		},
		Git: &GitConfig{
			OperationTimeout: "5m",
			LockTimeout:      "5m",
			CacheTimeout:     "10m",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.DataDir = expandPath(config.DataDir)
	config.WorkspaceRoot = expandPath(config.WorkspaceRoot)

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".crew", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration. Failures here are fatal at startup.
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}

	if c.Pool == nil {
		return fmt.Errorf("pool configuration is required")
	}
	if c.Pool.MinWorkers < 0 {
		return fmt.Errorf("min_workers must be >= 0, got %d", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.Pool.MaxWorkers)
	}
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.Pool.MaxWorkers, c.Pool.MinWorkers)
	}
	if c.Pool.MinPersistentWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("min_persistent_workers (%d) must be <= max_workers (%d)", c.Pool.MinPersistentWorkers, c.Pool.MaxWorkers)
	}

	if c.Developer == nil {
		return fmt.Errorf("developer configuration is required")
	}
	switch c.Developer.Type {
	case DeveloperTypeClaude, DeveloperTypeGemini, DeveloperTypeMock:
	default:
		return fmt.Errorf("unknown developer type: %s", c.Developer.Type)
	}

	if c.Board == nil {
		return fmt.Errorf("board configuration is required")
	}
	switch c.Board.Provider {
	case ProviderGitHub:
		if c.Board.Token == "" {
			return fmt.Errorf("board token is required for the github provider")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown board provider: %s", c.Board.Provider)
	}

	if c.PullRequests == nil {
		return fmt.Errorf("pull_requests configuration is required")
	}
	switch c.PullRequests.Provider {
	case ProviderGitHub:
		if c.PullRequests.Token == "" {
			return fmt.Errorf("pull request token is required for the github provider")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown pull request provider: %s", c.PullRequests.Provider)
	}

	return nil
}

// DurationOr parses s as a duration, falling back to def when s is empty
// or malformed. Config duration fields are strings ("30m") per the YAML
// surface; components resolve them through this helper.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Interval returns the parsed planner tick interval.
func (p *PlannerConfig) Interval() time.Duration {
	return DurationOr(p.MonitoringInterval, 30*time.Second)
}

// IdleTimeoutDuration returns the parsed idle worker eviction timeout.
func (p *PoolConfig) IdleTimeoutDuration() time.Duration {
	return DurationOr(p.IdleTimeout, 30*time.Minute)
}

// RecoveryTimeoutDuration returns the parsed stopped worker recovery timeout.
func (p *PoolConfig) RecoveryTimeoutDuration() time.Duration {
	return DurationOr(p.RecoveryTimeout, 10*time.Minute)
}

// TimeoutDuration returns the parsed developer execution timeout.
func (d *DeveloperConfig) TimeoutDuration() time.Duration {
	return DurationOr(d.Timeout, 30*time.Minute)
}

// HeartbeatTimeoutDuration returns the parsed developer heartbeat timeout.
func (d *DeveloperConfig) HeartbeatTimeoutDuration() time.Duration {
	return DurationOr(d.HeartbeatTimeout, 5*time.Minute)
}

// OperationTimeoutDuration returns the parsed git operation timeout.
func (g *GitConfig) OperationTimeoutDuration() time.Duration {
	return DurationOr(g.OperationTimeout, 5*time.Minute)
}

// LockTimeoutDuration returns the parsed git lock TTL.
func (g *GitConfig) LockTimeoutDuration() time.Duration {
	return DurationOr(g.LockTimeout, 5*time.Minute)
}

// CacheTimeoutDuration returns the parsed repository fetch freshness window.
func (g *GitConfig) CacheTimeoutDuration() time.Duration {
	return DurationOr(g.CacheTimeout, 10*time.Minute)
}
