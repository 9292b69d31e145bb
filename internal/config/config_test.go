package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Board.Provider = ProviderMock
	cfg.PullRequests.Provider = ProviderMock
	cfg.Developer.Type = DeveloperTypeMock
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 9355 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Developer.Type != DeveloperTypeClaude || cfg.Developer.Command != "claude" {
		t.Errorf("developer = %+v", cfg.Developer)
	}
	if cfg.Pool.MaxWorkers != 4 || cfg.Pool.MinWorkers != 1 {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	if cfg.Planner.Interval() != 30*time.Second {
		t.Errorf("interval = %v", cfg.Planner.Interval())
	}
	if cfg.DataDir == "" || cfg.WorkspaceRoot == "" {
		t.Error("data locations not defaulted")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9355 {
		t.Errorf("port = %d, want default", cfg.Gateway.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
gateway:
  port: 9999
pool:
  max_workers: 8
planner:
  monitoring_interval: 2m
  repository_filter:
    - acme/widgets
developer:
  type: mock
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("unset host lost its default: %q", cfg.Gateway.Host)
	}
	if cfg.Pool.MaxWorkers != 8 {
		t.Errorf("max workers = %d", cfg.Pool.MaxWorkers)
	}
	if cfg.Planner.Interval() != 2*time.Minute {
		t.Errorf("interval = %v", cfg.Planner.Interval())
	}
	if len(cfg.Planner.RepositoryFilter) != 1 || cfg.Planner.RepositoryFilter[0] != "acme/widgets" {
		t.Errorf("filter = %v", cfg.Planner.RepositoryFilter)
	}
	if cfg.Developer.Type != DeveloperTypeMock {
		t.Errorf("developer type = %q", cfg.Developer.Type)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CREW_TEST_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "board:\n  provider: github\n  token: ${CREW_TEST_TOKEN}\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Board.Token != "secret-token" {
		t.Errorf("token = %q", cfg.Board.Token)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gateway: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml loaded without error")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := validConfig()
	cfg.Gateway.Port = 12345
	cfg.Planner.AllowedBots = []string{"sonarcloud"}
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Gateway.Port != 12345 {
		t.Errorf("port = %d", loaded.Gateway.Port)
	}
	if len(loaded.Planner.AllowedBots) != 1 || loaded.Planner.AllowedBots[0] != "sonarcloud" {
		t.Errorf("allowed bots = %v", loaded.Planner.AllowedBots)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "invalid gateway port"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir is required"},
		{"missing workspace root", func(c *Config) { c.WorkspaceRoot = "" }, "workspace_root is required"},
		{"negative min workers", func(c *Config) { c.Pool.MinWorkers = -1 }, "min_workers"},
		{"zero max workers", func(c *Config) { c.Pool.MaxWorkers = 0 }, "max_workers"},
		{"min above max", func(c *Config) { c.Pool.MinWorkers = 5; c.Pool.MaxWorkers = 2 }, "max_workers"},
		{"persistent above max", func(c *Config) { c.Pool.MinPersistentWorkers = 9 }, "min_persistent_workers"},
		{"unknown developer", func(c *Config) { c.Developer.Type = "copilot" }, "unknown developer type"},
		{"unknown board provider", func(c *Config) { c.Board.Provider = "jira" }, "unknown board provider"},
		{"github board without token", func(c *Config) { c.Board.Provider = ProviderGitHub; c.Board.Token = "" }, "board token is required"},
		{"unknown pr provider", func(c *Config) { c.PullRequests.Provider = "gitlab" }, "unknown pull request provider"},
		{"github prs without token", func(c *Config) { c.PullRequests.Provider = ProviderGitHub; c.PullRequests.Token = "" }, "pull request token is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	if got := DurationOr("45s", time.Minute); got != 45*time.Second {
		t.Errorf("parsed = %v", got)
	}
	if got := DurationOr("", time.Minute); got != time.Minute {
		t.Errorf("empty = %v", got)
	}
	if got := DurationOr("soon", time.Minute); got != time.Minute {
		t.Errorf("malformed = %v", got)
	}
}

func TestDurationAccessors(t *testing.T) {
	pool := &PoolConfig{IdleTimeout: "1h", RecoveryTimeout: ""}
	if pool.IdleTimeoutDuration() != time.Hour {
		t.Errorf("idle = %v", pool.IdleTimeoutDuration())
	}
	if pool.RecoveryTimeoutDuration() != 10*time.Minute {
		t.Errorf("recovery default = %v", pool.RecoveryTimeoutDuration())
	}

	dev := &DeveloperConfig{Timeout: "bogus"}
	if dev.TimeoutDuration() != 30*time.Minute {
		t.Errorf("developer timeout default = %v", dev.TimeoutDuration())
	}

	git := &GitConfig{CacheTimeout: "90s"}
	if git.CacheTimeoutDuration() != 90*time.Second {
		t.Errorf("cache = %v", git.CacheTimeoutDuration())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/data"); got != filepath.Join(home, "data") {
		t.Errorf("expanded = %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute mangled: %q", got)
	}
}
