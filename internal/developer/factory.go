package developer

import (
	"fmt"

	"github.com/crewhq/crew/internal/config"
)

// Factory creates developers per the configured type. Workers each get
// their own instance so subprocess tracking stays per-worker.
type Factory struct {
	cfg *config.DeveloperConfig
}

// NewFactory creates a developer factory.
func NewFactory(cfg *config.DeveloperConfig) *Factory {
	return &Factory{cfg: cfg}
}

// New creates a developer of the configured type.
func (f *Factory) New() (Developer, error) {
	switch f.cfg.Type {
	case config.DeveloperTypeClaude:
		return NewCLIDeveloper(CLIConfig{
			Name:             config.DeveloperTypeClaude,
			Command:          commandOr(f.cfg.Command, "claude"),
			BuildArgs:        f.claudeArgs,
			Timeout:          f.cfg.TimeoutDuration(),
			HeartbeatTimeout: f.cfg.HeartbeatTimeoutDuration(),
		}), nil
	case config.DeveloperTypeGemini:
		return NewCLIDeveloper(CLIConfig{
			Name:             config.DeveloperTypeGemini,
			Command:          commandOr(f.cfg.Command, "gemini"),
			BuildArgs:        f.geminiArgs,
			Timeout:          f.cfg.TimeoutDuration(),
			HeartbeatTimeout: f.cfg.HeartbeatTimeoutDuration(),
		}), nil
	case config.DeveloperTypeMock:
		return NewMockDeveloper(), nil
	default:
		return nil, fmt.Errorf("unknown developer type: %s", f.cfg.Type)
	}
}

func (f *Factory) claudeArgs(prompt string) []string {
	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	args = append(args, f.cfg.ExtraArgs...)
	return append(args, prompt)
}

func (f *Factory) geminiArgs(prompt string) []string {
	args := []string{"--yolo"}
	args = append(args, f.cfg.ExtraArgs...)
	return append(args, "--prompt", prompt)
}

func commandOr(cmd, def string) string {
	if cmd == "" {
		return def
	}
	return cmd
}
