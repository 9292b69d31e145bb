// Package developer abstracts the AI coding agent subprocess. A Developer
// receives a prompt and a workspace directory, runs to completion, and
// returns a parsed transcript. Implementations: CLI-backed agents (claude,
// gemini) and a scriptable mock for tests.
package developer

import (
	"context"
	"time"
)

// Developer is the execution contract workers consume.
type Developer interface {
	// Name returns the developer type identifier (claude, gemini, mock).
	Name() string

	// Initialize prepares the developer for use (binary lookup etc.).
	Initialize() error

	// ExecutePrompt runs the prompt in workspaceDir and returns the
	// parsed output. The subprocess is bounded by the configured timeout;
	// on timeout the process group is terminated.
	ExecutePrompt(ctx context.Context, prompt, workspaceDir string) (*Output, error)

	// Cleanup terminates any in-flight subprocess (SIGTERM to the process
	// group, SIGKILL after a grace period).
	Cleanup()

	// IsAvailable reports whether the developer is usable (CLI installed).
	IsAvailable() bool

	// SetTimeout overrides the execution timeout.
	SetTimeout(d time.Duration)
}

// Result is the structured outcome extracted from a run.
type Result struct {
	Success    bool   `json:"success"`
	PRLink     string `json:"pr_link,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Output is everything a developer run produced.
type Output struct {
	RawOutput        string            `json:"raw_output"`
	Result           Result            `json:"result"`
	ExecutedCommands []string          `json:"executed_commands,omitempty"`
	ModifiedFiles    []string          `json:"modified_files,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}
