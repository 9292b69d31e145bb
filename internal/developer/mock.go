package developer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockDeveloper is a scriptable Developer for tests and dry runs. Each call
// to ExecutePrompt pops the next scripted response; when the script is
// exhausted the Default response is returned.
type MockDeveloper struct {
	mu        sync.Mutex
	script    []MockResponse
	Default   MockResponse
	timeout   time.Duration
	Prompts   []string // prompts received, in order
	Available bool
	InitErr   error
	Delay     time.Duration // simulated execution time
}

// MockResponse is one scripted ExecutePrompt outcome.
type MockResponse struct {
	Output *Output
	Err    error
}

// NewMockDeveloper creates a mock that succeeds with an empty output by
// default.
func NewMockDeveloper() *MockDeveloper {
	return &MockDeveloper{
		Default: MockResponse{
			Output: &Output{Result: Result{Success: true}},
		},
		Available: true,
	}
}

// Enqueue appends a scripted response.
func (m *MockDeveloper) Enqueue(resp MockResponse) {
	m.mu.Lock()
	m.script = append(m.script, resp)
	m.mu.Unlock()
}

// Name returns "mock".
func (m *MockDeveloper) Name() string { return "mock" }

// Initialize returns the configured init error, if any.
func (m *MockDeveloper) Initialize() error { return m.InitErr }

// IsAvailable reports the configured availability.
func (m *MockDeveloper) IsAvailable() bool { return m.Available }

// SetTimeout records the timeout; the mock honours ctx, not the timeout.
func (m *MockDeveloper) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// ExecutePrompt records the prompt and returns the next scripted response.
// When the default response is used and reports success without a PR link,
// one is synthesized from the repository named in the prompt, so the mock
// developer drives the full task lifecycle in dry runs.
func (m *MockDeveloper) ExecutePrompt(ctx context.Context, prompt, workspaceDir string) (*Output, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	resp := m.Default
	if len(m.script) > 0 {
		resp = m.script[0]
		m.script = m.script[1:]
	} else if resp.Output != nil && resp.Output.Result.Success && resp.Output.Result.PRLink == "" {
		if repo := repoFromPrompt(prompt); repo != "" {
			out := *resp.Output
			out.Result.PRLink = fmt.Sprintf("https://github.com/%s/pull/%d", repo, len(m.Prompts))
			resp.Output = &out
		}
	}
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp.Output, resp.Err
}

// Cleanup is a no-op.
func (m *MockDeveloper) Cleanup() {}

// repoFromPrompt finds the "Repository: owner/name" line.
func repoFromPrompt(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Repository: "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

