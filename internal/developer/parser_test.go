package developer

import (
	"strings"
	"testing"
)

const streamTranscript = `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the repo."}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"internal/api/server.go"}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"internal/api/server.go"}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Opened https://github.com/acme/widgets/pull/42 with commit 0123456789abcdef0123456789abcdef01234567"}
`

func TestParseTranscriptStreamJSON(t *testing.T) {
	out := ParseTranscript("claude", streamTranscript)

	if !out.Result.Success {
		t.Error("expected success")
	}
	if out.Result.PRLink != "https://github.com/acme/widgets/pull/42" {
		t.Errorf("pr link = %q", out.Result.PRLink)
	}
	if out.Result.CommitHash != "0123456789abcdef0123456789abcdef01234567" {
		t.Errorf("commit hash = %q", out.Result.CommitHash)
	}
	if len(out.ExecutedCommands) != 1 || out.ExecutedCommands[0] != "go test ./..." {
		t.Errorf("commands not deduplicated: %v", out.ExecutedCommands)
	}
	if len(out.ModifiedFiles) != 1 || out.ModifiedFiles[0] != "internal/api/server.go" {
		t.Errorf("files not deduplicated: %v", out.ModifiedFiles)
	}
	if out.Metadata["developer"] != "claude" {
		t.Errorf("metadata = %v", out.Metadata)
	}
}

func TestParseTranscriptErrorResult(t *testing.T) {
	raw := `{"type":"result","subtype":"error","is_error":true,"result":"execution failed: tests broken"}`
	out := ParseTranscript("claude", raw)

	if out.Result.Success {
		t.Error("expected failure")
	}
	if !strings.Contains(out.Result.Error, "tests broken") {
		t.Errorf("error = %q", out.Result.Error)
	}
}

func TestParseTranscriptPlainText(t *testing.T) {
	raw := "Done! I opened https://github.com/acme/widgets/pull/7 for review.\n"
	out := ParseTranscript("gemini", raw)

	if !out.Result.Success {
		t.Error("a PR link in plain text marks the run successful")
	}
	if out.Result.PRLink != "https://github.com/acme/widgets/pull/7" {
		t.Errorf("pr link = %q", out.Result.PRLink)
	}
}

func TestParseTranscriptNoLink(t *testing.T) {
	out := ParseTranscript("gemini", "I could not finish the task.")
	if out.Result.Success {
		t.Error("expected failure without a result event or PR link")
	}
	if out.Result.PRLink != "" {
		t.Errorf("pr link = %q", out.Result.PRLink)
	}
}

func TestParseTranscriptLinkOutsideResult(t *testing.T) {
	// Error result but a PR link earlier in the transcript: the PR exists,
	// so the run counts as successful.
	raw := `{"type":"assistant","message":{"content":[{"type":"text","text":"PR: https://github.com/acme/widgets/pull/9"}]}}
{"type":"result","is_error":true,"result":"timed out waiting for CI"}`
	out := ParseTranscript("claude", raw)

	if !out.Result.Success {
		t.Error("PR link anywhere should mark success")
	}
	if out.Result.PRLink != "https://github.com/acme/widgets/pull/9" {
		t.Errorf("pr link = %q", out.Result.PRLink)
	}
}
