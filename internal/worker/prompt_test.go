package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crewhq/crew/internal/pullrequest"
	"github.com/crewhq/crew/internal/state"
)

func promptInfo(t *testing.T) *state.WorkspaceInfo {
	t.Helper()
	return &state.WorkspaceInfo{
		TaskID:       "task-1",
		RepositoryID: "acme/widgets",
		WorkspaceDir: t.TempDir(),
		BranchName:   "crew/task-1",
	}
}

func TestBuildPromptNewTask(t *testing.T) {
	task := newTask("task-1")
	task.BoardItem.Body = "Add cursor pagination to the list endpoint."

	prompt, err := BuildPrompt(task, promptInfo(t))
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"implementing a new task",
		"Task: task-1",
		"Repository: acme/widgets",
		"Branch: crew/task-1",
		"cursor pagination",
		"open a pull request",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildPromptFeedback(t *testing.T) {
	task := newTask("task-1")
	task.Action = state.ActionProcessFeedback
	task.PullRequestURL = "https://github.com/acme/widgets/pull/7"
	task.Comments = []pullrequest.Comment{
		{ID: "rc-1", Author: "reviewer", Body: "Rename limit to pageSize.", Path: "internal/api/list.go"},
	}

	prompt, err := BuildPrompt(task, promptInfo(t))
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"review feedback",
		"Pull request: https://github.com/acme/widgets/pull/7",
		"reviewer",
		"internal/api/list.go",
		"Rename limit to pageSize.",
		"push to the existing pull request branch",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildPromptUnknownAction(t *testing.T) {
	task := newTask("task-1")
	task.Action = "DANCE"
	if _, err := BuildPrompt(task, promptInfo(t)); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestBuildPromptLongContextMovesToFiles(t *testing.T) {
	info := promptInfo(t)
	task := newTask("task-1")
	task.BoardItem.Body = strings.Repeat("All work and no play makes an agent a dull tool. ", 200)

	prompt, err := BuildPrompt(task, info)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Contains(prompt, "dull tool") {
		t.Error("long context inlined in the prompt")
	}
	if !strings.Contains(prompt, ".crew/context/01-task.md") {
		t.Errorf("prompt does not reference context files:\n%s", prompt)
	}

	data, err := os.ReadFile(filepath.Join(info.WorkspaceDir, ".crew", "context", "01-task.md"))
	if err != nil {
		t.Fatalf("context file not written: %v", err)
	}
	if !strings.Contains(string(data), "dull tool") {
		t.Error("context file missing body")
	}
}
