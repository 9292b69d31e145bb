package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/crewhq/crew/internal/state"
)

// maxInlineContext is the size above which task context moves from the
// prompt body into indexed files under .crew/context/, keeping the root
// prompt short enough for the agent CLI argument list.
const maxInlineContext = 4000

// BuildPrompt renders the action-specific prompt for a task. Long contexts
// are written to files inside the workspace and referenced from the prompt.
func BuildPrompt(task *state.WorkerTask, info *state.WorkspaceInfo) (string, error) {
	var b strings.Builder

	switch task.Action {
	case state.ActionStartNewTask:
		b.WriteString("You are implementing a new task in this repository.\n\n")
	case state.ActionResumeTask:
		b.WriteString("You are resuming a task that was interrupted. The working tree may already contain partial work; inspect it before continuing.\n\n")
	case state.ActionProcessFeedback:
		b.WriteString("You are addressing review feedback on an open pull request for this task.\n\n")
	case state.ActionMergeRequest:
		b.WriteString("The pull request for this task is approved. Perform any final checks and merge it.\n\n")
	default:
		return "", fmt.Errorf("unknown task action: %s", task.Action)
	}

	fmt.Fprintf(&b, "Task: %s\n", task.TaskID)
	fmt.Fprintf(&b, "Repository: %s\n", task.RepositoryID)
	fmt.Fprintf(&b, "Branch: %s\n", info.BranchName)
	if task.PullRequestURL != "" {
		fmt.Fprintf(&b, "Pull request: %s\n", task.PullRequestURL)
	}
	b.WriteString("\n")

	context := buildContext(task)
	if len(context) <= maxInlineContext {
		b.WriteString(context)
	} else {
		refs, err := writeContextFiles(info.WorkspaceDir, task)
		if err != nil {
			return "", err
		}
		b.WriteString("The full task context is in these files; read them first:\n")
		for _, ref := range refs {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}

	b.WriteString("\n")
	switch task.Action {
	case state.ActionStartNewTask, state.ActionResumeTask:
		b.WriteString("Implement the task, commit your work, push the branch, and open a pull request. Report the pull request URL when done.\n")
	case state.ActionProcessFeedback:
		b.WriteString("Address every comment, commit your changes, and push to the existing pull request branch.\n")
	case state.ActionMergeRequest:
		b.WriteString("Merge the pull request and report the merge commit.\n")
	}

	return b.String(), nil
}

// buildContext renders the board item and comments as prompt context.
func buildContext(task *state.WorkerTask) string {
	var b strings.Builder

	if item := task.BoardItem; item != nil {
		fmt.Fprintf(&b, "## %s\n\n", item.Title)
		if item.Body != "" {
			b.WriteString(item.Body)
			b.WriteString("\n\n")
		}
		if len(item.Labels) > 0 {
			fmt.Fprintf(&b, "Labels: %s\n\n", strings.Join(item.Labels, ", "))
		}
	}

	if len(task.Comments) > 0 {
		b.WriteString("## Review feedback\n\n")
		for _, c := range task.Comments {
			fmt.Fprintf(&b, "### %s", c.Author)
			if c.Path != "" {
				fmt.Fprintf(&b, " (on %s)", c.Path)
			}
			b.WriteString("\n\n")
			b.WriteString(c.Body)
			b.WriteString("\n\n")
		}
	}

	return b.String()
}

// writeContextFiles splits the context into indexed markdown files under
// .crew/context/ and returns their workspace-relative paths.
func writeContextFiles(workspaceDir string, task *state.WorkerTask) ([]string, error) {
	contextDir := filepath.Join(workspaceDir, ".crew", "context")
	if err := os.MkdirAll(contextDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create context dir: %w", err)
	}

	type part struct {
		name    string
		content string
	}
	var parts []part

	if item := task.BoardItem; item != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", item.Title)
		b.WriteString(item.Body)
		if len(item.Labels) > 0 {
			fmt.Fprintf(&b, "\n\nLabels: %s\n", strings.Join(item.Labels, ", "))
		}
		parts = append(parts, part{name: "task.md", content: b.String()})
	}

	if len(task.Comments) > 0 {
		var b strings.Builder
		b.WriteString("# Review feedback\n\n")
		for _, c := range task.Comments {
			fmt.Fprintf(&b, "## %s", c.Author)
			if c.Path != "" {
				fmt.Fprintf(&b, " (on %s)", c.Path)
			}
			b.WriteString("\n\n")
			b.WriteString(c.Body)
			b.WriteString("\n\n")
		}
		parts = append(parts, part{name: "feedback.md", content: b.String()})
	}

	refs := make([]string, 0, len(parts))
	for i, p := range parts {
		name := fmt.Sprintf("%02d-%s", i+1, p.name)
		path := filepath.Join(contextDir, name)
		if err := os.WriteFile(path, []byte(p.content), 0644); err != nil {
			return nil, fmt.Errorf("failed to write context file %s: %w", name, err)
		}
		refs = append(refs, filepath.Join(".crew", "context", name))
	}
	return refs, nil
}
