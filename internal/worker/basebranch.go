package worker

import (
	"context"
	"strings"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/gitops"
)

const fallbackBaseBranch = "main"

// ResolveBaseBranch picks the base branch for a task's worktree: a "base:"
// label on the board item wins, then the repository's default branch from
// the local clone, then "main".
func ResolveBaseBranch(ctx context.Context, item *board.Item, git gitops.Service, repoPath string) string {
	if branch := baseBranchFromLabels(item); branch != "" {
		return branch
	}

	if repoPath != "" {
		if branch, err := git.DefaultBranch(ctx, repoPath); err == nil && branch != "" {
			return branch
		}
	}

	return fallbackBaseBranch
}

// baseBranchFromLabels extracts the branch name from the first "base:"
// label. Matching is case-insensitive on the prefix; the value keeps its
// case and may contain slashes.
func baseBranchFromLabels(item *board.Item) string {
	if item == nil {
		return ""
	}
	for _, label := range item.Labels {
		if len(label) > 5 && strings.EqualFold(label[:5], "base:") {
			if branch := strings.TrimSpace(label[5:]); branch != "" {
				return branch
			}
		}
	}
	return ""
}
