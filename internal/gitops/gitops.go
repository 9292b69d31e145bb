// Package gitops is a thin wrapper over the git CLI. All repository
// mutation in crew funnels through here; serialisation is the caller's
// responsibility (see gitlock).
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewhq/crew/internal/logging"
)

// Service is the git contract consumed by the repository cache and the
// workspace manager.
type Service interface {
	// Clone creates a bare clone of url at path.
	Clone(ctx context.Context, url, path string) error

	// Fetch updates all branch heads of the bare clone at repoPath.
	Fetch(ctx context.Context, repoPath string) error

	// PullMainBranch fast-forwards a branch head in the bare clone to its
	// remote counterpart.
	PullMainBranch(ctx context.Context, repoPath, branch string) error

	// CreateWorktree adds a worktree at worktreePath on a new branch
	// branchName based on baseBranch (repo HEAD when empty).
	CreateWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseBranch string) error

	// RemoveWorktree removes the worktree at worktreePath and prunes
	// stale references.
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error

	// IsValidRepository reports whether path contains a git repository.
	IsValidRepository(path string) bool

	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, repoPath string) (string, error)
}

// CLI shells out to the git binary.
type CLI struct {
	timeout time.Duration
	log     *slog.Logger
}

// NewCLI creates a git CLI wrapper. Each operation gets its own deadline of
// timeout (zero means 5 minutes).
func NewCLI(timeout time.Duration) *CLI {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CLI{
		timeout: timeout,
		log:     logging.WithComponent("gitops"),
	}
}

func (c *CLI) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Clone creates a bare clone of url at path.
func (c *CLI) Clone(ctx context.Context, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create clone parent: %w", err)
	}

	c.log.Info("cloning repository", slog.String("path", path))
	if _, err := c.run(ctx, "", "clone", "--bare", url, path); err != nil {
		return err
	}

	// Bare clones don't configure a fetch refspec; set one so Fetch
	// updates branch heads.
	_, err := c.run(ctx, path, "config", "remote.origin.fetch", "+refs/heads/*:refs/heads/*")
	return err
}

// Fetch updates all branch heads of the bare clone at repoPath.
func (c *CLI) Fetch(ctx context.Context, repoPath string) error {
	_, err := c.run(ctx, repoPath, "fetch", "origin", "--prune")
	return err
}

// PullMainBranch force-updates a branch head to its remote counterpart.
// Bare repos have no working tree, so "pull" is a targeted fetch.
func (c *CLI) PullMainBranch(ctx context.Context, repoPath, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)
	_, err := c.run(ctx, repoPath, "fetch", "origin", refspec)
	return err
}

// CreateWorktree adds a worktree on a new branch based on baseBranch.
func (c *CLI) CreateWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseBranch string) error {
	baseRef := baseBranch
	if baseRef == "" {
		baseRef = "HEAD"
	}
	_, err := c.run(ctx, repoPath, "worktree", "add", "-b", branchName, worktreePath, baseRef)
	return err
}

// RemoveWorktree removes the worktree and prunes stale references. The
// directory and branch may already be gone; only the prune result matters.
func (c *CLI) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	// --force handles uncommitted changes left behind by the developer.
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", worktreePath)
	_ = cmd.Run() // worktree may already be removed

	_ = os.RemoveAll(worktreePath)

	_, err := c.run(ctx, repoPath, "worktree", "prune")
	return err
}

// IsValidRepository reports whether path contains a git repository
// (bare or with a working tree).
func (c *CLI) IsValidRepository(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	cmd := exec.Command("git", "-C", path, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// DefaultBranch returns the default branch of the clone at repoPath.
// Falls back to probing for main, then master.
func (c *CLI) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	output, err := c.run(ctx, repoPath, "symbolic-ref", "HEAD")
	if err == nil {
		ref := strings.TrimSpace(string(output))
		if name := strings.TrimPrefix(ref, "refs/heads/"); name != ref {
			return name, nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		probe := exec.CommandContext(ctx, "git", "-C", repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+candidate)
		if probe.Run() == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not determine default branch for %s", repoPath)
}
