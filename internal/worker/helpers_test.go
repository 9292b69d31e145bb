package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/developer"
	"github.com/crewhq/crew/internal/gitlock"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/workspace"
)

// fakeGit satisfies gitops.Service for execution tests. CreateWorktree
// writes a real worktree pointer so validity checks pass.
type fakeGit struct{}

func (fakeGit) Clone(ctx context.Context, url, path string) error {
	return os.MkdirAll(path, 0755)
}

func (fakeGit) Fetch(ctx context.Context, repoPath string) error { return nil }

func (fakeGit) PullMainBranch(ctx context.Context, repoPath, branch string) error { return nil }

func (fakeGit) CreateWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseBranch string) error {
	if err := os.MkdirAll(worktreePath, 0755); err != nil {
		return err
	}
	pointer := "gitdir: " + filepath.Join(repoPath, "worktrees", filepath.Base(worktreePath)) + "\n"
	return os.WriteFile(filepath.Join(worktreePath, ".git"), []byte(pointer), 0644)
}

func (fakeGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	return os.RemoveAll(worktreePath)
}

func (fakeGit) IsValidRepository(path string) bool { return true }

func (fakeGit) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}

func testDeps(t *testing.T) deps {
	t.Helper()
	root := t.TempDir()
	git := fakeGit{}
	locks := gitlock.NewManager(time.Minute)
	store := state.NewMemoryStore()
	repos := repocache.New(root, 10*time.Minute, git, locks, nil)
	return deps{
		store:      store,
		workspaces: workspace.NewManager(root, git, repos, locks, store),
		repos:      repos,
		git:        git,
	}
}

func testPoolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		MinWorkers:           1,
		MaxWorkers:           2,
		MinPersistentWorkers: 1,
		IdleTimeout:          "30m",
		RecoveryTimeout:      "10m",
	}
}

func testPool(t *testing.T, cfg *config.PoolConfig) (*Pool, deps) {
	t.Helper()
	d := testDeps(t)
	factory := developer.NewFactory(&config.DeveloperConfig{Type: config.DeveloperTypeMock})
	pool := NewPool(cfg, factory, d.store, d.workspaces, d.repos, d.git)
	t.Cleanup(pool.Cleanup)
	return pool, d
}

func newTask(taskID string) *state.WorkerTask {
	return &state.WorkerTask{
		TaskID:       taskID,
		Action:       state.ActionStartNewTask,
		RepositoryID: "acme/widgets",
		BoardItem: &board.Item{
			ID:       taskID,
			Title:    "Test task",
			Status:   board.StatusTodo,
			Metadata: map[string]string{"repository": "acme/widgets"},
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
