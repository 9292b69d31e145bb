package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crewhq/crew/internal/gitlock"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
)

// fakeGit satisfies gitops.Service without touching a real git binary.
// CreateWorktree materialises the worktree pointer file so validity checks
// behave like the real thing.
type fakeGit struct {
	mu            sync.Mutex
	worktreeAdds  int
	worktreeErr   error
	defaultBranch string
}

func (f *fakeGit) Clone(ctx context.Context, url, path string) error {
	return os.MkdirAll(path, 0755)
}

func (f *fakeGit) Fetch(ctx context.Context, repoPath string) error { return nil }

func (f *fakeGit) PullMainBranch(ctx context.Context, repoPath, branch string) error { return nil }

func (f *fakeGit) CreateWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseBranch string) error {
	f.mu.Lock()
	f.worktreeAdds++
	err := f.worktreeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(worktreePath, 0755); err != nil {
		return err
	}
	pointer := "gitdir: " + filepath.Join(repoPath, "worktrees", filepath.Base(worktreePath)) + "\n"
	return os.WriteFile(filepath.Join(worktreePath, ".git"), []byte(pointer), 0644)
}

func (f *fakeGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	return os.RemoveAll(worktreePath)
}

func (f *fakeGit) IsValidRepository(path string) bool { return true }

func (f *fakeGit) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	if f.defaultBranch == "" {
		return "main", nil
	}
	return f.defaultBranch, nil
}

func (f *fakeGit) adds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.worktreeAdds
}

func newTestManager(t *testing.T) (*Manager, *fakeGit, *state.Store) {
	t.Helper()
	root := t.TempDir()
	git := &fakeGit{}
	locks := gitlock.NewManager(time.Minute)
	store := state.NewMemoryStore()
	repos := repocache.New(root, 10*time.Minute, git, locks, nil)
	return NewManager(root, git, repos, locks, store), git, store
}

func TestCreateWorkspaceIdempotent(t *testing.T) {
	m, _, store := newTestManager(t)

	first, err := m.CreateWorkspace("task-1", "acme/widgets", nil)
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if first.BranchName != "crew/task-1" {
		t.Errorf("branch = %q", first.BranchName)
	}
	if first.WorkspaceDir != m.WorkspaceDir("task-1") {
		t.Errorf("dir = %q", first.WorkspaceDir)
	}

	second, err := m.CreateWorkspace("task-1", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.WorkspaceDir != first.WorkspaceDir || second.BranchName != first.BranchName {
		t.Error("second create returned a different workspace")
	}

	if _, ok := store.GetWorkspace("task-1"); !ok {
		t.Error("workspace record not persisted")
	}
}

func TestSetupWorktreeCreatesOnceAndValidates(t *testing.T) {
	m, git, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWorkspace("task-1", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}

	if m.IsWorktreeValid(info) {
		t.Fatal("worktree valid before setup")
	}

	if err := m.SetupWorktree(ctx, info, "main"); err != nil {
		t.Fatalf("SetupWorktree: %v", err)
	}
	if !m.IsWorktreeValid(info) {
		t.Fatal("worktree invalid after setup")
	}
	if !info.WorktreeCreated {
		t.Error("WorktreeCreated flag not set")
	}

	// Idempotent: a valid worktree is not re-created.
	if err := m.SetupWorktree(ctx, info, "main"); err != nil {
		t.Fatal(err)
	}
	if git.adds() != 1 {
		t.Errorf("CreateWorktree called %d times, want 1", git.adds())
	}
}

func TestSetupWorktreeClearsStaleDirectory(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWorkspace("task-1", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A directory without a worktree pointer blocks git worktree add.
	if err := os.MkdirAll(info.WorkspaceDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(info.WorkspaceDir, "leftover.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.SetupWorktree(ctx, info, ""); err != nil {
		t.Fatalf("SetupWorktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(info.WorkspaceDir, "leftover.txt")); !os.IsNotExist(err) {
		t.Error("stale content survived setup")
	}
	if !m.IsWorktreeValid(info) {
		t.Error("worktree invalid after setup over stale dir")
	}
}

func TestSetupWorktreeError(t *testing.T) {
	m, git, _ := newTestManager(t)
	git.worktreeErr = errors.New("worktree add failed")

	info, err := m.CreateWorkspace("task-1", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetupWorktree(context.Background(), info, ""); err == nil {
		t.Fatal("expected error")
	}
	if info.WorktreeCreated {
		t.Error("WorktreeCreated set despite failure")
	}
}

func TestIsWorktreeValid(t *testing.T) {
	m, _, _ := newTestManager(t)
	dir := t.TempDir()

	if m.IsWorktreeValid(nil) {
		t.Error("nil info reported valid")
	}

	info := &state.WorkspaceInfo{WorkspaceDir: filepath.Join(dir, "missing")}
	if m.IsWorktreeValid(info) {
		t.Error("missing dir reported valid")
	}

	// A .git directory (full checkout) is not a worktree pointer.
	full := filepath.Join(dir, "full")
	if err := os.MkdirAll(filepath.Join(full, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if m.IsWorktreeValid(&state.WorkspaceInfo{WorkspaceDir: full}) {
		t.Error(".git directory reported valid")
	}

	wt := filepath.Join(dir, "wt")
	if err := os.MkdirAll(wt, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: /somewhere/worktrees/wt\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if !m.IsWorktreeValid(&state.WorkspaceInfo{WorkspaceDir: wt}) {
		t.Error("worktree pointer reported invalid")
	}
}

func TestCleanupWorkspace(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWorkspace("task-1", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetupWorktree(ctx, info, ""); err != nil {
		t.Fatal(err)
	}

	if err := m.CleanupWorkspace(ctx, "task-1"); err != nil {
		t.Fatalf("CleanupWorkspace: %v", err)
	}
	if _, err := os.Stat(info.WorkspaceDir); !os.IsNotExist(err) {
		t.Error("workspace dir survived cleanup")
	}
	if _, ok := store.GetWorkspace("task-1"); ok {
		t.Error("workspace record survived cleanup")
	}

	// Cleaning an unknown task is a no-op.
	if err := m.CleanupWorkspace(ctx, "task-1"); err != nil {
		t.Errorf("second cleanup: %v", err)
	}
}

func TestCleanupOrphans(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	// Tracked and healthy: survives.
	healthy, err := m.CreateWorkspace("task-healthy", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetupWorktree(ctx, healthy, ""); err != nil {
		t.Fatal(err)
	}

	// Untracked directory: removed.
	stray := filepath.Join(m.WorkspaceDir("stray"))
	if err := os.MkdirAll(stray, 0755); err != nil {
		t.Fatal(err)
	}

	// Tracked but dangling pointer: removed, record included.
	dangling, err := m.CreateWorkspace("task-dangling", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetupWorktree(ctx, dangling, ""); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dangling.WorkspaceDir, ".git")); err != nil {
		t.Fatal(err)
	}

	removed := m.CleanupOrphans(ctx)
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(healthy.WorkspaceDir); err != nil {
		t.Error("healthy workspace removed")
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("stray dir survived")
	}
	if _, ok := store.GetWorkspace("task-dangling"); ok {
		t.Error("dangling record survived")
	}
}

func TestSanitizeTaskID(t *testing.T) {
	cases := map[string]string{
		"task-1":          "task-1",
		"PVTI_lADO":       "PVTI_lADO",
		"a/b c!d":         "a-b-c-d",
		"issue#42":        "issue-42",
		"weird\ttab\nnl.": "weird-tab-nl-",
	}
	for in, want := range cases {
		if got := sanitizeTaskID(in); got != want {
			t.Errorf("sanitizeTaskID(%q) = %q, want %q", in, got, want)
		}
	}
}
