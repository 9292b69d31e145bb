// Package workspace manages one working tree per task. Workspaces live at
// workspaceRoot/work/<taskId> and attach to the bare clone owned by the
// repository cache. Reassigning a task to another worker reuses the
// workspace as long as its worktree is still valid.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/gitlock"
	"github.com/crewhq/crew/internal/gitops"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
)

// Manager creates, validates and destroys task workspaces.
type Manager struct {
	root  string
	git   gitops.Service
	repos *repocache.Cache
	locks *gitlock.Manager
	store *state.Store
	log   *slog.Logger

	mu      sync.Mutex
	taskMus map[string]*sync.Mutex
}

// NewManager creates a workspace manager rooted at workspaceRoot.
func NewManager(workspaceRoot string, git gitops.Service, repos *repocache.Cache, locks *gitlock.Manager, store *state.Store) *Manager {
	return &Manager{
		root:    workspaceRoot,
		git:     git,
		repos:   repos,
		locks:   locks,
		store:   store,
		log:     logging.WithComponent("workspace"),
		taskMus: make(map[string]*sync.Mutex),
	}
}

// taskMutex returns the per-task mutex serialising create/cleanup.
func (m *Manager) taskMutex(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	mu, ok := m.taskMus[taskID]
	if !ok {
		mu = &sync.Mutex{}
		m.taskMus[taskID] = mu
	}
	return mu
}

// WorkspaceDir returns the deterministic workspace path for a task.
func (m *Manager) WorkspaceDir(taskID string) string {
	return filepath.Join(m.root, "work", sanitizeTaskID(taskID))
}

// BranchName returns the branch a task's worktree is created on.
func BranchName(taskID string) string {
	return "crew/" + sanitizeTaskID(taskID)
}

// CreateWorkspace allocates the workspace record for a task. The worktree
// itself is created later by SetupWorktree. Idempotent: an existing record
// for the task is returned as-is.
func (m *Manager) CreateWorkspace(taskID, repoID string, item *board.Item) (*state.WorkspaceInfo, error) {
	mu := m.taskMutex(taskID)
	mu.Lock()
	defer mu.Unlock()

	if info, ok := m.store.GetWorkspace(taskID); ok {
		return info, nil
	}

	info := &state.WorkspaceInfo{
		TaskID:       taskID,
		RepositoryID: repoID,
		WorkspaceDir: m.WorkspaceDir(taskID),
		BranchName:   BranchName(taskID),
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.SaveWorkspace(info); err != nil {
		return nil, fmt.Errorf("failed to persist workspace for %s: %w", taskID, err)
	}

	m.log.Info("workspace allocated",
		slog.String("task_id", taskID),
		slog.String("repo", repoID),
		slog.String("dir", info.WorkspaceDir),
	)
	return info, nil
}

// SetupWorktree creates the git worktree for a workspace, based on
// baseBranch (repository default when empty). No-op when the worktree is
// already valid.
func (m *Manager) SetupWorktree(ctx context.Context, info *state.WorkspaceInfo, baseBranch string) error {
	if m.IsWorktreeValid(info) {
		return nil
	}

	repoPath, err := m.repos.EnsureRepository(ctx, info.RepositoryID, false)
	if err != nil {
		return err
	}

	err = m.locks.WithLock(ctx, info.RepositoryID, "worktree", func() error {
		// A stale directory without a worktree pointer blocks git; clear it.
		if _, statErr := os.Stat(info.WorkspaceDir); statErr == nil && !m.IsWorktreeValid(info) {
			if rmErr := os.RemoveAll(info.WorkspaceDir); rmErr != nil {
				return fmt.Errorf("failed to clear stale workspace dir: %w", rmErr)
			}
		}
		return m.git.CreateWorktree(ctx, repoPath, info.BranchName, info.WorkspaceDir, baseBranch)
	})
	if err != nil {
		return fmt.Errorf("failed to create worktree for %s: %w", info.TaskID, err)
	}

	info.WorktreeCreated = true
	if err := m.store.SaveWorkspace(info); err != nil {
		return err
	}
	m.repos.AddWorktree(info.RepositoryID, info.WorkspaceDir)

	m.log.Info("worktree created",
		slog.String("task_id", info.TaskID),
		slog.String("branch", info.BranchName),
		slog.String("base", baseBranch),
	)
	return nil
}

// IsWorktreeValid reports whether the workspace directory exists and holds
// a worktree pointer (.git file whose content begins with "gitdir:").
func (m *Manager) IsWorktreeValid(info *state.WorkspaceInfo) bool {
	if info == nil {
		return false
	}
	gitFile := filepath.Join(info.WorkspaceDir, ".git")
	content, err := os.ReadFile(gitFile)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(content)), "gitdir:")
}

// Validate looks up a task's workspace and reports whether it can be
// reused for reassignment.
func (m *Manager) Validate(taskID string) (*state.WorkspaceInfo, bool) {
	info, ok := m.store.GetWorkspace(taskID)
	if !ok {
		return nil, false
	}
	return info, m.IsWorktreeValid(info)
}

// CleanupWorkspace removes a task's worktree, directory, and persisted
// record. Absent pieces are ignored.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID string) error {
	mu := m.taskMutex(taskID)
	mu.Lock()
	defer mu.Unlock()

	info, ok := m.store.GetWorkspace(taskID)
	if !ok {
		return nil
	}

	if info.WorktreeCreated {
		repoPath := m.repos.LocalPath(info.RepositoryID)
		err := m.locks.WithLock(ctx, info.RepositoryID, "worktree", func() error {
			return m.git.RemoveWorktree(ctx, repoPath, info.WorkspaceDir)
		})
		if err != nil {
			m.log.Warn("worktree removal failed, removing directory anyway",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		}
		m.repos.RemoveWorktree(info.RepositoryID, info.WorkspaceDir)
	}

	if err := os.RemoveAll(info.WorkspaceDir); err != nil {
		return fmt.Errorf("failed to remove workspace dir: %w", err)
	}

	if err := m.store.DeleteWorkspace(taskID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.taskMus, taskID)
	m.mu.Unlock()

	m.log.Info("workspace cleaned up", slog.String("task_id", taskID))
	return nil
}

// CleanupOrphans scans workspaceRoot/work for directories that either have
// no persisted record or whose worktree pointer dangles, and removes them.
// Run at startup; a crash mid-execution can leave both kinds behind.
func (m *Manager) CleanupOrphans(ctx context.Context) int {
	workDir := filepath.Join(m.root, "work")
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return 0
	}

	tracked := make(map[string]*state.WorkspaceInfo)
	for _, info := range m.store.ListWorkspaces() {
		tracked[filepath.Base(info.WorkspaceDir)] = info
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(workDir, entry.Name())

		info, ok := tracked[entry.Name()]
		if ok && (!info.WorktreeCreated || m.IsWorktreeValid(info)) {
			continue
		}

		if ok {
			// Record exists but the worktree pointer dangles: full cleanup
			// so the record doesn't keep claiming a dead directory.
			if err := m.CleanupWorkspace(ctx, info.TaskID); err != nil {
				m.log.Warn("orphan cleanup failed",
					slog.String("task_id", info.TaskID),
					slog.Any("error", err),
				)
				continue
			}
		} else if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("failed to remove orphaned workspace dir",
				slog.String("dir", dir),
				slog.Any("error", err),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		m.log.Info("removed orphaned workspaces", slog.Int("count", removed))
	}
	return removed
}

// sanitizeTaskID converts a task ID into a safe directory/branch segment.
func sanitizeTaskID(taskID string) string {
	result := make([]byte, 0, len(taskID))
	for i := 0; i < len(taskID); i++ {
		c := taskID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '-')
		}
	}
	return string(result)
}
