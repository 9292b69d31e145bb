// Package repocache owns the bare clone per repository. All clones live
// under workspaceRoot/repos/<owner>/<name> and every clone/fetch is
// serialised through the git operation lock, so two workers targeting the
// same new repository produce exactly one clone.
package repocache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewhq/crew/internal/gitlock"
	"github.com/crewhq/crew/internal/gitops"
	"github.com/crewhq/crew/internal/logging"
)

// RepositoryState is the cache's bookkeeping for one repository.
type RepositoryState struct {
	ID              string          `json:"id"`
	LocalPath       string          `json:"local_path"`
	LastFetchAt     time.Time       `json:"last_fetch_at"`
	IsCloned        bool            `json:"is_cloned"`
	ActiveWorktrees map[string]bool `json:"active_worktrees,omitempty"`
}

// CloneURLFunc builds the remote URL for an "owner/name" repository ID.
type CloneURLFunc func(repoID string) string

// GitHubCloneURL builds an HTTPS clone URL, embedding the token when set.
func GitHubCloneURL(token string) CloneURLFunc {
	return func(repoID string) string {
		if token == "" {
			return fmt.Sprintf("https://github.com/%s.git", repoID)
		}
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repoID)
	}
}

// Cache manages bare clones.
type Cache struct {
	root         string // workspaceRoot
	cacheTimeout time.Duration
	git          gitops.Service
	locks        *gitlock.Manager
	cloneURL     CloneURLFunc
	log          *slog.Logger

	mu    sync.Mutex
	repos map[string]*RepositoryState
}

// New creates a repository cache rooted at workspaceRoot. cacheTimeout is
// how long a fetch stays fresh (zero means 10 minutes).
func New(workspaceRoot string, cacheTimeout time.Duration, git gitops.Service, locks *gitlock.Manager, cloneURL CloneURLFunc) *Cache {
	if cacheTimeout <= 0 {
		cacheTimeout = 10 * time.Minute
	}
	if cloneURL == nil {
		cloneURL = GitHubCloneURL("")
	}
	return &Cache{
		root:         workspaceRoot,
		cacheTimeout: cacheTimeout,
		git:          git,
		locks:        locks,
		cloneURL:     cloneURL,
		log:          logging.WithComponent("repocache"),
		repos:        make(map[string]*RepositoryState),
	}
}

// LocalPath returns the deterministic clone path for a repository ID.
func (c *Cache) LocalPath(repoID string) string {
	parts := strings.SplitN(repoID, "/", 2)
	if len(parts) != 2 {
		return filepath.Join(c.root, "repos", repoID)
	}
	return filepath.Join(c.root, "repos", parts[0], parts[1])
}

// EnsureRepository guarantees a clone exists for repoID and returns its
// local path. An existing clone is fetched when forceUpdate is set or the
// last fetch is older than the cache timeout.
func (c *Cache) EnsureRepository(ctx context.Context, repoID string, forceUpdate bool) (string, error) {
	if !strings.Contains(repoID, "/") {
		return "", fmt.Errorf("invalid repository id, expected owner/name: %s", repoID)
	}

	state := c.state(repoID)

	if !state.IsCloned && !c.git.IsValidRepository(state.LocalPath) {
		err := c.locks.WithLock(ctx, repoID, "clone", func() error {
			// A concurrent caller may have cloned while we waited.
			if c.git.IsValidRepository(state.LocalPath) {
				return nil
			}
			return c.git.Clone(ctx, c.cloneURL(repoID), state.LocalPath)
		})
		if err != nil {
			return "", fmt.Errorf("failed to ensure clone of %s: %w", repoID, err)
		}

		c.mu.Lock()
		state.IsCloned = true
		state.LastFetchAt = time.Now()
		c.mu.Unlock()
		return state.LocalPath, nil
	}

	c.mu.Lock()
	state.IsCloned = true
	stale := forceUpdate || time.Since(state.LastFetchAt) > c.cacheTimeout
	c.mu.Unlock()

	if stale {
		err := c.locks.WithLock(ctx, repoID, "fetch", func() error {
			return c.git.Fetch(ctx, state.LocalPath)
		})
		if err != nil {
			// A stale clone is still usable; surface fetch failures as
			// transient only when the caller forced freshness.
			if forceUpdate {
				return "", fmt.Errorf("failed to fetch %s: %w", repoID, err)
			}
			c.log.Warn("fetch failed, using cached clone",
				slog.String("repo", repoID),
				slog.Any("error", err),
			)
			return state.LocalPath, nil
		}

		c.mu.Lock()
		state.LastFetchAt = time.Now()
		c.mu.Unlock()
	}

	return state.LocalPath, nil
}

// AddWorktree records that a worktree at path is attached to the repo.
// Bookkeeping only; the git call happens in the workspace manager.
func (c *Cache) AddWorktree(repoID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.stateLocked(repoID)
	state.ActiveWorktrees[path] = true
}

// RemoveWorktree drops the bookkeeping entry for a worktree.
func (c *Cache) RemoveWorktree(repoID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.repos[repoID]; ok {
		delete(state.ActiveWorktrees, path)
	}
}

// WorktreeCount returns the number of active worktrees for a repository.
func (c *Cache) WorktreeCount(repoID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.repos[repoID]; ok {
		return len(state.ActiveWorktrees)
	}
	return 0
}

// States returns a snapshot of all tracked repositories.
func (c *Cache) States() []RepositoryState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RepositoryState, 0, len(c.repos))
	for _, s := range c.repos {
		cp := *s
		cp.ActiveWorktrees = make(map[string]bool, len(s.ActiveWorktrees))
		for k := range s.ActiveWorktrees {
			cp.ActiveWorktrees[k] = true
		}
		out = append(out, cp)
	}
	return out
}

func (c *Cache) state(repoID string) *RepositoryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(repoID)
}

func (c *Cache) stateLocked(repoID string) *RepositoryState {
	state, ok := c.repos[repoID]
	if !ok {
		state = &RepositoryState{
			ID:              repoID,
			LocalPath:       c.LocalPath(repoID),
			ActiveWorktrees: make(map[string]bool),
		}
		c.repos[repoID] = state
	}
	return state
}
