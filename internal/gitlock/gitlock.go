// Package gitlock serialises git operations per repository.
//
// A lock is held for the duration of one git-touching operation (clone,
// fetch, worktree add/remove). Locks are keyed by repository alone: within
// one repository all operations are totally ordered, across repositories
// they run in parallel. The operation name is recorded on the lock for
// reporting. Locks carry a TTL so a crashed holder can't wedge a repository
// forever; expired locks are reclaimed on the acquire path and by a
// periodic sweeper.
package gitlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewhq/crew/internal/logging"
)

// ErrAcquireTimeout is returned when a lock could not be acquired within
// the retry budget.
var ErrAcquireTimeout = errors.New("git lock acquire timeout")

const (
	// acquireAttempts is how many times an acquirer retries before failing.
	acquireAttempts = 10
	// acquireBackoff is the pause between acquire attempts.
	acquireBackoff = 1 * time.Second
	// sweepSchedule drives the expired-lock sweeper.
	sweepSchedule = "@every 60s"
)

// LockInfo describes a held lock. Operation is informational; exclusion is
// per repository.
type LockInfo struct {
	RepositoryID string    `json:"repository_id"`
	Operation    string    `json:"operation"` // clone, fetch, pull, worktree
	AcquiredAt   time.Time `json:"acquired_at"`

	// owner ties the entry to its acquirer so a holder whose lock was
	// reclaimed after TTL expiry cannot release the successor's lock.
	owner uint64
}

// Manager is the per-repository git operation lock.
type Manager struct {
	ttl time.Duration
	log *slog.Logger

	mu    sync.Mutex
	locks map[string]*LockInfo // keyed by repository ID
	seq   uint64

	cronMu  sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewManager creates a lock manager with the given TTL. A TTL of zero uses
// the 5 minute default.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{
		ttl:   ttl,
		log:   logging.WithComponent("gitlock"),
		locks: make(map[string]*LockInfo),
	}
}

// Start launches the background sweeper.
func (m *Manager) Start() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(sweepSchedule, m.Sweep); err != nil {
		return fmt.Errorf("failed to schedule lock sweeper: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true

	m.log.Debug("lock sweeper started", slog.Duration("ttl", m.ttl))
	return nil
}

// Stop halts the background sweeper.
func (m *Manager) Stop() {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if !m.running {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.cron = nil
	m.running = false
}

// WithLock executes fn while exclusively holding the repository's lock.
// The lock is released on every exit path; fn's error propagates unchanged.
// Not reentrant: nesting WithLock for the same repository deadlocks the
// retry budget and fails.
func (m *Manager) WithLock(ctx context.Context, repoID, operation string, fn func() error) error {
	token, err := m.acquire(ctx, repoID, operation)
	if err != nil {
		return err
	}
	defer m.release(repoID, token)

	return fn()
}

// acquire takes the repository lock, reclaiming an expired holder if
// present, retrying up to acquireAttempts with backoff otherwise.
func (m *Manager) acquire(ctx context.Context, repoID, operation string) (uint64, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		m.mu.Lock()
		existing, held := m.locks[repoID]
		if held && time.Since(existing.AcquiredAt) > m.ttl {
			// Expired holder: reclaim in place.
			m.log.Warn("reclaiming expired git lock",
				slog.String("repo", repoID),
				slog.String("operation", existing.Operation),
				slog.Time("acquired_at", existing.AcquiredAt),
			)
			held = false
		}
		if !held {
			m.seq++
			token := m.seq
			m.locks[repoID] = &LockInfo{
				RepositoryID: repoID,
				Operation:    operation,
				AcquiredAt:   time.Now(),
				owner:        token,
			}
			m.mu.Unlock()
			return token, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(acquireBackoff):
		}
	}

	return 0, fmt.Errorf("repository %s busy with %s: %w", repoID, operation, ErrAcquireTimeout)
}

// release drops the lock only while token still owns it; a holder that was
// reclaimed after TTL expiry is a no-op here.
func (m *Manager) release(repoID string, token uint64) {
	m.mu.Lock()
	if info, ok := m.locks[repoID]; ok && info.owner == token {
		delete(m.locks, repoID)
	}
	m.mu.Unlock()
}

// Sweep removes locks older than the TTL. Runs on the cron schedule and
// may be invoked directly.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for repoID, info := range m.locks {
		if time.Since(info.AcquiredAt) > m.ttl {
			m.log.Warn("sweeping expired git lock",
				slog.String("repo", repoID),
				slog.String("operation", info.Operation),
			)
			delete(m.locks, repoID)
		}
	}
}

// Active returns a snapshot of currently held locks.
func (m *Manager) Active() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LockInfo, 0, len(m.locks))
	for _, info := range m.locks {
		out = append(out, *info)
	}
	return out
}
