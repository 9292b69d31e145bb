// Package worker implements the developer worker state machine, the bounded
// worker pool, and the task router that turns planner requests into
// assignments.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewhq/crew/internal/developer"
	"github.com/crewhq/crew/internal/gitops"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/workspace"
)

// ErrWorkerBusy is returned when an assignment violates the acceptance
// rules: a non-IDLE worker only accepts PROCESS_FEEDBACK for the task it
// already holds.
var ErrWorkerBusy = errors.New("worker busy")

// Result is what a worker emits after one execution.
type Result struct {
	WorkerID       string
	TaskID         string
	Action         state.TaskAction
	Success        bool
	PullRequestURL string
	CommitHash     string
	Error          string
	FinishedAt     time.Time
}

// Worker owns a single task at a time. State transitions are the only path
// that sets or clears the current task.
type Worker struct {
	id            string
	developerType string
	dev           developer.Developer
	store         *state.Store
	workspaces    *workspace.Manager
	repos         *repocache.Cache
	git           gitops.Service
	log           *slog.Logger

	mu           sync.Mutex
	status       state.WorkerStatus
	currentTask  *state.WorkerTask
	workspaceDir string
	lastError    string
	createdAt    time.Time
	lastActiveAt time.Time
	attempts     int // executions of the current task, reset on clear
}

type deps struct {
	store      *state.Store
	workspaces *workspace.Manager
	repos      *repocache.Cache
	git        gitops.Service
}

func newWorker(d deps, dev developer.Developer, developerType string) *Worker {
	id := "worker-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	return &Worker{
		id:            id,
		developerType: developerType,
		dev:           dev,
		store:         d.store,
		workspaces:    d.workspaces,
		repos:         d.repos,
		git:           d.git,
		log:           logging.WithComponent("worker").With(slog.String("worker_id", id)),
		status:        state.WorkerIdle,
		createdAt:     now,
		lastActiveAt:  now,
	}
}

// restoreWorker rebuilds a worker from its persisted record. A record that
// was WORKING lost its subprocess with the old process, so it comes back
// WAITING and re-executes on the preserved workspace.
func restoreWorker(d deps, dev developer.Developer, rec *state.WorkerRecord) *Worker {
	w := &Worker{
		id:            rec.ID,
		developerType: rec.DeveloperType,
		dev:           dev,
		store:         d.store,
		workspaces:    d.workspaces,
		repos:         d.repos,
		git:           d.git,
		log:           logging.WithComponent("worker").With(slog.String("worker_id", rec.ID)),
		status:        rec.Status,
		currentTask:   rec.CurrentTask,
		workspaceDir:  rec.WorkspaceDir,
		lastError:     rec.LastError,
		createdAt:     rec.CreatedAt,
		lastActiveAt:  rec.LastActiveAt,
	}

	if w.currentTask == nil {
		w.status = state.WorkerIdle
	} else if w.status == state.WorkerWorking || w.status == state.WorkerWaiting {
		// The subprocess died with the old process; the next execution
		// resumes on the preserved workspace. STOPPED records keep their
		// action and go through the recovery sweep instead.
		resumed := *w.currentTask
		resumed.Action = state.ActionResumeTask
		w.currentTask = &resumed
		w.status = state.WorkerWaiting
	}
	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Status returns the current lifecycle state.
func (w *Worker) Status() state.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// CurrentTask returns a copy of the held assignment, or nil.
func (w *Worker) CurrentTask() *state.WorkerTask {
	w.mu.Lock()
	defer w.mu.Unlock()
	return state.CloneWorkerTask(w.currentTask)
}

// TaskID returns the held task's ID, or "".
func (w *Worker) TaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentTask == nil {
		return ""
	}
	return w.currentTask.TaskID
}

// LastError returns the most recent failure message.
func (w *Worker) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// LastActiveAt returns the last transition time.
func (w *Worker) LastActiveAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActiveAt
}

// Record returns the persistable snapshot.
func (w *Worker) Record() *state.WorkerRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recordLocked()
}

func (w *Worker) recordLocked() *state.WorkerRecord {
	return &state.WorkerRecord{
		ID:            w.id,
		Status:        w.status,
		CurrentTask:   state.CloneWorkerTask(w.currentTask),
		WorkspaceDir:  w.workspaceDir,
		DeveloperType: w.developerType,
		LastError:     w.lastError,
		CreatedAt:     w.createdAt,
		LastActiveAt:  w.lastActiveAt,
	}
}

// persistLocked saves the snapshot; callers hold w.mu.
func (w *Worker) persistLocked() error {
	return w.store.SaveWorker(w.recordLocked())
}

func (w *Worker) persist() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persistLocked()
}

// AssignTask hands the worker a task. From IDLE any action is accepted;
// from WAITING only PROCESS_FEEDBACK on the same task (the replacement
// carries the newer comment set). Everything else is ErrWorkerBusy.
// If persistence fails, status and task roll back to pre-call values.
func (w *Worker) AssignTask(task *state.WorkerTask) error {
	if task == nil {
		return fmt.Errorf("cannot assign nil task")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.status {
	case state.WorkerIdle:
	case state.WorkerWaiting:
		if w.currentTask == nil || w.currentTask.TaskID != task.TaskID || task.Action != state.ActionProcessFeedback {
			return fmt.Errorf("%w: %s holds %s", ErrWorkerBusy, w.id, w.taskIDLocked())
		}
	default:
		return fmt.Errorf("%w: %s is %s", ErrWorkerBusy, w.id, w.status)
	}

	prevStatus, prevTask, prevActive := w.status, w.currentTask, w.lastActiveAt

	assigned := *task
	if assigned.AssignedAt.IsZero() {
		assigned.AssignedAt = time.Now().UTC()
	}
	w.status = state.WorkerWaiting
	w.currentTask = &assigned
	w.lastActiveAt = time.Now().UTC()
	w.attempts = 0

	if err := w.persistLocked(); err != nil {
		w.status, w.currentTask, w.lastActiveAt = prevStatus, prevTask, prevActive
		return fmt.Errorf("failed to persist assignment: %w", err)
	}

	w.log.Info("task assigned",
		slog.String("task_id", task.TaskID),
		slog.String("action", string(task.Action)),
	)
	return nil
}

// Execute runs the held task through the execution phases and emits the
// result. Success returns the worker to IDLE; failure moves it to STOPPED
// with the task retained for recovery.
func (w *Worker) Execute(ctx context.Context) *Result {
	w.mu.Lock()
	if w.status != state.WorkerWaiting || w.currentTask == nil {
		status := w.status
		w.mu.Unlock()
		return &Result{
			WorkerID:   w.id,
			Success:    false,
			Error:      fmt.Sprintf("worker %s not ready to execute (status %s)", w.id, status),
			FinishedAt: time.Now().UTC(),
		}
	}
	task := state.CloneWorkerTask(w.currentTask)
	w.status = state.WorkerWorking
	w.lastActiveAt = time.Now().UTC()
	w.attempts++
	if err := w.persistLocked(); err != nil {
		w.log.Warn("failed to persist WORKING transition", slog.Any("error", err))
	}
	w.mu.Unlock()

	output, err := w.run(ctx, task)
	if err != nil {
		return w.fail(task, err)
	}
	return w.complete(task, output)
}

// run is the WORKING phase body: prepare workspace, build prompt, invoke
// the developer.
func (w *Worker) run(ctx context.Context, task *state.WorkerTask) (*developer.Output, error) {
	info, err := w.workspaces.CreateWorkspace(task.TaskID, task.RepositoryID, task.BoardItem)
	if err != nil {
		return nil, err
	}

	repoPath, err := w.repos.EnsureRepository(ctx, task.RepositoryID, false)
	if err != nil {
		return nil, err
	}

	base := ResolveBaseBranch(ctx, task.BoardItem, w.git, repoPath)
	if err := w.workspaces.SetupWorktree(ctx, info, base); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.workspaceDir = info.WorkspaceDir
	w.mu.Unlock()

	prompt, err := BuildPrompt(task, info)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt for %s: %w", task.TaskID, err)
	}

	output, err := w.dev.ExecutePrompt(ctx, prompt, info.WorkspaceDir)
	if err != nil {
		return output, err
	}
	if output == nil {
		return nil, fmt.Errorf("developer returned no output for %s", task.TaskID)
	}
	if !output.Result.Success {
		return output, fmt.Errorf("developer reported failure: %s", output.Result.Error)
	}
	return output, nil
}

func (w *Worker) complete(task *state.WorkerTask, output *developer.Output) *Result {
	w.mu.Lock()
	w.status = state.WorkerIdle
	w.currentTask = nil
	w.lastError = ""
	w.attempts = 0
	w.lastActiveAt = time.Now().UTC()
	if err := w.persistLocked(); err != nil {
		w.log.Warn("failed to persist completion", slog.Any("error", err))
	}
	w.mu.Unlock()

	w.log.Info("task completed",
		slog.String("task_id", task.TaskID),
		slog.String("pr_url", output.Result.PRLink),
	)
	return &Result{
		WorkerID:       w.id,
		TaskID:         task.TaskID,
		Action:         task.Action,
		Success:        true,
		PullRequestURL: output.Result.PRLink,
		CommitHash:     output.Result.CommitHash,
		FinishedAt:     time.Now().UTC(),
	}
}

func (w *Worker) fail(task *state.WorkerTask, err error) *Result {
	w.mu.Lock()
	w.status = state.WorkerStopped
	w.lastError = err.Error()
	w.lastActiveAt = time.Now().UTC()
	if perr := w.persistLocked(); perr != nil {
		w.log.Warn("failed to persist failure", slog.Any("error", perr))
	}
	w.mu.Unlock()

	w.log.Error("task execution failed",
		slog.String("task_id", task.TaskID),
		slog.Any("error", err),
	)
	return &Result{
		WorkerID:   w.id,
		TaskID:     task.TaskID,
		Action:     task.Action,
		Success:    false,
		Error:      err.Error(),
		FinishedAt: time.Now().UTC(),
	}
}

// recover moves a STOPPED worker back to WAITING with its task retained,
// re-labelled RESUME_TASK so the next execution reuses the workspace.
// Returns false when the worker is not STOPPED or holds no task.
func (w *Worker) recover() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != state.WorkerStopped || w.currentTask == nil {
		return false
	}
	resumed := *w.currentTask
	resumed.Action = state.ActionResumeTask
	w.currentTask = &resumed
	w.status = state.WorkerWaiting
	w.lastActiveAt = time.Now().UTC()
	if err := w.persistLocked(); err != nil {
		w.log.Warn("failed to persist recovery", slog.Any("error", err))
	}

	w.log.Info("worker recovered", slog.String("task_id", resumed.TaskID))
	return true
}

// Release forces the worker back to IDLE, dropping any held task.
func (w *Worker) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = state.WorkerIdle
	w.currentTask = nil
	w.lastError = ""
	w.attempts = 0
	w.lastActiveAt = time.Now().UTC()
	if err := w.persistLocked(); err != nil {
		w.log.Warn("failed to persist release", slog.Any("error", err))
	}
}

// Cleanup terminates any in-flight developer subprocess.
func (w *Worker) Cleanup() {
	w.dev.Cleanup()
}

func (w *Worker) taskIDLocked() string {
	if w.currentTask == nil {
		return "<none>"
	}
	return w.currentTask.TaskID
}
