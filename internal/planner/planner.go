// Package planner implements the reconciliation loop: on every tick it
// scans the board lanes and open pull requests, turns the differences into
// task requests, and applies the routing outcomes back to the board and the
// task records.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/history"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/pullrequest"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/worker"
	"github.com/crewhq/crew/internal/workspace"
)

// Error is one entry in the planner's bounded error log.
type Error struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message"`
}

// Status is the planner's state for the status surface.
type Status struct {
	Running      bool      `json:"running"`
	LastSyncTime time.Time `json:"last_sync_time"`
	TrackedTasks int       `json:"tracked_tasks"`
	Errors       []Error   `json:"errors,omitempty"`
}

// Planner is the single-threaded reconciliation loop.
type Planner struct {
	cfg        *config.PlannerConfig
	boardID    string
	boards     board.Service
	prs        pullrequest.Service
	router     *worker.Router
	pool       *worker.Pool
	store      *state.Store
	workspaces *workspace.Manager
	archive    *history.Store // optional
	log        *slog.Logger

	repoFilter map[string]bool

	// tickMu guarantees a loop iteration is never re-entered, including
	// when ForceSync races the scheduled tick.
	tickMu sync.Mutex

	errMu  sync.Mutex
	errors []Error

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a planner. archive may be nil.
func New(cfg *config.PlannerConfig, boardID string, boards board.Service, prs pullrequest.Service, router *worker.Router, pool *worker.Pool, store *state.Store, workspaces *workspace.Manager, archive *history.Store) *Planner {
	var filter map[string]bool
	if len(cfg.RepositoryFilter) > 0 {
		filter = make(map[string]bool, len(cfg.RepositoryFilter))
		for _, repo := range cfg.RepositoryFilter {
			filter[repo] = true
		}
	}

	return &Planner{
		cfg:        cfg,
		boardID:    boardID,
		boards:     boards,
		prs:        prs,
		router:     router,
		pool:       pool,
		store:      store,
		workspaces: workspaces,
		archive:    archive,
		log:        logging.WithComponent("planner"),
		repoFilter: filter,
	}
}

// Start launches the monitoring loop.
func (p *Planner) Start() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.loop()

	p.log.Info("planner started",
		slog.Duration("interval", p.cfg.Interval()),
		slog.String("board", p.boardID),
	)
	return nil
}

// Stop halts the loop and waits for the current iteration to finish.
func (p *Planner) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.runMu.Unlock()

	<-doneCh
	p.log.Info("planner stopped")
}

// IsRunning reports whether the loop is active.
func (p *Planner) IsRunning() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.running
}

func (p *Planner) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	// First reconciliation immediately, not one interval in.
	p.Tick(context.Background())

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if !p.IsRunning() {
				return
			}
			p.Tick(context.Background())
		}
	}
}

// ForceSync drains one reconciliation iteration synchronously.
func (p *Planner) ForceSync(ctx context.Context) {
	p.Tick(ctx)
}

// Tick runs one reconciliation pass: TODO lane, then IN_PROGRESS, then
// IN_REVIEW, in board order within each lane.
func (p *Planner) Tick(ctx context.Context) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.handleNewTasks(ctx)
	p.handleInProgressTasks(ctx)
	p.handleReviewTasks(ctx)

	if err := p.store.UpdatePlannerState(func(ps *state.PlannerState) {
		ps.LastSyncTime = time.Now().UTC()
	}); err != nil {
		p.recordError("tick", "", err)
	}
}

// handleNewTasks starts work on TODO items that are not yet assigned.
func (p *Planner) handleNewTasks(ctx context.Context) {
	items, err := p.boards.GetItems(ctx, p.boardID, board.StatusTodo)
	if err != nil {
		p.recordError("new", "", err)
		return
	}

	var reqs []worker.TaskRequest
	for i := range items {
		item := &items[i]
		if !p.includeRepo(item.RepositoryID()) {
			continue
		}
		repoID := item.RepositoryID()
		if repoID == "" {
			p.recordError("new", item.ID, fmt.Errorf("board item has no repository metadata"))
			continue
		}

		if _, tracked := p.store.GetTask(item.ID); !tracked {
			task := &state.Task{
				ID:     item.ID,
				Title:  item.Title,
				Status: state.TaskTodo,
			}
			if err := p.store.SaveTask(task); err != nil {
				p.recordError("new", item.ID, err)
				continue
			}
		}

		reqs = append(reqs, worker.TaskRequest{
			TaskID:       item.ID,
			Action:       worker.ActionStartNewTask,
			RepositoryID: repoID,
			BoardItem:    item,
		})
	}

	// Tasks that still own a live workspace outrank fresh checkouts when
	// the pool cannot take the whole lane this tick.
	for _, req := range p.router.Prioritize(reqs) {
		resp := p.router.Route(ctx, req)

		switch resp.Status {
		case worker.ResponseAccepted:
			if task, ok := p.store.GetTask(req.TaskID); ok {
				task.Status = state.TaskInProgress
				task.AssignedWorkerID = resp.WorkerID
				if err := p.store.SaveTask(task); err != nil {
					p.recordError("new", req.TaskID, err)
				}
			}
			p.updateBoardStatus(ctx, req.TaskID, board.StatusInProgress)
			p.trackActive(req.TaskID)
		case worker.ResponseRejected:
			// Pool saturated or duplicate; the lane is unchanged so the
			// next tick retries.
			p.log.Debug("new task rejected",
				slog.String("task_id", req.TaskID),
				slog.String("reason", resp.Message),
			)
		default:
			p.recordError("new", req.TaskID, fmt.Errorf("unexpected response %s: %s", resp.Status, resp.Message))
		}
	}
}

// handleInProgressTasks polls running work and advances finished tasks to
// review.
func (p *Planner) handleInProgressTasks(ctx context.Context) {
	items, err := p.boards.GetItems(ctx, p.boardID, board.StatusInProgress)
	if err != nil {
		p.recordError("progress", "", err)
		return
	}

	var reqs []worker.TaskRequest
	for i := range items {
		item := &items[i]
		if !p.includeRepo(item.RepositoryID()) {
			continue
		}
		reqs = append(reqs, worker.TaskRequest{
			TaskID:       item.ID,
			Action:       worker.ActionCheckStatus,
			RepositoryID: item.RepositoryID(),
			BoardItem:    item,
		})
	}

	// Workspace-holding tasks route first so reassignments after a restart
	// are not starved by fresh work elsewhere in the lane.
	for _, req := range p.router.Prioritize(reqs) {
		resp := p.router.Route(ctx, req)

		switch resp.Status {
		case worker.ResponseCompleted:
			p.completeTask(ctx, req.BoardItem, resp)
		case worker.ResponseInProgress:
			// Still working, or just reassigned after a restart.
		case worker.ResponseError:
			p.failTask(ctx, req.BoardItem, resp.Message)
		case worker.ResponseRejected:
			p.log.Debug("status check deferred",
				slog.String("task_id", req.TaskID),
				slog.String("reason", resp.Message),
			)
		}
	}
}

// completeTask attaches the PR and moves the item to review.
func (p *Planner) completeTask(ctx context.Context, item *board.Item, resp *worker.TaskResponse) {
	if resp.PullRequestURL == "" {
		// Developer finished without opening a PR; surface and retry the
		// task from scratch via the failure path.
		p.failTask(ctx, item, "execution completed without a pull request")
		return
	}

	if _, err := p.boards.AddPullRequestToItem(ctx, item.ID, resp.PullRequestURL); err != nil {
		p.log.Warn("failed to attach PR to board item",
			slog.String("task_id", item.ID),
			slog.Any("error", err),
		)
	}
	p.updateBoardStatus(ctx, item.ID, board.StatusInReview)

	if task, ok := p.store.GetTask(item.ID); ok {
		task.Status = state.TaskInReview
		task.PullRequestURL = resp.PullRequestURL
		task.AssignedWorkerID = ""
		task.Attempts = 0
		if err := p.store.SaveTask(task); err != nil {
			p.recordError("progress", item.ID, err)
		}
	}
	p.pool.ClearResult(item.ID)

	p.log.Info("task moved to review",
		slog.String("task_id", item.ID),
		slog.String("pr_url", resp.PullRequestURL),
	)
}

// failTask records the failure and, after the attempt budget is spent,
// reverts the item to TODO for a fresh start.
func (p *Planner) failTask(ctx context.Context, item *board.Item, message string) {
	p.recordError("progress", item.ID, fmt.Errorf("%s", message))

	task, ok := p.store.GetTask(item.ID)
	if !ok {
		return
	}
	task.Attempts++
	// Consume the failed execution's result so the same crash is counted
	// once, not once per tick while the worker awaits recovery.
	p.pool.ClearResult(item.ID)

	if task.Attempts >= p.cfg.MaxTaskAttempts {
		p.log.Warn("task exhausted attempts, reverting to TODO",
			slog.String("task_id", item.ID),
			slog.Int("attempts", task.Attempts),
		)
		task.Status = state.TaskTodo
		task.AssignedWorkerID = ""
		task.Attempts = 0
		p.updateBoardStatus(ctx, item.ID, board.StatusTodo)
		if w := p.pool.GetWorkerByTaskID(item.ID); w != nil {
			p.pool.ReleaseWorker(w.ID())
		}
		p.pool.ClearResult(item.ID)
		if err := p.workspaces.CleanupWorkspace(ctx, item.ID); err != nil {
			p.log.Warn("failed to clean workspace of reverted task",
				slog.String("task_id", item.ID),
				slog.Any("error", err),
			)
		}
	}

	if err := p.store.SaveTask(task); err != nil {
		p.recordError("progress", item.ID, err)
	}
}

// handleReviewTasks merges approved PRs and routes fresh review feedback.
func (p *Planner) handleReviewTasks(ctx context.Context) {
	items, err := p.boards.GetItems(ctx, p.boardID, board.StatusInReview)
	if err != nil {
		p.recordError("review", "", err)
		return
	}

	for i := range items {
		item := &items[i]
		if !p.includeRepo(item.RepositoryID()) {
			continue
		}

		prURL := p.taskPRURL(item)
		if prURL == "" {
			p.log.Warn("review item has no pull request", slog.String("task_id", item.ID))
			continue
		}
		repoID, number, err := ParsePullRequestURL(prURL)
		if err != nil {
			p.recordError("review", item.ID, err)
			continue
		}

		pr, err := p.prs.GetPullRequest(ctx, repoID, number)
		if err != nil {
			p.recordError("review", item.ID, err)
			continue
		}

		if pr.Merged {
			p.finishTask(ctx, item)
			continue
		}
		if pr.State == pullrequest.StateClosed {
			// Closed without merge: treat like a failed attempt.
			p.failTask(ctx, item, fmt.Sprintf("pull request %s closed without merge", prURL))
			continue
		}

		approved, err := p.prs.IsApproved(ctx, repoID, number)
		if err != nil {
			p.recordError("review", item.ID, err)
			continue
		}

		if approved {
			resp := p.router.Route(ctx, worker.TaskRequest{
				TaskID:         item.ID,
				Action:         worker.ActionRequestMerge,
				RepositoryID:   repoID,
				BoardItem:      item,
				PullRequestURL: prURL,
			})
			if resp.Status != worker.ResponseAccepted {
				p.log.Debug("merge request deferred",
					slog.String("task_id", item.ID),
					slog.String("reason", resp.Message),
				)
			}
			continue
		}

		p.routeFeedback(ctx, item, repoID, number, prURL)
	}
}

// routeFeedback fetches unprocessed comments and hands them to a worker.
// The processed set and sync cursor advance only on acceptance.
func (p *Planner) routeFeedback(ctx context.Context, item *board.Item, repoID string, number int, prURL string) {
	since := p.store.TaskSyncTime(item.ID)

	opts := pullrequest.DefaultFilterOptions()
	if len(p.cfg.AllowedBots) > 0 {
		opts.AllowedBots = p.cfg.AllowedBots
	}

	comments, err := p.prs.GetNewComments(ctx, repoID, number, since, opts)
	if err != nil {
		p.recordError("review", item.ID, err)
		return
	}

	task, ok := p.store.GetTask(item.ID)
	if !ok {
		return
	}

	var fresh []pullrequest.Comment
	for _, c := range comments {
		if !task.HasProcessedComment(c.ID) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return
	}

	resp := p.router.Route(ctx, worker.TaskRequest{
		TaskID:         item.ID,
		Action:         worker.ActionProcessFeedback,
		RepositoryID:   repoID,
		BoardItem:      item,
		PullRequestURL: prURL,
		Comments:       fresh,
	})

	switch resp.Status {
	case worker.ResponseAccepted, worker.ResponseCompleted:
		ids := make([]string, 0, len(fresh))
		cursor := since
		for _, c := range fresh {
			ids = append(ids, c.ID)
			if c.CreatedAt.After(cursor) {
				cursor = c.CreatedAt
			}
		}
		if err := p.store.MarkCommentsProcessed(item.ID, ids, cursor); err != nil {
			p.recordError("review", item.ID, err)
			return
		}
		if err := p.prs.MarkCommentsAsProcessed(ctx, repoID, number, ids); err != nil {
			p.log.Warn("failed to acknowledge comments with provider",
				slog.String("task_id", item.ID),
				slog.Any("error", err),
			)
		}
		p.log.Info("feedback routed",
			slog.String("task_id", item.ID),
			slog.Int("comments", len(fresh)),
		)
	case worker.ResponseRejected:
		// Cursor untouched; the same comments are retried next tick.
		p.log.Debug("feedback deferred",
			slog.String("task_id", item.ID),
			slog.String("reason", resp.Message),
		)
	default:
		p.recordError("review", item.ID, fmt.Errorf("unexpected response %s: %s", resp.Status, resp.Message))
	}
}

// finishTask moves a merged task to DONE and releases its resources.
func (p *Planner) finishTask(ctx context.Context, item *board.Item) {
	p.updateBoardStatus(ctx, item.ID, board.StatusDone)

	if task, ok := p.store.GetTask(item.ID); ok {
		task.Status = state.TaskDone
		task.AssignedWorkerID = ""
		if err := p.store.SaveTask(task); err != nil {
			p.recordError("review", item.ID, err)
		}
	}

	if err := p.workspaces.CleanupWorkspace(ctx, item.ID); err != nil {
		p.log.Warn("failed to clean up finished workspace",
			slog.String("task_id", item.ID),
			slog.Any("error", err),
		)
	}
	if err := p.store.DropTaskSync(item.ID); err != nil {
		p.recordError("review", item.ID, err)
	}
	p.pool.ClearResult(item.ID)
	p.markProcessed(item.ID)

	p.log.Info("task done", slog.String("task_id", item.ID))
}

// updateBoardStatus moves a board item, tolerating provider lag: the write
// is treated as successful even when a follow-up read would still show the
// prior lane.
func (p *Planner) updateBoardStatus(ctx context.Context, itemID, status string) {
	if _, err := p.boards.UpdateItemStatus(ctx, itemID, status); err != nil {
		p.recordError("board", itemID, err)
	}
}

func (p *Planner) taskPRURL(item *board.Item) string {
	if task, ok := p.store.GetTask(item.ID); ok && task.PullRequestURL != "" {
		return task.PullRequestURL
	}
	if n := len(item.PullRequestURLs); n > 0 {
		return item.PullRequestURLs[n-1]
	}
	return ""
}

func (p *Planner) includeRepo(repoID string) bool {
	if p.repoFilter == nil {
		return true
	}
	return p.repoFilter[repoID]
}

func (p *Planner) trackActive(taskID string) {
	if err := p.store.UpdatePlannerState(func(ps *state.PlannerState) {
		for _, id := range ps.ActiveTasks {
			if id == taskID {
				return
			}
		}
		ps.ActiveTasks = append(ps.ActiveTasks, taskID)
	}); err != nil {
		p.recordError("state", taskID, err)
	}
}

func (p *Planner) markProcessed(taskID string) {
	if err := p.store.UpdatePlannerState(func(ps *state.PlannerState) {
		active := ps.ActiveTasks[:0]
		for _, id := range ps.ActiveTasks {
			if id != taskID {
				active = append(active, id)
			}
		}
		ps.ActiveTasks = active
		for _, id := range ps.ProcessedTasks {
			if id == taskID {
				return
			}
		}
		ps.ProcessedTasks = append(ps.ProcessedTasks, taskID)
	}); err != nil {
		p.recordError("state", taskID, err)
	}
}

// recordError appends to the bounded error log and, when an archive is
// wired, to durable history.
func (p *Planner) recordError(stage, taskID string, err error) {
	e := Error{
		Time:    time.Now().UTC(),
		Stage:   stage,
		TaskID:  taskID,
		Message: err.Error(),
	}

	p.errMu.Lock()
	p.errors = append(p.errors, e)
	if limit := p.errorLimit(); len(p.errors) > limit {
		p.errors = p.errors[len(p.errors)-limit:]
	}
	p.errMu.Unlock()

	p.log.Error("reconciliation error",
		slog.String("stage", stage),
		slog.String("task_id", taskID),
		slog.Any("error", err),
	)

	if p.archive != nil {
		if aerr := p.archive.RecordError(history.PlannerError{
			Stage:      stage,
			TaskID:     taskID,
			Message:    err.Error(),
			OccurredAt: e.Time,
		}); aerr != nil {
			p.log.Warn("failed to archive planner error", slog.Any("error", aerr))
		}
	}
}

func (p *Planner) errorLimit() int {
	if p.cfg.ErrorLogSize > 0 {
		return p.cfg.ErrorLogSize
	}
	return 100
}

// Errors returns a copy of the bounded error log, oldest first.
func (p *Planner) Errors() []Error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]Error(nil), p.errors...)
}

// Status returns the planner state for the status surface.
func (p *Planner) Status() Status {
	ps := p.store.GetPlannerState()
	return Status{
		Running:      p.IsRunning(),
		LastSyncTime: ps.LastSyncTime,
		TrackedTasks: len(p.store.ListTasks()),
		Errors:       p.Errors(),
	}
}
