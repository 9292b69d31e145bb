package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/developer"
	"github.com/crewhq/crew/internal/gitlock"
	"github.com/crewhq/crew/internal/pullrequest"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/worker"
	"github.com/crewhq/crew/internal/workspace"
)

// fakeGit satisfies gitops.Service; CreateWorktree materialises the
// worktree pointer so workspace validity behaves like the real thing.
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

type fixture struct {
	planner    *Planner
	boards     *board.MockBoard
	prs        *pullrequest.MockService
	pool       *worker.Pool
	store      *state.Store
	workspaces *workspace.Manager
}

func newFixture(t *testing.T, cfg *config.PlannerConfig) *fixture {
	t.Helper()
	return newFixtureWithPool(t, cfg, &config.PoolConfig{
		MinWorkers:           1,
		MaxWorkers:           2,
		MinPersistentWorkers: 1,
		RecoveryTimeout:      "1ms", // sweeps are driven by the tests
	})
}

func newFixtureWithPool(t *testing.T, cfg *config.PlannerConfig, poolCfg *config.PoolConfig) *fixture {
	t.Helper()

	root := t.TempDir()
	git := fakeGit{}
	locks := gitlock.NewManager(time.Minute)
	store := state.NewMemoryStore()
	repos := repocache.New(root, 10*time.Minute, git, locks, nil)
	workspaces := workspace.NewManager(root, git, repos, locks, store)

	factory := developer.NewFactory(&config.DeveloperConfig{Type: config.DeveloperTypeMock})
	pool := worker.NewPool(poolCfg, factory, store, workspaces, repos, git)
	if err := pool.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Cleanup)

	boards := board.NewMockBoard()
	prs := pullrequest.NewMockService()
	router := worker.NewRouter(pool, workspaces)

	if cfg == nil {
		cfg = &config.PlannerConfig{
			MonitoringInterval: "1h", // ticks are driven by the tests
			MaxTaskAttempts:    3,
		}
	}

	return &fixture{
		planner:    New(cfg, "acme/1", boards, prs, router, pool, store, workspaces, nil),
		boards:     boards,
		prs:        prs,
		pool:       pool,
		store:      store,
		workspaces: workspaces,
	}
}

func (f *fixture) waitForResult(t *testing.T, taskID string) *worker.Result {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res := f.pool.LastResult(taskID); res != nil {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for result of %s", taskID)
	return nil
}

func (f *fixture) waitForPoolIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := f.pool.Status()
		if s.Working == 0 && s.Waiting == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pool to settle")
}

func todoItem(id string) board.Item {
	return board.Item{
		ID:       id,
		Title:    "Add pagination",
		Body:     "Cursor-based pagination for the list endpoint.",
		Status:   board.StatusTodo,
		Metadata: map[string]string{"repository": "acme/widgets"},
	}
}

func TestTickFullTaskLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.boards.AddItem(todoItem("item-1"))

	// The TODO lane pass assigns the item and moves it to IN_PROGRESS.
	// Lanes are driven one at a time here so assertions on intermediate
	// states do not race the asynchronous execution.
	f.planner.handleNewTasks(ctx)

	item, _ := f.boards.Item("item-1")
	if item.Status != board.StatusInProgress {
		t.Fatalf("board status = %s, want IN_PROGRESS", item.Status)
	}
	task, ok := f.store.GetTask("item-1")
	if !ok || task.Status != state.TaskInProgress || task.AssignedWorkerID == "" {
		t.Fatalf("task record after assignment: %+v", task)
	}

	res := f.waitForResult(t, "item-1")
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Error)
	}
	prURL := res.PullRequestURL

	// The progress pass sees the finished execution and moves the item to
	// review with the PR attached.
	f.planner.handleInProgressTasks(ctx)

	item, _ = f.boards.Item("item-1")
	if item.Status != board.StatusInReview {
		t.Fatalf("board status = %s, want IN_REVIEW", item.Status)
	}
	if len(item.PullRequestURLs) != 1 || item.PullRequestURLs[0] != prURL {
		t.Errorf("pr urls = %v", item.PullRequestURLs)
	}
	task, _ = f.store.GetTask("item-1")
	if task.Status != state.TaskInReview || task.PullRequestURL != prURL {
		t.Errorf("task record after review move: %+v", task)
	}
	if f.pool.LastResult("item-1") != nil {
		t.Error("consumed result not cleared")
	}

	// Seed the PR the mock developer "opened".
	repoID, number, err := ParsePullRequestURL(prURL)
	if err != nil {
		t.Fatal(err)
	}
	f.prs.AddPullRequest(repoID, pullrequest.PullRequest{
		Number: number, URL: prURL, State: pullrequest.StateOpen, Author: "crew",
	})

	// Tick 3: open, unapproved, no comments. Nothing changes.
	f.planner.Tick(ctx)
	item, _ = f.boards.Item("item-1")
	if item.Status != board.StatusInReview {
		t.Fatalf("board status = %s after quiet review tick", item.Status)
	}

	// A reviewer comments; the feedback is routed exactly once.
	f.prs.AddComment(repoID, number, pullrequest.Comment{
		ID: "ic-1", Author: "reviewer", Body: "Please add a test.", CreatedAt: time.Now().UTC(),
	})
	f.planner.Tick(ctx)

	task, _ = f.store.GetTask("item-1")
	if !task.HasProcessedComment("ic-1") {
		t.Fatal("comment not marked processed after acceptance")
	}
	if got := f.prs.Processed(repoID, number); len(got) != 1 || got[0] != "ic-1" {
		t.Errorf("provider acknowledgement = %v", got)
	}
	f.waitForResult(t, "item-1")
	f.waitForPoolIdle(t)

	// Tick 5: the same comment is not routed again.
	f.planner.Tick(ctx)
	if got := f.prs.Processed(repoID, number); len(got) != 1 {
		t.Errorf("comment re-routed: %v", got)
	}
	f.waitForPoolIdle(t)
	f.pool.ClearResult("item-1")

	// Approval requests a merge.
	f.prs.AddReview(repoID, number, pullrequest.Review{
		ID: "r-1", Author: "reviewer", State: pullrequest.ReviewApproved, SubmittedAt: time.Now().UTC(),
	})
	f.planner.Tick(ctx)
	res = f.waitForResult(t, "item-1")
	if res.Action != state.ActionMergeRequest {
		t.Errorf("action = %s, want MERGE_REQUEST", res.Action)
	}
	f.waitForPoolIdle(t)

	// The merge landed; the task is finished and its resources released.
	f.prs.AddPullRequest(repoID, pullrequest.PullRequest{
		Number: number, URL: prURL, State: pullrequest.StateClosed, Author: "crew", Merged: true,
	})
	f.planner.Tick(ctx)

	item, _ = f.boards.Item("item-1")
	if item.Status != board.StatusDone {
		t.Fatalf("board status = %s, want DONE", item.Status)
	}
	task, _ = f.store.GetTask("item-1")
	if task.Status != state.TaskDone {
		t.Errorf("task status = %s", task.Status)
	}
	if !f.store.TaskSyncTime("item-1").IsZero() {
		t.Error("sync cursor survived finish")
	}
	if _, ok := f.store.GetWorkspace("item-1"); ok {
		t.Error("workspace record survived finish")
	}
}

func TestFailedExecutionRevertsToTodoAfterAttempts(t *testing.T) {
	f := newFixture(t, &config.PlannerConfig{
		MonitoringInterval: "1h",
		MaxTaskAttempts:    1,
	})
	ctx := context.Background()

	// An invalid repository id makes workspace preparation fail, which is
	// the planner's generic execution-failure path.
	item := todoItem("item-1")
	item.Metadata["repository"] = "notarepo"
	f.boards.AddItem(item)

	f.planner.handleNewTasks(ctx)
	res := f.waitForResult(t, "item-1")
	if res.Success {
		t.Fatal("expected execution failure")
	}

	// The worker is STOPPED holding the task; the status check surfaces the
	// error and the attempt budget (1) is spent.
	f.planner.handleInProgressTasks(ctx)

	boardItem, _ := f.boards.Item("item-1")
	if boardItem.Status != board.StatusTodo {
		t.Errorf("board status = %s, want TODO after revert", boardItem.Status)
	}
	task, _ := f.store.GetTask("item-1")
	if task.Status != state.TaskTodo || task.Attempts != 0 || task.AssignedWorkerID != "" {
		t.Errorf("task after revert: %+v", task)
	}
	if w := f.pool.GetWorkerByTaskID("item-1"); w != nil {
		t.Error("worker still holds the reverted task")
	}
	if len(f.planner.Errors()) == 0 {
		t.Error("failure not recorded in the error log")
	}
}

func TestStoppedWorkerCrashCountsOneAttempt(t *testing.T) {
	f := newFixture(t, &config.PlannerConfig{
		MonitoringInterval: "1h",
		MaxTaskAttempts:    2,
	})
	ctx := context.Background()

	item := todoItem("item-1")
	item.Metadata["repository"] = "notarepo"
	f.boards.AddItem(item)

	f.planner.handleNewTasks(ctx)
	if res := f.waitForResult(t, "item-1"); res.Success {
		t.Fatal("expected execution failure")
	}

	// The first status check consumes the failure; subsequent checks see
	// the same STOPPED worker and must not spend further attempts.
	f.planner.handleInProgressTasks(ctx)
	f.planner.handleInProgressTasks(ctx)
	f.planner.handleInProgressTasks(ctx)

	task, _ := f.store.GetTask("item-1")
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a single crash", task.Attempts)
	}
	boardItem, _ := f.boards.Item("item-1")
	if boardItem.Status != board.StatusInProgress {
		t.Fatalf("board status = %s, reverted before the budget was spent", boardItem.Status)
	}

	// The recovery sweep re-executes; the second crash spends the budget
	// and the lane reverts to TODO.
	time.Sleep(10 * time.Millisecond)
	f.pool.RecoverStoppedWorkers()
	f.waitForResult(t, "item-1")
	f.planner.handleInProgressTasks(ctx)

	boardItem, _ = f.boards.Item("item-1")
	if boardItem.Status != board.StatusTodo {
		t.Errorf("board status = %s, want TODO after the second crash", boardItem.Status)
	}
	task, _ = f.store.GetTask("item-1")
	if task.Status != state.TaskTodo || task.Attempts != 0 {
		t.Errorf("task after revert: %+v", task)
	}
	if w := f.pool.GetWorkerByTaskID("item-1"); w != nil {
		t.Error("worker still holds the reverted task")
	}
}

func TestWorkspaceHolderOutranksFreshTodoItem(t *testing.T) {
	f := newFixtureWithPool(t, nil, &config.PoolConfig{
		MinWorkers:           1,
		MaxWorkers:           1,
		MinPersistentWorkers: 1,
	})
	ctx := context.Background()

	// Board order puts the fresh item first, but item-2 still owns a live
	// workspace and must win the only worker. Both point at an invalid
	// repository so the worker stays occupied for the whole lane pass.
	first := todoItem("item-1")
	first.Metadata["repository"] = "notarepo"
	second := todoItem("item-2")
	second.Metadata["repository"] = "notarepo"
	f.boards.AddItem(first)
	f.boards.AddItem(second)

	info, err := f.workspaces.CreateWorkspace("item-2", "acme/widgets", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.workspaces.SetupWorktree(ctx, info, "main"); err != nil {
		t.Fatal(err)
	}

	f.planner.handleNewTasks(ctx)

	got, _ := f.boards.Item("item-2")
	if got.Status != board.StatusInProgress {
		t.Errorf("workspace holder not assigned: %s", got.Status)
	}
	got, _ = f.boards.Item("item-1")
	if got.Status != board.StatusTodo {
		t.Errorf("fresh item took the only worker: %s", got.Status)
	}
}

func TestRepositoryFilterSkipsOtherRepos(t *testing.T) {
	f := newFixture(t, &config.PlannerConfig{
		MonitoringInterval: "1h",
		MaxTaskAttempts:    3,
		RepositoryFilter:   []string{"acme/other"},
	})

	f.boards.AddItem(todoItem("item-1"))
	f.planner.Tick(context.Background())

	item, _ := f.boards.Item("item-1")
	if item.Status != board.StatusTodo {
		t.Errorf("filtered item was routed: %s", item.Status)
	}
	if _, ok := f.store.GetTask("item-1"); ok {
		t.Error("filtered item got a task record")
	}
}

func TestMissingRepositoryMetadataIsAnError(t *testing.T) {
	f := newFixture(t, nil)

	f.boards.AddItem(board.Item{ID: "item-1", Title: "No repo", Status: board.StatusTodo})
	f.planner.Tick(context.Background())

	if len(f.planner.Errors()) == 0 {
		t.Fatal("missing repository metadata not recorded")
	}
	item, _ := f.boards.Item("item-1")
	if item.Status != board.StatusTodo {
		t.Errorf("item moved despite missing metadata: %s", item.Status)
	}
}

func TestBoardOutageIsRecordedNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.boards.Errs["GetItems"] = errors.New("503 from provider")

	f.planner.Tick(context.Background())

	if len(f.planner.Errors()) == 0 {
		t.Error("provider outage not recorded")
	}
}

func TestErrorLogIsBounded(t *testing.T) {
	f := newFixture(t, &config.PlannerConfig{
		MonitoringInterval: "1h",
		MaxTaskAttempts:    3,
		ErrorLogSize:       2,
	})

	for i := 0; i < 5; i++ {
		f.planner.recordError("test", "", errors.New("synthetic"))
	}
	if got := len(f.planner.Errors()); got != 2 {
		t.Errorf("error log size = %d, want 2", got)
	}
}

func TestClosedUnmergedPRCountsAsFailure(t *testing.T) {
	f := newFixture(t, &config.PlannerConfig{
		MonitoringInterval: "1h",
		MaxTaskAttempts:    1,
	})
	ctx := context.Background()

	item := todoItem("item-1")
	item.Status = board.StatusInReview
	item.PullRequestURLs = []string{"https://github.com/acme/widgets/pull/7"}
	f.boards.AddItem(item)
	if err := f.store.SaveTask(&state.Task{ID: "item-1", Status: state.TaskInReview}); err != nil {
		t.Fatal(err)
	}

	f.prs.AddPullRequest("acme/widgets", pullrequest.PullRequest{
		Number: 7, State: pullrequest.StateClosed, Merged: false, Author: "crew",
	})

	f.planner.Tick(ctx)

	boardItem, _ := f.boards.Item("item-1")
	if boardItem.Status != board.StatusTodo {
		t.Errorf("board status = %s, want TODO after closed-unmerged PR", boardItem.Status)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, &config.PlannerConfig{
		MonitoringInterval: "50ms",
		MaxTaskAttempts:    3,
	})

	if err := f.planner.Start(); err != nil {
		t.Fatal(err)
	}
	if !f.planner.IsRunning() {
		t.Error("planner not running after Start")
	}
	// Idempotent start.
	if err := f.planner.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}

	// The first tick runs immediately; the sync time lands quickly.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !f.planner.Status().LastSyncTime.IsZero() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.planner.Status().LastSyncTime.IsZero() {
		t.Error("no tick observed after Start")
	}

	f.planner.Stop()
	if f.planner.IsRunning() {
		t.Error("planner running after Stop")
	}
	// Idempotent stop.
	f.planner.Stop()
}
