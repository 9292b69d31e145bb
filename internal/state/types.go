package state

import (
	"sort"
	"time"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/pullrequest"
)

// TaskStatus mirrors the board lane of a tracked task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskInReview   TaskStatus = "IN_REVIEW"
	TaskDone       TaskStatus = "DONE"
)

// WorkerStatus is the lifecycle state of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "IDLE"
	WorkerWaiting WorkerStatus = "WAITING"
	WorkerWorking WorkerStatus = "WORKING"
	WorkerStopped WorkerStatus = "STOPPED"
)

// TaskAction is the work a worker is asked to perform on a task.
type TaskAction string

const (
	ActionStartNewTask    TaskAction = "START_NEW_TASK"
	ActionResumeTask      TaskAction = "RESUME_TASK"
	ActionProcessFeedback TaskAction = "PROCESS_FEEDBACK"
	ActionMergeRequest    TaskAction = "MERGE_REQUEST"
)

// Task is the durable record of a board item crew is tracking. Created when
// the planner first observes a TODO item; destroyed when the board item
// disappears and no worker references it. Mutated only through Store
// operations.
type Task struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Status              TaskStatus `json:"status"`
	Priority            int        `json:"priority"`
	AssignedWorkerID    string     `json:"assigned_worker_id,omitempty"`
	PullRequestURL      string     `json:"pull_request_url,omitempty"`
	ProcessedCommentIDs []string   `json:"processed_comment_ids,omitempty"`
	Attempts            int        `json:"attempts,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HasProcessedComment reports whether a comment ID is already in the
// processed set.
func (t *Task) HasProcessedComment(id string) bool {
	i := sort.SearchStrings(t.ProcessedCommentIDs, id)
	return i < len(t.ProcessedCommentIDs) && t.ProcessedCommentIDs[i] == id
}

// addProcessedComments merges ids into the sorted processed set. The set
// only grows.
func (t *Task) addProcessedComments(ids []string) {
	for _, id := range ids {
		i := sort.SearchStrings(t.ProcessedCommentIDs, id)
		if i < len(t.ProcessedCommentIDs) && t.ProcessedCommentIDs[i] == id {
			continue
		}
		t.ProcessedCommentIDs = append(t.ProcessedCommentIDs, "")
		copy(t.ProcessedCommentIDs[i+1:], t.ProcessedCommentIDs[i:])
		t.ProcessedCommentIDs[i] = id
	}
}

// WorkerTask is the assignment a worker holds. Immutable once assigned;
// reassignment replaces the whole value.
type WorkerTask struct {
	TaskID         string                `json:"task_id"`
	Action         TaskAction            `json:"action"`
	RepositoryID   string                `json:"repository_id"` // "owner/name"
	BoardItem      *board.Item           `json:"board_item,omitempty"`
	PullRequestURL string                `json:"pull_request_url,omitempty"`
	Comments       []pullrequest.Comment `json:"comments,omitempty"`
	AssignedAt     time.Time             `json:"assigned_at"`
}

// WorkerRecord is the persisted snapshot of a worker. Invariant: a non-nil
// CurrentTask implies Status is WAITING or WORKING.
type WorkerRecord struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentTask   *WorkerTask  `json:"current_task,omitempty"`
	WorkspaceDir  string       `json:"workspace_dir,omitempty"`
	DeveloperType string       `json:"developer_type"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	LastActiveAt  time.Time    `json:"last_active_at"`
}

// WorkspaceInfo is the persisted record of one task's working tree.
// TaskID is unique across live workspaces.
type WorkspaceInfo struct {
	TaskID          string    `json:"task_id"`
	RepositoryID    string    `json:"repository_id"`
	WorkspaceDir    string    `json:"workspace_dir"` // absolute path
	BranchName      string    `json:"branch_name"`
	WorktreeCreated bool      `json:"worktree_created"`
	CreatedAt       time.Time `json:"created_at"`
}

// TaskSync is the planner's per-task reconciliation cursor.
// LastCommentSyncTime advances only when a PROCESS_FEEDBACK round is
// acknowledged.
type TaskSync struct {
	LastCommentSyncTime time.Time `json:"last_comment_sync_time"`
}

// PlannerState is the planner's durable cursor state.
type PlannerState struct {
	LastSyncTime   time.Time            `json:"last_sync_time"`
	ProcessedTasks []string             `json:"processed_tasks,omitempty"`
	ActiveTasks    []string             `json:"active_tasks,omitempty"`
	TaskSync       map[string]*TaskSync `json:"task_sync,omitempty"`
}
