package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crewhq/crew/internal/board"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/pullrequest"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/workspace"
)

// Request actions. The worker actions plus CHECK_STATUS, which routes
// without assigning.
const (
	ActionStartNewTask    = string(state.ActionStartNewTask)
	ActionCheckStatus     = "CHECK_STATUS"
	ActionProcessFeedback = string(state.ActionProcessFeedback)
	ActionRequestMerge    = "REQUEST_MERGE"
)

// Response statuses.
const (
	ResponseAccepted   = "ACCEPTED"
	ResponseRejected   = "REJECTED"
	ResponseCompleted  = "COMPLETED"
	ResponseInProgress = "IN_PROGRESS"
	ResponseError      = "ERROR"
)

// Reassignment priorities: a task with a valid extant workspace outranks
// one that needs a fresh checkout.
const (
	PriorityWithWorkspace    = 10
	PriorityWithoutWorkspace = 5
)

// TaskRequest is the planner's routing input.
type TaskRequest struct {
	TaskID         string
	Action         string
	RepositoryID   string
	BoardItem      *board.Item
	PullRequestURL string
	Comments       []pullrequest.Comment
	Priority       int
}

// TaskResponse is the routing outcome returned to the planner.
type TaskResponse struct {
	TaskID         string
	Status         string
	Message        string
	WorkerID       string
	PullRequestURL string
}

// Router turns task requests into worker assignments.
type Router struct {
	pool       *Pool
	workspaces *workspace.Manager
	log        *slog.Logger
}

// NewRouter creates a task router.
func NewRouter(pool *Pool, workspaces *workspace.Manager) *Router {
	return &Router{
		pool:       pool,
		workspaces: workspaces,
		log:        logging.WithComponent("router"),
	}
}

// Prioritize stamps each request with its reassignment priority and orders
// the batch highest first. Ties keep planner order.
func (r *Router) Prioritize(reqs []TaskRequest) []TaskRequest {
	for i := range reqs {
		if _, valid := r.workspaces.Validate(reqs[i].TaskID); valid {
			reqs[i].Priority = PriorityWithWorkspace
		} else {
			reqs[i].Priority = PriorityWithoutWorkspace
		}
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].Priority > reqs[j].Priority
	})
	return reqs
}

// Route dispatches one request.
func (r *Router) Route(ctx context.Context, req TaskRequest) *TaskResponse {
	switch req.Action {
	case ActionStartNewTask:
		return r.routeStartNewTask(req)
	case ActionCheckStatus:
		return r.routeCheckStatus(req)
	case ActionProcessFeedback:
		return r.routeProcessFeedback(req)
	case ActionRequestMerge:
		return r.routeRequestMerge(req)
	default:
		return r.respond(req.TaskID, ResponseError, fmt.Sprintf("unknown action: %s", req.Action))
	}
}

func (r *Router) routeStartNewTask(req TaskRequest) *TaskResponse {
	if w := r.pool.GetWorkerByTaskID(req.TaskID); w != nil {
		return r.respond(req.TaskID, ResponseRejected, fmt.Sprintf("task already held by %s", w.ID()))
	}

	w, err := r.pool.GetAvailableWorker()
	if err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	if w == nil {
		return r.respond(req.TaskID, ResponseRejected, "no available worker")
	}

	if err := r.assign(w, req, state.ActionStartNewTask); err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	r.pool.StartExecution(w)

	resp := r.respond(req.TaskID, ResponseAccepted, "assigned")
	resp.WorkerID = w.ID()
	return resp
}

func (r *Router) routeCheckStatus(req TaskRequest) *TaskResponse {
	if w := r.pool.GetWorkerByTaskID(req.TaskID); w != nil {
		switch w.Status() {
		case state.WorkerStopped:
			// A crash is reported once, while its result is unconsumed.
			// Afterwards the worker sits STOPPED until the recovery sweep
			// re-executes it; the same failure is not recounted per tick.
			if res := r.pool.LastResult(req.TaskID); res != nil && !res.Success {
				return r.respond(req.TaskID, ResponseError, res.Error)
			}
			return r.respond(req.TaskID, ResponseInProgress, "stopped, awaiting recovery")
		default:
			resp := r.respond(req.TaskID, ResponseInProgress, string(w.Status()))
			resp.WorkerID = w.ID()
			return resp
		}
	}

	// No worker holds the task. A finished execution answers directly.
	if res := r.pool.LastResult(req.TaskID); res != nil {
		if res.Success {
			resp := r.respond(req.TaskID, ResponseCompleted, "execution finished")
			resp.PullRequestURL = res.PullRequestURL
			resp.WorkerID = res.WorkerID
			return resp
		}
		return r.respond(req.TaskID, ResponseError, res.Error)
	}

	// Nothing live and nothing recorded: reassign when the workspace
	// survived (process restart), otherwise the task is unrecoverable.
	if _, valid := r.workspaces.Validate(req.TaskID); !valid {
		return r.respond(req.TaskID, ResponseError, "no workspace found")
	}

	w, err := r.pool.GetAvailableWorker()
	if err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	if w == nil {
		return r.respond(req.TaskID, ResponseRejected, "no available worker for reassignment")
	}
	if err := r.assign(w, req, state.ActionResumeTask); err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	r.pool.StartExecution(w)

	resp := r.respond(req.TaskID, ResponseInProgress, "reassigned")
	resp.WorkerID = w.ID()
	return resp
}

func (r *Router) routeProcessFeedback(req TaskRequest) *TaskResponse {
	if w := r.pool.GetWorkerByTaskID(req.TaskID); w != nil {
		switch w.Status() {
		case state.WorkerWorking:
			return r.respond(req.TaskID, ResponseRejected, "busy")
		case state.WorkerWaiting:
			merged := req
			merged.Comments = mergeComments(w.CurrentTask(), req.Comments)
			if err := r.assign(w, merged, state.ActionProcessFeedback); err != nil {
				return r.respond(req.TaskID, ResponseRejected, err.Error())
			}
			r.pool.StartExecution(w)
			resp := r.respond(req.TaskID, ResponseAccepted, "feedback merged")
			resp.WorkerID = w.ID()
			return resp
		default:
			return r.respond(req.TaskID, ResponseRejected, fmt.Sprintf("worker %s is %s", w.ID(), w.Status()))
		}
	}

	w, err := r.pool.GetAvailableWorker()
	if err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	if w == nil {
		return r.respond(req.TaskID, ResponseRejected, "no available worker")
	}
	if err := r.assign(w, req, state.ActionProcessFeedback); err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	r.pool.StartExecution(w)

	resp := r.respond(req.TaskID, ResponseAccepted, "assigned")
	resp.WorkerID = w.ID()
	return resp
}

func (r *Router) routeRequestMerge(req TaskRequest) *TaskResponse {
	if w := r.pool.GetWorkerByTaskID(req.TaskID); w != nil {
		return r.respond(req.TaskID, ResponseRejected, fmt.Sprintf("worker %s is %s", w.ID(), w.Status()))
	}

	w, err := r.pool.GetAvailableWorker()
	if err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	if w == nil {
		return r.respond(req.TaskID, ResponseRejected, "no available worker")
	}
	if err := r.assign(w, req, state.ActionMergeRequest); err != nil {
		return r.respond(req.TaskID, ResponseRejected, err.Error())
	}
	r.pool.StartExecution(w)

	resp := r.respond(req.TaskID, ResponseAccepted, "merge assigned")
	resp.WorkerID = w.ID()
	return resp
}

func (r *Router) assign(w *Worker, req TaskRequest, action state.TaskAction) error {
	task := &state.WorkerTask{
		TaskID:         req.TaskID,
		Action:         action,
		RepositoryID:   req.RepositoryID,
		BoardItem:      req.BoardItem,
		PullRequestURL: req.PullRequestURL,
		Comments:       req.Comments,
		AssignedAt:     time.Now().UTC(),
	}
	err := w.AssignTask(task)
	if err != nil && !errors.Is(err, ErrWorkerBusy) {
		r.log.Warn("assignment failed",
			slog.String("task_id", req.TaskID),
			slog.String("worker_id", w.ID()),
			slog.Any("error", err),
		)
	}
	return err
}

func (r *Router) respond(taskID, status, message string) *TaskResponse {
	r.log.Debug("routed",
		slog.String("task_id", taskID),
		slog.String("status", status),
		slog.String("message", message),
	)
	return &TaskResponse{TaskID: taskID, Status: status, Message: message}
}

// mergeComments unions the comments already held with the incoming batch,
// deduplicating by ID, preserving first-seen order.
func mergeComments(current *state.WorkerTask, incoming []pullrequest.Comment) []pullrequest.Comment {
	seen := make(map[string]bool)
	var out []pullrequest.Comment

	if current != nil {
		for _, c := range current.Comments {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	for _, c := range incoming {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}
