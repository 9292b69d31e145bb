// Package state persists crew's durable records as JSON snapshots.
//
// Layout under dataDir: tasks.json, workers.json, workspaces.json,
// planner-state.json. Each file is rewritten whole on every mutation with a
// write-tmp-then-rename so a crash never leaves a torn file. Records are
// serialised in canonical order (sorted by ID) so that two snapshots of the
// same state are byte-identical.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/crewhq/crew/internal/pullrequest"
)

const (
	tasksFile      = "tasks.json"
	workersFile    = "workers.json"
	workspacesFile = "workspaces.json"
	plannerFile    = "planner-state.json"
)

// Store owns all durable entity records. Every mutation persists the
// affected file before returning. An empty dataDir disables persistence;
// tests use that as the in-memory substitute.
type Store struct {
	dataDir string

	tasksMu      sync.Mutex
	workersMu    sync.Mutex
	workspacesMu sync.Mutex
	plannerMu    sync.Mutex

	tasks      map[string]*Task
	workers    map[string]*WorkerRecord
	workspaces map[string]*WorkspaceInfo // keyed by taskID
	planner    *PlannerState
}

// NewStore opens (or creates) a file-backed store at dataDir and loads all
// snapshots. Corrupted JSON is a fatal startup error.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := newEmpty(dataDir)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemoryStore returns a store with persistence disabled. Used by tests.
func NewMemoryStore() *Store {
	return newEmpty("")
}

func newEmpty(dataDir string) *Store {
	return &Store{
		dataDir:    dataDir,
		tasks:      make(map[string]*Task),
		workers:    make(map[string]*WorkerRecord),
		workspaces: make(map[string]*WorkspaceInfo),
		planner:    &PlannerState{TaskSync: make(map[string]*TaskSync)},
	}
}

func (s *Store) load() error {
	var tasks []*Task
	if err := s.readFile(tasksFile, &tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		sort.Strings(t.ProcessedCommentIDs)
		s.tasks[t.ID] = t
	}

	var workers []*WorkerRecord
	if err := s.readFile(workersFile, &workers); err != nil {
		return err
	}
	for _, w := range workers {
		s.workers[w.ID] = w
	}

	var workspaces []*WorkspaceInfo
	if err := s.readFile(workspacesFile, &workspaces); err != nil {
		return err
	}
	for _, ws := range workspaces {
		s.workspaces[ws.TaskID] = ws
	}

	var planner PlannerState
	if err := s.readFile(plannerFile, &planner); err != nil {
		return err
	}
	if planner.TaskSync == nil {
		planner.TaskSync = make(map[string]*TaskSync)
	}
	s.planner = &planner

	return nil
}

// readFile unmarshals a snapshot file into v. A missing file is not an
// error; malformed JSON is.
func (s *Store) readFile(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupted state file %s: %w", name, err)
	}
	return nil
}

// writeFile atomically replaces a snapshot file. Callers hold the relevant
// mutex.
func (s *Store) writeFile(name string, v any) error {
	if s.dataDir == "" {
		return nil
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// --- Tasks ---

// SaveTask inserts or replaces a task record and persists the snapshot.
// UpdatedAt is stamped; CreatedAt is stamped on first save.
func (s *Store) SaveTask(t *Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	sort.Strings(t.ProcessedCommentIDs)

	s.tasks[t.ID] = cloneTask(t)
	return s.writeFile(tasksFile, s.sortedTasks())
}

// GetTask returns a copy of a task record.
func (s *Store) GetTask(id string) (*Task, bool) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(t), true
}

// ListTasks returns copies of all task records sorted by ID.
func (s *Store) ListTasks() []*Task {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	return s.sortedTasks()
}

// DeleteTask removes a task record and persists the snapshot.
func (s *Store) DeleteTask(id string) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return nil
	}
	delete(s.tasks, id)
	return s.writeFile(tasksFile, s.sortedTasks())
}

// MarkCommentsProcessed adds comment IDs to a task's processed set and
// advances the task's comment sync cursor in the same call. The processed
// set only grows and the cursor never moves backwards.
func (s *Store) MarkCommentsProcessed(taskID string, ids []string, syncTime time.Time) error {
	s.tasksMu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.tasksMu.Unlock()
		return fmt.Errorf("unknown task: %s", taskID)
	}
	t.addProcessedComments(ids)
	t.UpdatedAt = time.Now().UTC()
	err := s.writeFile(tasksFile, s.sortedTasks())
	s.tasksMu.Unlock()
	if err != nil {
		return err
	}

	return s.UpdatePlannerState(func(p *PlannerState) {
		sync := p.TaskSync[taskID]
		if sync == nil {
			sync = &TaskSync{}
			p.TaskSync[taskID] = sync
		}
		if syncTime.After(sync.LastCommentSyncTime) {
			sync.LastCommentSyncTime = syncTime
		}
	})
}

func (s *Store) sortedTasks() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Workers ---

// SaveWorker inserts or replaces a worker record and persists the snapshot.
func (s *Store) SaveWorker(w *WorkerRecord) error {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	s.workers[w.ID] = cloneWorker(w)
	return s.writeFile(workersFile, s.sortedWorkers())
}

// GetWorker returns a copy of a worker record.
func (s *Store) GetWorker(id string) (*WorkerRecord, bool) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, false
	}
	return cloneWorker(w), true
}

// ListWorkers returns copies of all worker records sorted by ID.
func (s *Store) ListWorkers() []*WorkerRecord {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	return s.sortedWorkers()
}

// DeleteWorker removes a worker record and persists the snapshot.
func (s *Store) DeleteWorker(id string) error {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return nil
	}
	delete(s.workers, id)
	return s.writeFile(workersFile, s.sortedWorkers())
}

func (s *Store) sortedWorkers() []*WorkerRecord {
	out := make([]*WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Workspaces ---

// SaveWorkspace inserts or replaces a workspace record keyed by task ID.
func (s *Store) SaveWorkspace(ws *WorkspaceInfo) error {
	s.workspacesMu.Lock()
	defer s.workspacesMu.Unlock()

	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	cp := *ws
	s.workspaces[ws.TaskID] = &cp
	return s.writeFile(workspacesFile, s.sortedWorkspaces())
}

// GetWorkspace returns a copy of the workspace record for a task.
func (s *Store) GetWorkspace(taskID string) (*WorkspaceInfo, bool) {
	s.workspacesMu.Lock()
	defer s.workspacesMu.Unlock()

	ws, ok := s.workspaces[taskID]
	if !ok {
		return nil, false
	}
	cp := *ws
	return &cp, true
}

// ListWorkspaces returns copies of all workspace records sorted by task ID.
func (s *Store) ListWorkspaces() []*WorkspaceInfo {
	s.workspacesMu.Lock()
	defer s.workspacesMu.Unlock()
	return s.sortedWorkspaces()
}

// DeleteWorkspace removes the workspace record for a task.
func (s *Store) DeleteWorkspace(taskID string) error {
	s.workspacesMu.Lock()
	defer s.workspacesMu.Unlock()

	if _, ok := s.workspaces[taskID]; !ok {
		return nil
	}
	delete(s.workspaces, taskID)
	return s.writeFile(workspacesFile, s.sortedWorkspaces())
}

func (s *Store) sortedWorkspaces() []*WorkspaceInfo {
	out := make([]*WorkspaceInfo, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		cp := *ws
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// --- Planner state ---

// GetPlannerState returns a copy of the planner's cursor state.
func (s *Store) GetPlannerState() *PlannerState {
	s.plannerMu.Lock()
	defer s.plannerMu.Unlock()
	return clonePlanner(s.planner)
}

// UpdatePlannerState applies fn to the planner state under lock and
// persists the result.
func (s *Store) UpdatePlannerState(fn func(*PlannerState)) error {
	s.plannerMu.Lock()
	defer s.plannerMu.Unlock()

	fn(s.planner)
	return s.writeFile(plannerFile, s.canonicalPlanner())
}

// TaskSyncTime returns the per-task comment cursor (zero time if none).
func (s *Store) TaskSyncTime(taskID string) time.Time {
	s.plannerMu.Lock()
	defer s.plannerMu.Unlock()

	if sync, ok := s.planner.TaskSync[taskID]; ok {
		return sync.LastCommentSyncTime
	}
	return time.Time{}
}

// DropTaskSync removes the per-task cursor when a task is destroyed.
func (s *Store) DropTaskSync(taskID string) error {
	return s.UpdatePlannerState(func(p *PlannerState) {
		delete(p.TaskSync, taskID)
	})
}

// canonicalPlanner returns the planner state with sorted slices for stable
// serialisation. Callers hold plannerMu.
func (s *Store) canonicalPlanner() *PlannerState {
	cp := clonePlanner(s.planner)
	sort.Strings(cp.ProcessedTasks)
	sort.Strings(cp.ActiveTasks)
	return cp
}

// --- clone helpers ---

func cloneTask(t *Task) *Task {
	cp := *t
	cp.ProcessedCommentIDs = append([]string(nil), t.ProcessedCommentIDs...)
	return &cp
}

func cloneWorker(w *WorkerRecord) *WorkerRecord {
	cp := *w
	cp.CurrentTask = CloneWorkerTask(w.CurrentTask)
	return &cp
}

// CloneWorkerTask deep-copies a worker task (nil-safe).
func CloneWorkerTask(t *WorkerTask) *WorkerTask {
	if t == nil {
		return nil
	}
	cp := *t
	if t.BoardItem != nil {
		item := *t.BoardItem
		item.Labels = append([]string(nil), t.BoardItem.Labels...)
		item.PullRequestURLs = append([]string(nil), t.BoardItem.PullRequestURLs...)
		if t.BoardItem.Metadata != nil {
			item.Metadata = make(map[string]string, len(t.BoardItem.Metadata))
			for k, v := range t.BoardItem.Metadata {
				item.Metadata[k] = v
			}
		}
		cp.BoardItem = &item
	}
	cp.Comments = append([]pullrequest.Comment(nil), t.Comments...)
	return &cp
}

func clonePlanner(p *PlannerState) *PlannerState {
	cp := &PlannerState{
		LastSyncTime:   p.LastSyncTime,
		ProcessedTasks: append([]string(nil), p.ProcessedTasks...),
		ActiveTasks:    append([]string(nil), p.ActiveTasks...),
		TaskSync:       make(map[string]*TaskSync, len(p.TaskSync)),
	}
	for k, v := range p.TaskSync {
		sync := *v
		cp.TaskSync[k] = &sync
	}
	return cp
}
