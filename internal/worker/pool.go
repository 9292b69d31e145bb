package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewhq/crew/internal/config"
	"github.com/crewhq/crew/internal/developer"
	"github.com/crewhq/crew/internal/gitops"
	"github.com/crewhq/crew/internal/logging"
	"github.com/crewhq/crew/internal/repocache"
	"github.com/crewhq/crew/internal/state"
	"github.com/crewhq/crew/internal/workspace"
)

// ErrPoolShutdown is returned for assignments after shutdown started.
var ErrPoolShutdown = errors.New("worker pool is shut down")

const (
	recoverySchedule = "@every 60s"
	evictionSchedule = "@every 60s"
)

// PoolStatus is a point-in-time summary for the status surface.
type PoolStatus struct {
	Workers  []state.WorkerRecord `json:"workers"`
	Idle     int                  `json:"idle"`
	Waiting  int                  `json:"waiting"`
	Working  int                  `json:"working"`
	Stopped  int                  `json:"stopped"`
	Capacity int                  `json:"capacity"`
}

// Pool is the bounded set of workers. It restores workers from the
// snapshot at startup, hands out idle ones, recovers stopped ones past the
// recovery timeout, and evicts long-idle ones down to the persistent floor.
type Pool struct {
	cfg        *config.PoolConfig
	factory    *developer.Factory
	deps       deps
	log        *slog.Logger
	resultHook func(*Result) // optional observer, set before Start

	mu       sync.Mutex
	workers  map[string]*Worker
	results  map[string]*Result // last result per task ID
	shutdown bool

	cronMu  sync.Mutex
	cron    *cron.Cron
	running bool

	execCtx    context.Context
	execCancel context.CancelFunc
	execWG     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(cfg *config.PoolConfig, factory *developer.Factory, store *state.Store, workspaces *workspace.Manager, repos *repocache.Cache, git gitops.Service) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		factory: factory,
		deps: deps{
			store:      store,
			workspaces: workspaces,
			repos:      repos,
			git:        git,
		},
		log:        logging.WithComponent("pool"),
		workers:    make(map[string]*Worker),
		results:    make(map[string]*Result),
		execCtx:    ctx,
		execCancel: cancel,
	}
}

// SetResultHook registers an observer invoked after every execution. Must
// be set before any execution starts.
func (p *Pool) SetResultHook(hook func(*Result)) {
	p.resultHook = hook
}

// Initialize restores persisted workers and tops the pool up to minWorkers.
// Records whose restoration fails are dropped from the snapshot. Restored
// workers that still hold a task come back WAITING and are re-executed.
func (p *Pool) Initialize() error {
	records := p.deps.store.ListWorkers()

	p.mu.Lock()
	for _, rec := range records {
		if len(p.workers) >= p.cfg.MaxWorkers {
			p.log.Warn("dropping persisted worker beyond capacity", slog.String("worker_id", rec.ID))
			_ = p.deps.store.DeleteWorker(rec.ID)
			continue
		}

		dev, err := p.factory.New()
		if err != nil {
			p.log.Warn("failed to restore worker, removing from snapshot",
				slog.String("worker_id", rec.ID),
				slog.Any("error", err),
			)
			_ = p.deps.store.DeleteWorker(rec.ID)
			continue
		}

		w := restoreWorker(p.deps, dev, rec)
		p.workers[w.id] = w
		if err := w.persist(); err != nil {
			p.log.Warn("failed to persist restored worker", slog.Any("error", err))
		}
	}

	for len(p.workers) < p.cfg.MinWorkers {
		w, err := p.createLocked()
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("failed to reach min workers: %w", err)
		}
		p.log.Info("created worker", slog.String("worker_id", w.id))
	}

	var resume []*Worker
	for _, w := range p.workers {
		if w.Status() == state.WorkerWaiting && w.TaskID() != "" {
			resume = append(resume, w)
		}
	}
	count := len(p.workers)
	p.mu.Unlock()

	// Workers restored mid-task lost their subprocess with the old
	// process; re-execute on the preserved workspace.
	for _, w := range resume {
		p.log.Info("resuming restored worker",
			slog.String("worker_id", w.ID()),
			slog.String("task_id", w.TaskID()),
		)
		p.StartExecution(w)
	}

	p.log.Info("pool initialized",
		slog.Int("workers", count),
		slog.Int("resumed", len(resume)),
	)
	return nil
}

// Start launches the recovery and idle-eviction sweepers.
func (p *Pool) Start() error {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()

	if p.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(recoverySchedule, p.RecoverStoppedWorkers); err != nil {
		return fmt.Errorf("failed to schedule worker recovery: %w", err)
	}
	if _, err := c.AddFunc(evictionSchedule, p.EvictIdleWorkers); err != nil {
		return fmt.Errorf("failed to schedule idle eviction: %w", err)
	}
	c.Start()
	p.cron = c
	p.running = true
	return nil
}

// GetAvailableWorker returns an IDLE worker, lazily creating one while
// below maxWorkers. Returns nil when the pool is saturated.
func (p *Pool) GetAvailableWorker() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, ErrPoolShutdown
	}

	for _, w := range p.workers {
		if w.Status() == state.WorkerIdle {
			return w, nil
		}
	}

	if len(p.workers) >= p.cfg.MaxWorkers {
		return nil, nil
	}
	return p.createLocked()
}

// GetWorkerByTaskID locates the worker currently holding a task.
func (p *Pool) GetWorkerByTaskID(taskID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.TaskID() == taskID {
			return w
		}
	}
	return nil
}

// GetWorker returns a worker by ID.
func (p *Pool) GetWorker(workerID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers[workerID]
}

// AssignWorkerTask assigns a task to a worker by ID, honouring the worker's
// acceptance rules.
func (p *Pool) AssignWorkerTask(workerID string, task *state.WorkerTask) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	w := p.workers[workerID]
	p.mu.Unlock()

	if w == nil {
		return fmt.Errorf("unknown worker: %s", workerID)
	}
	return w.AssignTask(task)
}

// ReleaseWorker forces a worker back to IDLE.
func (p *Pool) ReleaseWorker(workerID string) {
	p.mu.Lock()
	w := p.workers[workerID]
	p.mu.Unlock()

	if w != nil {
		w.Release()
	}
}

// StartExecution runs a worker's held task on its own goroutine and records
// the result when it finishes.
func (p *Pool) StartExecution(w *Worker) {
	p.execWG.Add(1)
	go func() {
		defer p.execWG.Done()
		res := w.Execute(p.execCtx)
		p.recordResult(res)
	}()
}

// LastResult returns the most recent execution result for a task.
func (p *Pool) LastResult(taskID string) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.results[taskID]
	if !ok {
		return nil
	}
	cp := *res
	return &cp
}

// ClearResult drops the recorded result for a task, typically after the
// planner has consumed it.
func (p *Pool) ClearResult(taskID string) {
	p.mu.Lock()
	delete(p.results, taskID)
	p.mu.Unlock()
}

func (p *Pool) recordResult(res *Result) {
	if res.TaskID != "" {
		p.mu.Lock()
		p.results[res.TaskID] = res
		p.mu.Unlock()
	}
	if p.resultHook != nil {
		p.resultHook(res)
	}
}

// RecoverStoppedWorkers moves STOPPED workers past the recovery timeout
// back to WAITING and re-executes their task on the existing workspace.
func (p *Pool) RecoverStoppedWorkers() {
	timeout := p.cfg.RecoveryTimeoutDuration()

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	var candidates []*Worker
	for _, w := range p.workers {
		if w.Status() == state.WorkerStopped && time.Since(w.LastActiveAt()) > timeout {
			candidates = append(candidates, w)
		}
	}
	p.mu.Unlock()

	for _, w := range candidates {
		if w.recover() {
			p.StartExecution(w)
		}
	}
}

// EvictIdleWorkers destroys workers IDLE longer than the idle timeout,
// preserving at least minPersistentWorkers.
func (p *Pool) EvictIdleWorkers() {
	timeout := p.cfg.IdleTimeoutDuration()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}

	var idle []*Worker
	for _, w := range p.workers {
		if w.Status() == state.WorkerIdle && time.Since(w.LastActiveAt()) > timeout {
			idle = append(idle, w)
		}
	}
	// Oldest first, so the freshest idle workers survive.
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActiveAt().Before(idle[j].LastActiveAt())
	})

	for _, w := range idle {
		if len(p.workers) <= p.cfg.MinPersistentWorkers {
			break
		}
		delete(p.workers, w.id)
		if err := p.deps.store.DeleteWorker(w.id); err != nil {
			p.log.Warn("failed to delete evicted worker record", slog.Any("error", err))
		}
		w.Cleanup()
		p.log.Info("evicted idle worker", slog.String("worker_id", w.id))
	}
}

// Status returns a snapshot for the status surface.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PoolStatus{Capacity: p.cfg.MaxWorkers}
	for _, w := range p.workers {
		rec := w.Record()
		status.Workers = append(status.Workers, *rec)
		switch rec.Status {
		case state.WorkerIdle:
			status.Idle++
		case state.WorkerWaiting:
			status.Waiting++
		case state.WorkerWorking:
			status.Working++
		case state.WorkerStopped:
			status.Stopped++
		}
	}
	sort.Slice(status.Workers, func(i, j int) bool {
		return status.Workers[i].ID < status.Workers[j].ID
	})
	return status
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Shutdown stops the sweepers and refuses further assignments. In-flight
// developer subprocesses run to their natural end; call Cleanup to
// terminate them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()

	p.cronMu.Lock()
	if p.running {
		ctx := p.cron.Stop()
		<-ctx.Done()
		p.cron = nil
		p.running = false
	}
	p.cronMu.Unlock()

	p.log.Info("pool shut down")
}

// Cleanup terminates all in-flight developer subprocesses and waits for
// executions to settle.
func (p *Pool) Cleanup() {
	p.execCancel()

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.Cleanup()
	}
	p.execWG.Wait()
}

// createLocked adds a fresh worker; callers hold p.mu.
func (p *Pool) createLocked() (*Worker, error) {
	dev, err := p.factory.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create developer: %w", err)
	}
	if err := dev.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize developer: %w", err)
	}

	w := newWorker(p.deps, dev, dev.Name())
	p.workers[w.id] = w
	if err := w.persist(); err != nil {
		p.log.Warn("failed to persist new worker", slog.Any("error", err))
	}
	return w, nil
}
