package developer

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/crewhq/crew/internal/logging"
)

const (
	// gracePeriod is how long a signalled process group gets to exit
	// before SIGKILL.
	gracePeriod = 5 * time.Second

	// heartbeatCheckInterval is how often stream inactivity is checked.
	heartbeatCheckInterval = 30 * time.Second
)

// CLIConfig configures a CLI-backed developer.
type CLIConfig struct {
	// Name is the developer type this CLI represents (claude, gemini).
	Name string

	// Command is the agent binary.
	Command string

	// BuildArgs turns a prompt into the CLI argument list.
	BuildArgs func(prompt string) []string

	// Timeout bounds one execution.
	Timeout time.Duration

	// HeartbeatTimeout kills the process early when the stream has been
	// silent this long. Zero disables the heartbeat.
	HeartbeatTimeout time.Duration
}

// CLIDeveloper runs an agent CLI as a subprocess in its own process group.
type CLIDeveloper struct {
	cfg CLIConfig
	log *slog.Logger

	mu      sync.Mutex
	timeout time.Duration
	procs   map[int]struct{} // live process group IDs
}

// NewCLIDeveloper creates a CLI-backed developer.
func NewCLIDeveloper(cfg CLIConfig) *CLIDeveloper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &CLIDeveloper{
		cfg:     cfg,
		log:     logging.WithComponent("developer." + cfg.Name),
		timeout: cfg.Timeout,
		procs:   make(map[int]struct{}),
	}
}

// Name returns the developer type identifier.
func (d *CLIDeveloper) Name() string { return d.cfg.Name }

// Initialize verifies the agent binary is reachable.
func (d *CLIDeveloper) Initialize() error {
	if _, err := exec.LookPath(d.cfg.Command); err != nil {
		return fmt.Errorf("developer command %q not found: %w", d.cfg.Command, err)
	}
	return nil
}

// IsAvailable reports whether the agent binary is installed.
func (d *CLIDeveloper) IsAvailable() bool {
	_, err := exec.LookPath(d.cfg.Command)
	return err == nil
}

// SetTimeout overrides the execution timeout.
func (d *CLIDeveloper) SetTimeout(t time.Duration) {
	d.mu.Lock()
	d.timeout = t
	d.mu.Unlock()
}

// ExecutePrompt runs the prompt in workspaceDir. The subprocess is placed
// in its own process group so a timeout can signal agent-spawned children
// too, preventing zombies.
func (d *CLIDeveloper) ExecutePrompt(ctx context.Context, prompt, workspaceDir string) (*Output, error) {
	d.mu.Lock()
	timeout := d.timeout
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(d.cfg.Command, d.cfg.BuildArgs(prompt)...)
	cmd.Dir = workspaceDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Cancel handling is manual (process group signalling), so plain
	// exec.Command rather than CommandContext.

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", d.cfg.Command, err)
	}
	pid := cmd.Process.Pid
	d.trackProcess(pid)
	defer d.untrackProcess(pid)

	d.log.Debug("developer started",
		slog.Int("pid", pid),
		slog.String("workspace", workspaceDir),
	)

	var transcript strings.Builder
	var stderrOutput strings.Builder
	var wg sync.WaitGroup

	cmdDone := make(chan struct{})

	// Last stream activity, Unix nanos.
	var lastEventAt atomic.Int64
	lastEventAt.Store(time.Now().UnixNano())

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			lastEventAt.Store(time.Now().UnixNano())
			transcript.WriteString(scanner.Text())
			transcript.WriteByte('\n')
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrOutput.WriteString(scanner.Text())
			stderrOutput.WriteByte('\n')
		}
	}()

	// Heartbeat monitor: a hung agent produces no stream events.
	if d.cfg.HeartbeatTimeout > 0 {
		go func() {
			ticker := time.NewTicker(heartbeatCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cmdDone:
					return
				case <-ticker.C:
					age := time.Since(time.Unix(0, lastEventAt.Load()))
					if age > d.cfg.HeartbeatTimeout {
						d.log.Warn("developer heartbeat timeout, killing process group",
							slog.Int("pid", pid),
							slog.Duration("last_event_age", age),
						)
						d.killGroup(pid)
						return
					}
				}
			}
		}()
	}

	// Timeout / cancellation: SIGTERM the group, SIGKILL after the grace
	// period if it is still alive.
	go func() {
		select {
		case <-cmdDone:
		case <-ctx.Done():
			d.log.Warn("developer timed out, signalling process group",
				slog.Int("pid", pid),
				slog.Duration("grace_period", gracePeriod),
			)
			_ = syscall.Kill(-pid, syscall.SIGTERM)
			select {
			case <-cmdDone:
			case <-time.After(gracePeriod):
				d.killGroup(pid)
			}
		}
	}()

	wg.Wait()
	runErr := cmd.Wait()
	close(cmdDone)

	raw := transcript.String()
	output := ParseTranscript(d.cfg.Name, raw)

	if ctx.Err() == context.DeadlineExceeded {
		output.Result.Success = false
		output.Result.Error = fmt.Sprintf("developer timed out after %s", timeout)
		return output, fmt.Errorf("developer %s timed out after %s", d.cfg.Name, timeout)
	}

	if runErr != nil {
		output.Result.Success = false
		if output.Result.Error == "" {
			output.Result.Error = strings.TrimSpace(stderrOutput.String())
		}
		if output.Result.Error == "" {
			output.Result.Error = runErr.Error()
		}
		return output, fmt.Errorf("developer %s failed: %w", d.cfg.Name, runErr)
	}

	return output, nil
}

// Cleanup terminates all live subprocess groups.
func (d *CLIDeveloper) Cleanup() {
	d.mu.Lock()
	pids := make([]int, 0, len(d.procs))
	for pid := range d.procs {
		pids = append(pids, pid)
	}
	d.mu.Unlock()

	for _, pid := range pids {
		d.log.Info("terminating developer process group", slog.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	if len(pids) == 0 {
		return
	}

	time.Sleep(gracePeriod)
	for _, pid := range pids {
		d.killGroup(pid)
	}
}

func (d *CLIDeveloper) killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		d.log.Error("failed to kill process group",
			slog.Int("pid", pid),
			slog.Any("error", err),
		)
	}
}

func (d *CLIDeveloper) trackProcess(pid int) {
	d.mu.Lock()
	d.procs[pid] = struct{}{}
	d.mu.Unlock()
}

func (d *CLIDeveloper) untrackProcess(pid int) {
	d.mu.Lock()
	delete(d.procs, pid)
	d.mu.Unlock()
}
