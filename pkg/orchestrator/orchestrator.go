// Package orchestrator supervises local child processes. Every child runs in
// its own process group so the whole tree can be signaled at once, and every
// child is tracked in the store so crashed supervisors can be reconciled at
// startup.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/store"
)

const (
	// heartbeatInterval is how often a live child's row is stamped.
	heartbeatInterval = 30 * time.Second
	// killGrace is the SIGTERM to SIGKILL escalation window.
	killGrace = 1 * time.Second

	// RunCommand safety rails.
	runCommandTimeout   = 60 * time.Second
	runCommandOutputCap = 10 << 20 // 10 MiB combined stdout+stderr
)

// ErrNotRunning reports a signal or kill aimed at a process this supervisor
// is not tracking in memory.
var ErrNotRunning = errors.New("process is not running")

// OutputFunc receives raw chunks from a child's stdout or stderr.
// stream is "stdout" or "stderr".
type OutputFunc func(processID, stream string, chunk []byte)

// ExitFunc is called once after the child exits and its status row is final.
type ExitFunc func(processID string, status models.ProcessStatus, exitCode int)

// SpawnOptions describes a local child process to start.
type SpawnOptions struct {
	MissionID string
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	OnOutput  OutputFunc
	OnExit    ExitFunc
}

type child struct {
	cmd      *exec.Cmd
	pgid     int
	canceled atomic.Bool
	done     chan struct{}
}

// Supervisor spawns and tracks local processes.
type Supervisor struct {
	store *store.Store

	mu       sync.Mutex
	children map[string]*child
}

func NewSupervisor(st *store.Store) *Supervisor {
	return &Supervisor{
		store:    st,
		children: make(map[string]*child),
	}
}

// Spawn starts a local child in a fresh process group and streams its output
// through OnOutput until exit. The returned process row is already RUNNING.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (*models.Process, error) {
	proc, err := s.store.CreateProcess(ctx, store.NewProcessParams{
		MissionID: opts.MissionID,
		Type:      models.ProcessLocal,
		Command:   commandString(opts.Command, opts.Args),
		Cwd:       opts.Dir,
		Env:       opts.Env,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = mergedEnv(opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_, _ = s.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessError, nil)
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_, _ = s.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessError, nil)
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_, _ = s.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessError, nil)
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// The child died before we could read its group. Fall back to the
		// pid, which equals the pgid for a Setpgid child.
		pgid = pid
	}
	if err := s.store.UpdateProcessPID(ctx, proc.ID, pid, pgid); err != nil {
		slog.Error("Failed to record child pid", "process_id", proc.ID, "error", err)
	}

	c := &child{cmd: cmd, pgid: pgid, done: make(chan struct{})}
	s.mu.Lock()
	s.children[proc.ID] = c
	s.mu.Unlock()

	updated, err := s.store.UpdateProcessStatus(ctx, proc.ID, models.ProcessRunning, nil)
	if err != nil {
		slog.Error("Failed to mark process running", "process_id", proc.ID, "error", err)
		updated = proc
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(proc.ID, "stdout", stdout, opts.OnOutput, &readers)
	go s.pump(proc.ID, "stderr", stderr, opts.OnOutput, &readers)
	go s.heartbeat(proc.ID, c.done)
	go s.reap(proc.ID, c, &readers, opts.OnExit)

	slog.Info("Spawned local process",
		"process_id", proc.ID,
		"mission_id", opts.MissionID,
		"pid", pid,
		"pgid", pgid,
		"command", opts.Command)
	return updated, nil
}

func (s *Supervisor) pump(processID, stream string, r io.Reader, out OutputFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && out != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out(processID, stream, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) heartbeat(processID string, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.store.UpdateProcessHeartbeat(ctx, processID); err != nil {
				slog.Warn("Heartbeat update failed", "process_id", processID, "error", err)
			}
			cancel()
		}
	}
}

// reap waits for the readers to drain, then for the child to exit, then
// finalizes the row. Readers must finish first or Wait would close the
// pipes under them.
func (s *Supervisor) reap(processID string, c *child, readers *sync.WaitGroup, onExit ExitFunc) {
	readers.Wait()
	waitErr := c.cmd.Wait()
	close(c.done)

	s.mu.Lock()
	delete(s.children, processID)
	s.mu.Unlock()

	exitCode := 0
	status := models.ProcessSuccess
	if waitErr != nil {
		status = models.ProcessError
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if c.canceled.Load() {
		status = models.ProcessCanceled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.store.UpdateProcessStatus(ctx, processID, status, &exitCode); err != nil {
		slog.Error("Failed to finalize process status", "process_id", processID, "error", err)
	}

	slog.Info("Local process exited",
		"process_id", processID,
		"status", status,
		"exit_code", exitCode)
	if onExit != nil {
		onExit(processID, status, exitCode)
	}
}

// Signal delivers sig to the whole process group of a tracked child.
func (s *Supervisor) Signal(processID string, sig syscall.Signal) error {
	s.mu.Lock()
	c, ok := s.children[processID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if err := syscall.Kill(-c.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal pgid %d: %w", c.pgid, err)
	}
	return nil
}

// Kill terminates a child's process tree: SIGTERM, a short grace period,
// then SIGKILL. The row ends up CANCELED. When the supervisor is not
// tracking the process but its row still carries a pgid (a previous run's
// child), the group is signaled blind and the row is canceled directly.
func (s *Supervisor) Kill(ctx context.Context, processID string) error {
	s.mu.Lock()
	c, ok := s.children[processID]
	s.mu.Unlock()

	if !ok {
		return s.killUntracked(ctx, processID)
	}

	c.canceled.Store(true)
	if err := syscall.Kill(-c.pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal pgid %d: %w", c.pgid, err)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(killGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := syscall.Kill(-c.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill pgid %d: %w", c.pgid, err)
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Supervisor) killUntracked(ctx context.Context, processID string) error {
	proc, err := s.store.FindProcessByID(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Status.IsTerminal() {
		return nil
	}
	if proc.PGID != nil && *proc.PGID > 0 {
		// Not ours to wait on, just signal the group if it still exists.
		_ = syscall.Kill(-*proc.PGID, syscall.SIGKILL)
	}
	_, err = s.store.UpdateProcessStatus(ctx, processID, models.ProcessCanceled, nil)
	return err
}

// IsRunning reports whether the supervisor is tracking the process in memory.
func (s *Supervisor) IsRunning(processID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[processID]
	return ok
}

// RunningIDs returns the IDs of every tracked child.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup terminates every tracked child and waits for them to be reaped.
func (s *Supervisor) Cleanup(ctx context.Context) {
	ids := s.RunningIDs()
	for _, id := range ids {
		if err := s.Kill(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
			slog.Warn("Cleanup kill failed", "process_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Info("Supervisor cleanup complete", "count", len(ids))
	}
}

// RunResult is the captured outcome of a one-shot command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Capped   bool
}

// RunCommand runs a command to completion with a hard timeout and bounded
// output capture. It is untracked: no process row, no streaming. Used for
// operator diagnostics, never for mission work.
func (s *Supervisor) RunCommand(ctx context.Context, dir, command string, args ...string) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, runCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	killGroup := func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Cancel = killGroup

	var stdout, stderr bytes.Buffer
	budget := &outputBudget{remain: runCommandOutputCap, kill: func() { _ = killGroup() }}
	cmd.Stdout = &cappedWriter{w: &stdout, budget: budget}
	cmd.Stderr = &cappedWriter{w: &stderr, budget: budget}

	err := cmd.Run()
	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		Capped:   budget.exceeded(),
	}
	if err != nil {
		if res.Capped || res.TimedOut {
			res.ExitCode = -1
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", command, err)
	}
	return res, nil
}

// errOutputCapped fails the stream copy once the output budget is spent.
var errOutputCapped = errors.New("output limit exceeded")

// outputBudget is the byte allowance shared by a command's stdout and stderr
// writers. The write that exhausts it marks the budget capped and kills the
// command's process group.
type outputBudget struct {
	mu     sync.Mutex
	remain int
	capped bool
	kill   func()
}

func (b *outputBudget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capped
}

// cappedWriter captures one stream against the shared budget.
type cappedWriter struct {
	w      *bytes.Buffer
	budget *outputBudget
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	b := c.budget
	b.mu.Lock()
	if b.capped {
		b.mu.Unlock()
		return 0, errOutputCapped
	}
	if len(p) <= b.remain {
		b.remain -= len(p)
		b.mu.Unlock()
		c.w.Write(p)
		return len(p), nil
	}
	keep := b.remain
	b.remain = 0
	b.capped = true
	b.mu.Unlock()

	c.w.Write(p[:keep])
	if b.kill != nil {
		b.kill()
	}
	return keep, errOutputCapped
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func commandString(command string, args []string) string {
	out := command
	for _, a := range args {
		out += " " + a
	}
	return out
}
