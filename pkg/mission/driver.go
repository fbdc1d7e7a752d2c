// Package mission owns the mission state machine and the top-level workflow:
// PRD generation, task generation, review gates, task execution, and cancel.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/groundctl/groundctl/pkg/events"
	"github.com/groundctl/groundctl/pkg/journal"
	"github.com/groundctl/groundctl/pkg/metrics"
	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/orchestrator"
	"github.com/groundctl/groundctl/pkg/sandbox"
	"github.com/groundctl/groundctl/pkg/store"
)

// Runner is the slice of the local supervisor the driver needs.
type Runner interface {
	Spawn(ctx context.Context, opts orchestrator.SpawnOptions) (*models.Process, error)
	Kill(ctx context.Context, processID string) error
	IsRunning(processID string) bool
}

// Sandboxer is the slice of the container manager the driver needs. A nil
// Sandboxer disables container execution; tasks then run locally.
type Sandboxer interface {
	Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Created, error)
	ExecStream(ctx context.Context, containerID string, argv []string, onChunk func(stream string, data []byte)) (int, error)
	Stop(ctx context.Context, containerID string, graceSeconds int) error
	Remove(ctx context.Context, containerID string, force bool) error
	ListForMission(ctx context.Context, missionID string) ([]sandbox.ManagedContainer, error)
}

// Config carries the agent invocation templates and file conventions.
type Config struct {
	PRDCommand   []string // PRD generation argv; rejection notes appended
	TasksCommand []string // task generation argv; rejection notes appended
	TaskCommand  []string // per-task execution argv; task name appended
	PRDFile      string   // worktree-relative path the PRD agent writes
	TasksFile    string   // worktree-relative path the task agent writes
	SandboxImage string
}

// DefaultConfig returns the built-in agent conventions.
func DefaultConfig() Config {
	return Config{
		PRDCommand:   []string{"groundctl-agent", "prd"},
		TasksCommand: []string{"groundctl-agent", "tasks"},
		TaskCommand:  []string{"groundctl-agent", "task"},
		PRDFile:      "prd.md",
		TasksFile:    "tasks.md",
		SandboxImage: sandbox.DefaultImage,
	}
}

type genStage string

const (
	genPRD   genStage = "PRD generation"
	genTasks genStage = "Task generation"
)

const canceledByUser = "Canceled by user"

// Driver serializes mission workflow operations per mission and wires every
// spawned process into the journal and the broadcaster.
type Driver struct {
	store     *store.Store
	journal   *journal.Journal
	bus       *events.Broadcaster
	runner    Runner
	sandbox   Sandboxer
	worktrees WorktreeProvider
	cfg       Config

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]map[string]struct{} // missionID -> live processIDs
}

func NewDriver(st *store.Store, j *journal.Journal, bus *events.Broadcaster, runner Runner, sb Sandboxer, wt WorktreeProvider, cfg Config) *Driver {
	def := DefaultConfig()
	if len(cfg.PRDCommand) == 0 {
		cfg.PRDCommand = def.PRDCommand
	}
	if len(cfg.TasksCommand) == 0 {
		cfg.TasksCommand = def.TasksCommand
	}
	if len(cfg.TaskCommand) == 0 {
		cfg.TaskCommand = def.TaskCommand
	}
	if cfg.PRDFile == "" {
		cfg.PRDFile = def.PRDFile
	}
	if cfg.TasksFile == "" {
		cfg.TasksFile = def.TasksFile
	}
	if cfg.SandboxImage == "" {
		cfg.SandboxImage = def.SandboxImage
	}
	return &Driver{
		store:     st,
		journal:   j,
		bus:       bus,
		runner:    runner,
		sandbox:   sb,
		worktrees: wt,
		cfg:       cfg,
		locks:     make(map[string]*sync.Mutex),
		active:    make(map[string]map[string]struct{}),
	}
}

// lockMission serializes workflow operations for one mission. Exit handling
// deliberately does not take this lock; it relies on the store's
// compare-and-set state transitions instead.
func (d *Driver) lockMission(missionID string) func() {
	d.mu.Lock()
	l, ok := d.locks[missionID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[missionID] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Start moves a DRAFT mission into GENERATING_PRD: worktree, timestamps,
// PRD agent dispatch.
func (d *Driver) Start(ctx context.Context, missionID string) (*models.Mission, error) {
	unlock := d.lockMission(missionID)
	defer unlock()

	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State != models.MissionDraft {
		return nil, &store.InvalidTransitionError{From: m.State, To: models.MissionGeneratingPRD}
	}
	proj, err := d.store.FindProjectByID(ctx, m.ProjectID)
	if err != nil {
		return nil, err
	}

	wt, err := d.worktrees.Create(ctx, proj.Path, m.FeatureName, m.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	now := time.Now().UTC()
	if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{
		WorktreePath: &wt.Path,
		StartedAt:    &now,
	}); err != nil {
		return nil, err
	}
	m, err = d.store.UpdateMissionState(ctx, missionID, models.MissionGeneratingPRD)
	if err != nil {
		return nil, err
	}

	d.audit(ctx, models.AuditMissionStarted, missionID, map[string]any{
		"worktreePath": wt.Path,
		"branch":       wt.Branch,
	})
	metrics.MissionsStarted.Inc()

	if err := d.dispatchGeneration(ctx, m, genPRD, ""); err != nil {
		return nil, err
	}
	return d.store.FindMissionByID(ctx, missionID)
}

// ApprovePRD moves PRD_REVIEW to PREPARING_TASKS and dispatches the task
// generation agent.
func (d *Driver) ApprovePRD(ctx context.Context, missionID string) (*models.Mission, error) {
	unlock := d.lockMission(missionID)
	defer unlock()

	m, err := d.store.UpdateMissionState(ctx, missionID, models.MissionPreparingTasks)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, models.AuditMissionPRDApproved, missionID, nil)

	if err := d.dispatchGeneration(ctx, m, genTasks, ""); err != nil {
		return nil, err
	}
	return d.store.FindMissionByID(ctx, missionID)
}

// RejectPRD sends the mission back to GENERATING_PRD with reviewer notes.
func (d *Driver) RejectPRD(ctx context.Context, missionID, notes string) (*models.Mission, error) {
	unlock := d.lockMission(missionID)
	defer unlock()

	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State != models.MissionPRDReview {
		return nil, &store.InvalidTransitionError{From: m.State, To: models.MissionGeneratingPRD}
	}

	iter := m.PRDIterations + 1
	if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{PRDIterations: &iter}); err != nil {
		return nil, err
	}
	d.audit(ctx, models.AuditMissionPRDRejected, missionID, map[string]any{
		"notes":     notes,
		"iteration": iter,
	})

	m, err = d.store.UpdateMissionState(ctx, missionID, models.MissionGeneratingPRD)
	if err != nil {
		return nil, err
	}
	if err := d.dispatchGeneration(ctx, m, genPRD, notes); err != nil {
		return nil, err
	}
	return d.store.FindMissionByID(ctx, missionID)
}

// ApproveTasks moves TASKS_REVIEW to IN_PROGRESS and starts task execution
// in the background.
func (d *Driver) ApproveTasks(ctx context.Context, missionID string) (*models.Mission, error) {
	unlock := d.lockMission(missionID)
	defer unlock()

	m, err := d.store.UpdateMissionState(ctx, missionID, models.MissionInProgress)
	if err != nil {
		return nil, err
	}
	d.audit(ctx, models.AuditMissionTasksApproved, missionID, nil)

	go d.executeTasks(missionID)
	return m, nil
}

// RejectTasks deletes the current task batch and sends the mission back to
// PREPARING_TASKS with reviewer notes.
func (d *Driver) RejectTasks(ctx context.Context, missionID, notes string) (*models.Mission, error) {
	unlock := d.lockMission(missionID)
	defer unlock()

	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State != models.MissionTasksReview {
		return nil, &store.InvalidTransitionError{From: m.State, To: models.MissionPreparingTasks}
	}

	removed, err := d.store.DeleteTasksByMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	iter := m.TasksIterations + 1
	if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{TasksIterations: &iter}); err != nil {
		return nil, err
	}
	d.audit(ctx, models.AuditMissionTasksRejected, missionID, map[string]any{
		"notes":        notes,
		"iteration":    iter,
		"tasksRemoved": removed,
	})

	m, err = d.store.UpdateMissionState(ctx, missionID, models.MissionPreparingTasks)
	if err != nil {
		return nil, err
	}
	if err := d.dispatchGeneration(ctx, m, genTasks, notes); err != nil {
		return nil, err
	}
	return d.store.FindMissionByID(ctx, missionID)
}

// Cancel kills the mission's processes and sandboxes and fails the mission.
// Canceling an already-terminal mission is a no-op.
func (d *Driver) Cancel(ctx context.Context, missionID string) (*models.Mission, error) {
	unlock := d.lockMission(missionID)
	defer unlock()

	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.State.IsTerminal() {
		return m, nil
	}
	if m.State == models.MissionDraft {
		return nil, &store.InvalidTransitionError{From: m.State, To: models.MissionCompletedFailed}
	}

	for _, pid := range d.trackedProcesses(missionID) {
		if err := d.runner.Kill(ctx, pid); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
			slog.Warn("Cancel: process kill failed", "mission_id", missionID, "process_id", pid, "error", err)
		}
	}

	if d.sandbox != nil {
		containers, err := d.sandbox.ListForMission(ctx, missionID)
		if err != nil {
			slog.Warn("Cancel: container listing failed", "mission_id", missionID, "error", err)
		}
		for _, c := range containers {
			if err := d.sandbox.Stop(ctx, c.ID, 10); err != nil {
				slog.Warn("Cancel: container stop failed", "container_id", c.ID, "error", err)
			}
			if err := d.sandbox.Remove(ctx, c.ID, true); err != nil {
				slog.Warn("Cancel: container remove failed", "container_id", c.ID, "error", err)
			}
		}
	}

	// Any rows the kills above did not already finalize.
	procs, err := d.store.FindProcessesByMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.Status.IsTerminal() {
			continue
		}
		if _, err := d.store.UpdateProcessStatus(ctx, p.ID, models.ProcessCanceled, nil); err != nil {
			slog.Warn("Cancel: process row update failed", "process_id", p.ID, "error", err)
		}
	}

	if _, err := d.store.UpdateMissionState(ctx, missionID, models.MissionCompletedFailed); err != nil {
		var invalid *store.InvalidTransitionError
		if !errors.As(err, &invalid) {
			return nil, err
		}
		// A concurrent exit handler already finished the mission.
	}
	reason := canceledByUser
	now := time.Now().UTC()
	m, err = d.store.UpdateMission(ctx, missionID, store.MissionUpdate{
		FailureReason: &reason,
		EndedAt:       &now,
	})
	if err != nil {
		return nil, err
	}

	d.audit(ctx, models.AuditMissionCanceled, missionID, nil)
	metrics.MissionsFinished.WithLabelValues("canceled").Inc()
	return m, nil
}

// dispatchGeneration spawns the PRD or task generation agent in the mission
// worktree and wires its output into the journal and the broadcaster.
func (d *Driver) dispatchGeneration(ctx context.Context, m *models.Mission, stage genStage, notes string) error {
	if m.WorktreePath == nil {
		return &store.PreconditionError{Reason: "mission has no worktree"}
	}
	worktree := *m.WorktreePath

	argv := d.cfg.PRDCommand
	outFile := d.cfg.PRDFile
	if stage == genTasks {
		argv = d.cfg.TasksCommand
		outFile = d.cfg.TasksFile
	}
	argv = append([]string{}, argv...)
	if notes != "" {
		argv = append(argv, notes)
	}

	missionID := m.ID
	var openOnce sync.Once
	open := func(pid string) {
		openOnce.Do(func() {
			if _, err := d.journal.Open(pid, missionID); err != nil {
				slog.Warn("Journal open failed", "process_id", pid, "error", err)
			}
		})
	}

	proc, err := d.runner.Spawn(ctx, orchestrator.SpawnOptions{
		MissionID: missionID,
		Command:   argv[0],
		Args:      argv[1:],
		Dir:       worktree,
		Env: map[string]string{
			"GROUNDCTL_MISSION_ID": missionID,
			"GROUNDCTL_OUTPUT":     outFile,
		},
		OnOutput: func(pid, stream string, chunk []byte) {
			open(pid)
			d.forward(pid, stream, chunk)
		},
		OnExit: func(pid string, status models.ProcessStatus, exitCode int) {
			d.onGenerationExit(missionID, stage, pid, status, exitCode)
		},
	})
	if err != nil {
		d.failMission(ctx, missionID, fmt.Sprintf("%s process failed to spawn", stage))
		d.audit(ctx, models.AuditMissionProcessFailed, missionID, map[string]any{
			"stage": string(stage),
			"error": err.Error(),
		})
		return err
	}

	open(proc.ID)
	d.track(missionID, proc.ID)
	metrics.ProcessesSpawned.WithLabelValues(string(models.ProcessLocal)).Inc()
	return nil
}

// onGenerationExit runs on the supervisor's reap goroutine. It must not take
// the mission lock; mission state is advanced through store CAS only, so a
// race with cancel resolves to exactly one winner.
func (d *Driver) onGenerationExit(missionID string, stage genStage, pid string, status models.ProcessStatus, exitCode int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d.finishProcessStream(pid, status, exitCode)
	d.untrack(missionID, pid)

	switch status {
	case models.ProcessSuccess:
		d.onGenerationSuccess(ctx, missionID, stage)
	case models.ProcessCanceled:
		// Cancel already finalized the mission.
	default:
		reason := fmt.Sprintf("%s process failed with exit code %d", stage, exitCode)
		d.failMission(ctx, missionID, reason)
		d.audit(ctx, models.AuditMissionProcessFailed, missionID, map[string]any{
			"stage":    string(stage),
			"exitCode": exitCode,
		})
	}
}

func (d *Driver) onGenerationSuccess(ctx context.Context, missionID string, stage genStage) {
	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		slog.Error("Generation exit: mission lookup failed", "mission_id", missionID, "error", err)
		return
	}

	if stage == genPRD {
		if m.WorktreePath != nil {
			p := filepath.Join(*m.WorktreePath, d.cfg.PRDFile)
			if _, err := os.Stat(p); err == nil {
				if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{PRDPath: &p}); err != nil {
					slog.Warn("Failed to record PRD path", "mission_id", missionID, "error", err)
				}
			}
		}
		if _, err := d.store.UpdateMissionState(ctx, missionID, models.MissionPRDReview); err != nil {
			d.logTransitionRace(missionID, models.MissionPRDReview, err)
			return
		}
		d.audit(ctx, models.AuditMissionPRDGenerated, missionID, nil)
		return
	}

	var created int
	if m.WorktreePath != nil {
		p := filepath.Join(*m.WorktreePath, d.cfg.TasksFile)
		if data, err := os.ReadFile(p); err == nil {
			specs := ParseTasks(data)
			if len(specs) > 0 {
				if _, err := d.store.CreateTasks(ctx, missionID, specs); err != nil {
					slog.Error("Failed to create tasks", "mission_id", missionID, "error", err)
				} else {
					created = len(specs)
				}
			}
			if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{TasksPath: &p}); err != nil {
				slog.Warn("Failed to record tasks path", "mission_id", missionID, "error", err)
			}
		}
	}
	if _, err := d.store.UpdateMissionState(ctx, missionID, models.MissionTasksReview); err != nil {
		d.logTransitionRace(missionID, models.MissionTasksReview, err)
		return
	}
	d.audit(ctx, models.AuditMissionTasksGenerated, missionID, map[string]any{"tasks": created})
}

// executeTasks runs the approved task batch, preferring a sandbox container
// with the worktree bind-mounted and falling back to local processes.
func (d *Driver) executeTasks(missionID string) {
	ctx := context.Background()

	m, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil {
		slog.Error("Task execution: mission lookup failed", "mission_id", missionID, "error", err)
		return
	}
	if m.WorktreePath == nil {
		d.failMission(ctx, missionID, "mission has no worktree")
		return
	}
	worktree := *m.WorktreePath

	tasks, err := d.store.FindTasksByMission(ctx, missionID)
	if err != nil {
		slog.Error("Task execution: task load failed", "mission_id", missionID, "error", err)
		d.failMission(ctx, missionID, "failed to load tasks")
		return
	}

	mode := "local"
	var containerID, containerProc string
	if d.sandbox != nil {
		created, err := d.sandbox.Create(ctx, sandbox.CreateOptions{
			MissionID:  missionID,
			Image:      d.cfg.SandboxImage,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: "/workspace",
			Binds:      []sandbox.BindMount{{Source: worktree, Target: "/workspace"}},
		})
		if err != nil {
			slog.Warn("Sandbox unavailable, running tasks locally", "mission_id", missionID, "error", err)
		} else {
			mode = "container"
			containerID = created.ContainerID
			containerProc = created.ProcessID
			if _, err := d.journal.Open(containerProc, missionID); err != nil {
				slog.Warn("Journal open failed", "process_id", containerProc, "error", err)
			}
			d.track(missionID, containerProc)
			metrics.ProcessesSpawned.WithLabelValues(string(models.ProcessContainer)).Inc()
		}
	}

	anyFailed := false
	for _, t := range tasks {
		cur, err := d.store.FindMissionByID(ctx, missionID)
		if err != nil || cur.State != models.MissionInProgress {
			// Canceled (or deleted) underneath us; stop quietly.
			d.teardownSandbox(ctx, missionID, mode, containerID, containerProc)
			return
		}

		if _, err := d.store.UpdateTaskStatus(ctx, t.ID, models.TaskInProgress); err != nil {
			slog.Warn("Task status update failed", "task_id", t.ID, "error", err)
		}

		status := models.TaskFailed
		if mode == "container" {
			argv := append(append([]string{}, d.cfg.TaskCommand...), t.Name)
			exit, err := d.sandbox.ExecStream(ctx, containerID, argv, func(stream string, chunk []byte) {
				d.forward(containerProc, stream, chunk)
			})
			if err != nil {
				slog.Warn("Task exec failed", "task_id", t.ID, "error", err)
			} else if exit == 0 {
				status = models.TaskCompleted
			}
		} else {
			if st, _ := d.runLocalTask(ctx, missionID, worktree, t); st == models.ProcessSuccess {
				status = models.TaskCompleted
			}
		}

		if status != models.TaskCompleted {
			anyFailed = true
		}
		if _, err := d.store.UpdateTaskStatus(ctx, t.ID, status); err != nil {
			slog.Warn("Task status update failed", "task_id", t.ID, "error", err)
		}
	}

	d.teardownSandbox(ctx, missionID, mode, containerID, containerProc)

	cur, err := d.store.FindMissionByID(ctx, missionID)
	if err != nil || cur.State != models.MissionInProgress {
		return
	}

	now := time.Now().UTC()
	if anyFailed {
		d.failMission(ctx, missionID, "One or more tasks failed")
	} else {
		if _, err := d.store.UpdateMissionState(ctx, missionID, models.MissionCompletedOK); err != nil {
			d.logTransitionRace(missionID, models.MissionCompletedOK, err)
			return
		}
		if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{EndedAt: &now}); err != nil {
			slog.Warn("Failed to stamp mission end", "mission_id", missionID, "error", err)
		}
		metrics.MissionsFinished.WithLabelValues("success").Inc()
	}

	d.audit(ctx, models.AuditMissionExecutionDone, missionID, map[string]any{
		"allCompleted":  !anyFailed,
		"anyFailed":     anyFailed,
		"executionMode": mode,
	})
}

func (d *Driver) teardownSandbox(ctx context.Context, missionID, mode, containerID, containerProc string) {
	if mode != "container" {
		return
	}
	if err := d.sandbox.Stop(ctx, containerID, 10); err != nil {
		slog.Warn("Sandbox stop failed", "container_id", containerID, "error", err)
	}
	if err := d.sandbox.Remove(ctx, containerID, true); err != nil {
		slog.Warn("Sandbox remove failed", "container_id", containerID, "error", err)
	}
	zero := 0
	if _, err := d.store.UpdateProcessStatus(ctx, containerProc, models.ProcessSuccess, &zero); err != nil {
		slog.Warn("Sandbox process finalize failed", "process_id", containerProc, "error", err)
	}
	d.finishProcessStream(containerProc, models.ProcessSuccess, 0)
	d.untrack(missionID, containerProc)
}

type localExit struct {
	pid      string
	status   models.ProcessStatus
	exitCode int
}

// runLocalTask spawns one local process for the task and blocks until exit.
func (d *Driver) runLocalTask(ctx context.Context, missionID, worktree string, t *models.Task) (models.ProcessStatus, int) {
	argv := append(append([]string{}, d.cfg.TaskCommand...), t.Name)

	var openOnce sync.Once
	open := func(pid string) {
		openOnce.Do(func() {
			if _, err := d.journal.Open(pid, missionID); err != nil {
				slog.Warn("Journal open failed", "process_id", pid, "error", err)
			}
		})
	}

	done := make(chan localExit, 1)
	proc, err := d.runner.Spawn(ctx, orchestrator.SpawnOptions{
		MissionID: missionID,
		Command:   argv[0],
		Args:      argv[1:],
		Dir:       worktree,
		Env: map[string]string{
			"GROUNDCTL_MISSION_ID": missionID,
			"GROUNDCTL_TASK_ID":    t.ID,
		},
		OnOutput: func(pid, stream string, chunk []byte) {
			open(pid)
			d.forward(pid, stream, chunk)
		},
		OnExit: func(pid string, status models.ProcessStatus, exitCode int) {
			done <- localExit{pid: pid, status: status, exitCode: exitCode}
		},
	})
	if err != nil {
		slog.Warn("Task spawn failed", "task_id", t.ID, "error", err)
		return models.ProcessError, -1
	}
	open(proc.ID)
	d.track(missionID, proc.ID)
	metrics.ProcessesSpawned.WithLabelValues(string(models.ProcessLocal)).Inc()

	exit := <-done
	d.finishProcessStream(exit.pid, exit.status, exit.exitCode)
	d.untrack(missionID, exit.pid)
	return exit.status, exit.exitCode
}

// forward writes one output chunk to the journal, then fans it out with the
// process's next event ID. Journal-before-publish keeps the resume ring
// consistent with what subscribers saw.
func (d *Driver) forward(pid, stream string, chunk []byte) {
	if err := d.journal.Write(pid, chunk); err != nil {
		slog.Warn("Journal write failed", "process_id", pid, "error", err)
	}
	d.bus.Publish(pid, events.OutputPayload(stream, string(chunk)))
	metrics.EventsBroadcast.Inc()
}

// finishProcessStream emits the final status event and tears down the
// process's journal stream and subscriber set.
func (d *Driver) finishProcessStream(pid string, status models.ProcessStatus, exitCode int) {
	code := exitCode
	d.bus.Publish(pid, events.StatusPayload(string(status), &code))
	metrics.EventsBroadcast.Inc()
	if err := d.journal.Close(pid); err != nil {
		slog.Debug("Journal close", "process_id", pid, "error", err)
	}
	d.bus.CloseProcess(pid)
}

// failMission finishes a mission as COMPLETED_FAILED through the transition
// table, tolerating the benign race where cancel got there first.
func (d *Driver) failMission(ctx context.Context, missionID, reason string) {
	if _, err := d.store.UpdateMissionState(ctx, missionID, models.MissionCompletedFailed); err != nil {
		d.logTransitionRace(missionID, models.MissionCompletedFailed, err)
		return
	}
	now := time.Now().UTC()
	if _, err := d.store.UpdateMission(ctx, missionID, store.MissionUpdate{
		FailureReason: &reason,
		EndedAt:       &now,
	}); err != nil {
		slog.Warn("Failed to record failure reason", "mission_id", missionID, "error", err)
	}
	metrics.MissionsFinished.WithLabelValues("failed").Inc()
}

// logTransitionRace downgrades lost-CAS transition errors to debug noise;
// anything else is a real failure worth surfacing.
func (d *Driver) logTransitionRace(missionID string, to models.MissionState, err error) {
	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) {
		slog.Debug("Mission transition lost race", "mission_id", missionID, "to", to, "from", invalid.From)
		return
	}
	slog.Error("Mission transition failed", "mission_id", missionID, "to", to, "error", err)
}

func (d *Driver) audit(ctx context.Context, event, missionID string, details any) {
	if _, err := d.store.Audit(ctx, event, "mission", missionID, details); err != nil {
		slog.Warn("Audit write failed", "event", event, "mission_id", missionID, "error", err)
	}
}

func (d *Driver) track(missionID, pid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.active[missionID]
	if !ok {
		set = make(map[string]struct{})
		d.active[missionID] = set
	}
	set[pid] = struct{}{}
}

func (d *Driver) untrack(missionID, pid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.active[missionID]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(d.active, missionID)
		}
	}
}

func (d *Driver) trackedProcesses(missionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	pids := make([]string, 0, len(d.active[missionID]))
	for pid := range d.active[missionID] {
		pids = append(pids, pid)
	}
	return pids
}

// TrackedProcessIDs exposes the live process set for one mission. Used by
// diagnostics handlers.
func (d *Driver) TrackedProcessIDs(missionID string) []string {
	return d.trackedProcesses(missionID)
}

// ReattachOutput rewires a recovered process's log stream into the journal
// and the broadcaster. Used by startup recovery for containers that survived
// a restart; reader is a docker multiplexed stream.
func (d *Driver) ReattachOutput(missionID, pid string) func(stream string, chunk []byte) {
	if _, err := d.journal.Open(pid, missionID); err != nil {
		slog.Warn("Journal open failed", "process_id", pid, "error", err)
	}
	d.track(missionID, pid)
	return func(stream string, chunk []byte) {
		d.forward(pid, stream, chunk)
	}
}

// FinishReattached finalizes a reattached process's stream when its
// container exits.
func (d *Driver) FinishReattached(ctx context.Context, missionID, pid string, status models.ProcessStatus, exitCode int) {
	if _, err := d.store.UpdateProcessStatus(ctx, pid, status, &exitCode); err != nil {
		slog.Warn("Reattached process finalize failed", "process_id", pid, "error", err)
	}
	d.finishProcessStream(pid, status, exitCode)
	d.untrack(missionID, pid)
}
