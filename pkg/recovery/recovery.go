// Package recovery reconciles persisted state with reality at startup:
// missions that claim to be running are checked against their processes,
// surviving containers are reattached, and orphaned containers are removed.
package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/groundctl/groundctl/pkg/models"
	"github.com/groundctl/groundctl/pkg/sandbox"
	"github.com/groundctl/groundctl/pkg/store"
)

// Sandboxer is the slice of the container manager recovery needs. Nil means
// no container runtime; container-backed processes are then unrecoverable.
type Sandboxer interface {
	Inspect(ctx context.Context, containerID string) (*sandbox.State, error)
	AttachLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	ListManaged(ctx context.Context) ([]sandbox.ManagedContainer, error)
	Stop(ctx context.Context, containerID string, graceSeconds int) error
	Remove(ctx context.Context, containerID string, force bool) error
}

// Reattacher rewires a surviving process's output and finalizes it on exit.
// Implemented by mission.Driver.
type Reattacher interface {
	ReattachOutput(missionID, processID string) func(stream string, chunk []byte)
	FinishReattached(ctx context.Context, missionID, processID string, status models.ProcessStatus, exitCode int)
}

// Run performs the startup reconciliation pass. It must complete before the
// HTTP listener accepts requests. A failure recovering one mission never
// aborts recovery of the others.
func Run(ctx context.Context, st *store.Store, sb Sandboxer, driver Reattacher) error {
	missions, err := st.FindMissionsByStates(ctx, models.RunningMissionStates()...)
	if err != nil {
		return err
	}
	for _, m := range missions {
		if err := recoverMission(ctx, st, sb, driver, m); err != nil {
			slog.Error("Recovery failed for mission", "mission_id", m.ID, "error", err)
			audit(ctx, st, models.AuditRecoveryMissionFailed, m.ID, map[string]any{"error": err.Error()})
		}
	}

	if sb != nil {
		sweepOrphans(ctx, st, sb)
	}

	if len(missions) > 0 {
		slog.Info("Recovery pass complete", "missions", len(missions))
	}
	return nil
}

func recoverMission(ctx context.Context, st *store.Store, sb Sandboxer, driver Reattacher, m *models.Mission) error {
	procs, err := st.FindProcessesByMission(ctx, m.ID)
	if err != nil {
		return err
	}
	var running []*models.Process
	for _, p := range procs {
		if p.Status == models.ProcessRunning {
			running = append(running, p)
		}
	}

	if len(running) == 0 {
		if _, err := st.ForceMissionFailed(ctx, m.ID, "No running processes found during recovery"); err != nil {
			return err
		}
		audit(ctx, st, models.AuditRecoveryMissionFailed, m.ID, map[string]any{"state": m.State})
		return nil
	}

	reattached := false
	for _, p := range running {
		if p.ContainerID != nil {
			if recoverContainerProcess(ctx, st, sb, driver, m.ID, p) {
				reattached = true
			}
			continue
		}
		// Local children of a dead supervisor are gone.
		markFailed(ctx, st, p.ID, nil, "Local process cannot be recovered")
	}

	if reattached {
		audit(ctx, st, models.AuditRecoveryMissionReattached, m.ID, map[string]any{"state": m.State})
		return nil
	}
	if _, err := st.ForceMissionFailed(ctx, m.ID, "All processes dead during recovery"); err != nil {
		return err
	}
	audit(ctx, st, models.AuditRecoveryMissionFailed, m.ID, map[string]any{"state": m.State})
	return nil
}

// recoverContainerProcess reports whether the process was reattached.
func recoverContainerProcess(ctx context.Context, st *store.Store, sb Sandboxer, driver Reattacher, missionID string, p *models.Process) bool {
	if sb == nil {
		markFailed(ctx, st, p.ID, nil, "Container runtime unavailable")
		return false
	}

	state, err := sb.Inspect(ctx, *p.ContainerID)
	if err != nil {
		markFailed(ctx, st, p.ID, nil, "Container not found")
		return false
	}
	if !state.Running {
		code := state.ExitCode
		markFailed(ctx, st, p.ID, &code, "Container exited")
		return false
	}

	go followContainer(st, sb, driver, missionID, p.ID, *p.ContainerID)
	audit(ctx, st, models.AuditRecoveryProcReattached, p.ID, map[string]any{
		"missionId":   missionID,
		"containerId": *p.ContainerID,
	})
	slog.Info("Reattached container process", "process_id", p.ID, "mission_id", missionID)
	return true
}

// followContainer streams a reattached container's logs until it exits,
// then finalizes its process row.
func followContainer(st *store.Store, sb Sandboxer, driver Reattacher, missionID, processID, containerID string) {
	ctx := context.Background()

	rc, err := sb.AttachLogs(ctx, containerID)
	if err != nil {
		slog.Warn("Log reattach failed", "process_id", processID, "error", err)
		driver.FinishReattached(ctx, missionID, processID, models.ProcessError, -1)
		return
	}
	defer func() { _ = rc.Close() }()

	onChunk := driver.ReattachOutput(missionID, processID)
	if err := sandbox.StreamDemux(rc, onChunk); err != nil {
		slog.Warn("Log stream ended with error", "process_id", processID, "error", err)
	}

	status := models.ProcessSuccess
	exitCode := 0
	if state, err := sb.Inspect(ctx, containerID); err == nil {
		exitCode = state.ExitCode
		if exitCode != 0 {
			status = models.ProcessError
		}
	} else {
		status = models.ProcessError
		exitCode = -1
	}
	driver.FinishReattached(ctx, missionID, processID, status, exitCode)
}

// sweepOrphans removes managed containers with no corresponding process row.
func sweepOrphans(ctx context.Context, st *store.Store, sb Sandboxer) {
	containers, err := sb.ListManaged(ctx)
	if err != nil {
		slog.Error("Orphan sweep: list failed", "error", err)
		return
	}
	for _, c := range containers {
		_, err := st.FindProcessByContainerID(ctx, c.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Orphan sweep: lookup failed", "container_id", c.ID, "error", err)
			continue
		}
		if err := sb.Stop(ctx, c.ID, 5); err != nil {
			slog.Warn("Orphan sweep: stop failed", "container_id", c.ID, "error", err)
		}
		if err := sb.Remove(ctx, c.ID, true); err != nil {
			slog.Warn("Orphan sweep: remove failed", "container_id", c.ID, "error", err)
			continue
		}
		audit(ctx, st, models.AuditRecoveryOrphanRemoved, c.ID, map[string]any{
			"missionId": c.MissionID,
		})
		slog.Info("Removed orphaned container", "container_id", c.ID, "mission_id", c.MissionID)
	}
}

func markFailed(ctx context.Context, st *store.Store, processID string, exitCode *int, reason string) {
	if _, err := st.UpdateProcessStatus(ctx, processID, models.ProcessError, exitCode); err != nil {
		slog.Warn("Recovery: process update failed", "process_id", processID, "error", err)
	}
	details := map[string]any{"reason": reason}
	if exitCode != nil {
		details["exitCode"] = *exitCode
	}
	audit(ctx, st, models.AuditRecoveryProcFailed, processID, details)
}

func audit(ctx context.Context, st *store.Store, event, entityID string, details any) {
	entityType := "mission"
	switch event {
	case models.AuditRecoveryProcReattached, models.AuditRecoveryProcFailed:
		entityType = "process"
	case models.AuditRecoveryOrphanRemoved:
		entityType = "container"
	}
	if _, err := st.Audit(ctx, event, entityType, entityID, details); err != nil {
		slog.Warn("Audit write failed", "event", event, "error", err)
	}
}
