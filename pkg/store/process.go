package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/groundctl/groundctl/pkg/models"
)

const processColumns = `id, mission_id, type, command, cwd, env, pid, pgid,
	container_id, status, exit_code, created_at, updated_at, started_at,
	ended_at, heartbeat_at`

// NewProcessParams describes a process row to create.
type NewProcessParams struct {
	MissionID string // empty for unowned processes
	Type      models.ProcessType
	Command   string
	Cwd       string
	Env       models.JSONMap
}

// CreateProcess registers a process row in QUEUED.
func (s *Store) CreateProcess(ctx context.Context, params NewProcessParams) (*models.Process, error) {
	now := time.Now().UTC()
	p := &models.Process{
		ID:        models.NewID(models.PrefixProcess),
		Type:      params.Type,
		Command:   params.Command,
		Env:       params.Env,
		Status:    models.ProcessQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if params.MissionID != "" {
		mid := params.MissionID
		p.MissionID = &mid
	}
	if params.Cwd != "" {
		cwd := params.Cwd
		p.Cwd = &cwd
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processes (id, mission_id, type, command, cwd, env, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MissionID, p.Type, p.Command, p.Cwd, p.Env, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create process: %w", err)
	}
	return p, nil
}

// FindProcessByID returns one process.
func (s *Store) FindProcessByID(ctx context.Context, id string) (*models.Process, error) {
	var p models.Process
	err := s.db.GetContext(ctx, &p,
		`SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "process", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query process: %w", err)
	}
	return &p, nil
}

// FindProcessesByMission returns a mission's processes, newest first.
func (s *Store) FindProcessesByMission(ctx context.Context, missionID string) ([]*models.Process, error) {
	var procs []*models.Process
	err := s.db.SelectContext(ctx, &procs,
		`SELECT `+processColumns+` FROM processes WHERE mission_id = ?
		 ORDER BY created_at DESC, id DESC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return procs, nil
}

// FindProcessByContainerID returns the process tracking the given container.
func (s *Store) FindProcessByContainerID(ctx context.Context, containerID string) (*models.Process, error) {
	var p models.Process
	err := s.db.GetContext(ctx, &p,
		`SELECT `+processColumns+` FROM processes WHERE container_id = ?`, containerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "process", ID: containerID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query process by container: %w", err)
	}
	return &p, nil
}

// FindProcessesByStatus returns processes in the given status, newest first.
func (s *Store) FindProcessesByStatus(ctx context.Context, status models.ProcessStatus) ([]*models.Process, error) {
	var procs []*models.Process
	err := s.db.SelectContext(ctx, &procs,
		`SELECT `+processColumns+` FROM processes WHERE status = ?
		 ORDER BY created_at DESC, id DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes by status: %w", err)
	}
	return procs, nil
}

// UpdateProcessStatus updates a process status with automatic timestamp
// stamping: entering RUNNING stamps started_at once, entering a terminal
// status stamps ended_at once and records the exit code when known.
func (s *Store) UpdateProcessStatus(ctx context.Context, id string, status models.ProcessStatus, exitCode *int) (*models.Process, error) {
	now := time.Now().UTC()
	query := `UPDATE processes SET status = ?, updated_at = ?`
	args := []any{status, now}
	if status == models.ProcessRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.IsTerminal() {
		query += `, ended_at = COALESCE(ended_at, ?)`
		args = append(args, now)
		if exitCode != nil {
			query += `, exit_code = ?`
			args = append(args, *exitCode)
		}
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update process status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &NotFoundError{Kind: "process", ID: id}
	}
	return s.FindProcessByID(ctx, id)
}

// UpdateProcessPID records a launched local process's pid and pgid.
func (s *Store) UpdateProcessPID(ctx context.Context, id string, pid, pgid int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET pid = ?, pgid = ?, updated_at = ? WHERE id = ?`,
		pid, pgid, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update process pid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "process", ID: id}
	}
	return nil
}

// UpdateProcessContainerID records the container backing a container process.
func (s *Store) UpdateProcessContainerID(ctx context.Context, id, containerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET container_id = ?, updated_at = ? WHERE id = ?`,
		containerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update process container id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "process", ID: id}
	}
	return nil
}

// UpdateProcessHeartbeat stamps heartbeat_at.
func (s *Store) UpdateProcessHeartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processes SET heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update process heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "process", ID: id}
	}
	return nil
}

// DeleteProcess removes a process row.
func (s *Store) DeleteProcess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete process: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "process", ID: id}
	}
	return nil
}
