package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/groundctl/groundctl/pkg/models"
)

const taskColumns = `id, mission_id, name, description, order_num, status,
	agents, skills, created_at, updated_at, started_at, completed_at`

// CreateTasks creates a batch of tasks for a mission in one transaction,
// assigning order_num from the list index.
func (s *Store) CreateTasks(ctx context.Context, missionID string, specs []models.TaskSpec) ([]*models.Task, error) {
	if _, err := s.FindMissionByID(ctx, missionID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	tasks := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		t := &models.Task{
			ID:        models.NewID(models.PrefixTask),
			MissionID: missionID,
			Name:      spec.Name,
			OrderNum:  i,
			Status:    models.TaskPending,
			Agents:    spec.Agents,
			Skills:    spec.Skills,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if spec.Description != "" {
			desc := spec.Description
			t.Description = &desc
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, mission_id, name, description, order_num, status, agents, skills, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.MissionID, t.Name, t.Description, t.OrderNum, t.Status, t.Agents, t.Skills, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tasks: %w", err)
	}
	return tasks, nil
}

// FindTaskByID returns one task.
func (s *Store) FindTaskByID(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return &t, nil
}

// FindTasksByMission returns a mission's tasks in execution order.
func (s *Store) FindTasksByMission(ctx context.Context, missionID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT `+taskColumns+` FROM tasks WHERE mission_id = ? ORDER BY order_num ASC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatus updates a task's status with automatic timestamp stamping:
// entering IN_PROGRESS stamps started_at once, entering any terminal status
// stamps completed_at once. Re-stamps never overwrite.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []any{status, now}
	if status == models.TaskInProgress {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.IsTerminal() {
		query += `, completed_at = COALESCE(completed_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	return s.FindTaskByID(ctx, id)
}

// DeleteTasksByMission removes all tasks of a mission, returning the count.
func (s *Store) DeleteTasksByMission(ctx context.Context, missionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE mission_id = ?`, missionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
