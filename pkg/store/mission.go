package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groundctl/groundctl/pkg/models"
)

const missionColumns = `id, project_id, feature_name, description, state,
	worktree_path, prd_path, tasks_path, prd_iterations, tasks_iterations,
	result, failure_reason, created_at, updated_at, started_at, ended_at`

// CreateMission creates a mission in DRAFT for the given project.
func (s *Store) CreateMission(ctx context.Context, projectID, featureName, description string) (*models.Mission, error) {
	if _, err := s.FindProjectByID(ctx, projectID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &models.Mission{
		ID:          models.NewID(models.PrefixMission),
		ProjectID:   projectID,
		FeatureName: featureName,
		State:       models.MissionDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if description != "" {
		m.Description = &description
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO missions (id, project_id, feature_name, description, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.FeatureName, m.Description, m.State, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create mission: %w", err)
	}
	return m, nil
}

// FindMissionByID returns one mission.
func (s *Store) FindMissionByID(ctx context.Context, id string) (*models.Mission, error) {
	var m models.Mission
	err := s.db.GetContext(ctx, &m,
		`SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "mission", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mission: %w", err)
	}
	return &m, nil
}

// FindMissionsByProject returns a project's missions, newest first.
func (s *Store) FindMissionsByProject(ctx context.Context, projectID string) ([]*models.Mission, error) {
	var missions []*models.Mission
	err := s.db.SelectContext(ctx, &missions,
		`SELECT `+missionColumns+` FROM missions WHERE project_id = ?
		 ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	return missions, nil
}

// FindMissionsByStates returns missions in any of the given states, newest first.
func (s *Store) FindMissionsByStates(ctx context.Context, states ...models.MissionState) ([]*models.Mission, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}

	var missions []*models.Mission
	err := s.db.SelectContext(ctx, &missions,
		`SELECT `+missionColumns+` FROM missions WHERE state IN (`+placeholders+`)
		 ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions by state: %w", err)
	}
	return missions, nil
}

// ListMissions returns all missions, newest first.
func (s *Store) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	var missions []*models.Mission
	err := s.db.SelectContext(ctx, &missions,
		`SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	return missions, nil
}

// MissionUpdate carries optional mission field updates. State is deliberately
// absent; use UpdateMissionState.
type MissionUpdate struct {
	Description     *string
	WorktreePath    *string
	PRDPath         *string
	TasksPath       *string
	PRDIterations   *int
	TasksIterations *int
	Result          *string
	FailureReason   *string
	StartedAt       *time.Time
	EndedAt         *time.Time
}

// UpdateMission applies the non-nil fields of upd and stamps updated_at.
// StartedAt and EndedAt are stamped at most once: a second write is ignored.
func (s *Store) UpdateMission(ctx context.Context, id string, upd MissionUpdate) (*models.Mission, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	add := func(column string, v any) {
		sets = append(sets, column+" = ?")
		args = append(args, v)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.WorktreePath != nil {
		add("worktree_path", *upd.WorktreePath)
	}
	if upd.PRDPath != nil {
		add("prd_path", *upd.PRDPath)
	}
	if upd.TasksPath != nil {
		add("tasks_path", *upd.TasksPath)
	}
	if upd.PRDIterations != nil {
		add("prd_iterations", *upd.PRDIterations)
	}
	if upd.TasksIterations != nil {
		add("tasks_iterations", *upd.TasksIterations)
	}
	if upd.Result != nil {
		add("result", *upd.Result)
	}
	if upd.FailureReason != nil {
		add("failure_reason", *upd.FailureReason)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, upd.StartedAt.UTC())
	}
	if upd.EndedAt != nil {
		sets = append(sets, "ended_at = COALESCE(ended_at, ?)")
		args = append(args, upd.EndedAt.UTC())
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE missions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &NotFoundError{Kind: "mission", ID: id}
	}
	return s.FindMissionByID(ctx, id)
}

// UpdateMissionState transitions a mission to the given state, verifying the
// transition table. The state change is an atomic compare-and-set: the UPDATE
// is guarded by the expected current state and the rowcount checked, so two
// racing callers cannot both succeed.
func (s *Store) UpdateMissionState(ctx context.Context, id string, to models.MissionState) (*models.Mission, error) {
	if !to.Valid() {
		return nil, &InvalidTransitionError{From: "", To: to}
	}
	m, err := s.FindMissionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := m.State
	if !models.CanTransition(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE missions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return nil, fmt.Errorf("failed to update mission state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race: re-read to report the actual current state.
		current, rerr := s.FindMissionByID(ctx, id)
		if rerr != nil {
			return nil, rerr
		}
		return nil, &InvalidTransitionError{From: current.State, To: to}
	}
	return s.FindMissionByID(ctx, id)
}

// ForceMissionFailed moves a mission to COMPLETED_FAILED bypassing the
// transition table. Reserved for recovery; every call must be audit-logged
// by the caller.
func (s *Store) ForceMissionFailed(ctx context.Context, id, failureReason string) (*models.Mission, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE missions SET state = ?, failure_reason = ?, updated_at = ?,
		        ended_at = COALESCE(ended_at, ?)
		 WHERE id = ?`,
		models.MissionCompletedFailed, failureReason, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to force mission failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &NotFoundError{Kind: "mission", ID: id}
	}
	return s.FindMissionByID(ctx, id)
}

// DeleteMission removes a mission and, via cascade, its tasks and processes.
func (s *Store) DeleteMission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM missions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "mission", ID: id}
	}
	return nil
}
