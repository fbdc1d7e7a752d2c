// Package models defines the persisted entities, their lifecycle enums, and
// the mission state transition table.
package models

import "time"

// MissionState is the lifecycle state of a mission.
type MissionState string

// Mission lifecycle states.
const (
	MissionDraft           MissionState = "DRAFT"
	MissionGeneratingPRD   MissionState = "GENERATING_PRD"
	MissionPRDReview       MissionState = "PRD_REVIEW"
	MissionPreparingTasks  MissionState = "PREPARING_TASKS"
	MissionTasksReview     MissionState = "TASKS_REVIEW"
	MissionInProgress      MissionState = "IN_PROGRESS"
	MissionCompletedOK     MissionState = "COMPLETED_SUCCESS"
	MissionCompletedFailed MissionState = "COMPLETED_FAILED"
)

// AllMissionStates lists every mission state, in workflow order.
var AllMissionStates = []MissionState{
	MissionDraft,
	MissionGeneratingPRD,
	MissionPRDReview,
	MissionPreparingTasks,
	MissionTasksReview,
	MissionInProgress,
	MissionCompletedOK,
	MissionCompletedFailed,
}

// missionTransitions is the authoritative transition table. Any state change
// not listed here is rejected (recovery's forced failure is the single
// sanctioned bypass and never goes through this table).
var missionTransitions = map[MissionState][]MissionState{
	MissionDraft:          {MissionGeneratingPRD},
	MissionGeneratingPRD:  {MissionPRDReview, MissionCompletedFailed},
	MissionPRDReview:      {MissionPreparingTasks, MissionGeneratingPRD, MissionCompletedFailed},
	MissionPreparingTasks: {MissionTasksReview, MissionCompletedFailed},
	MissionTasksReview:    {MissionInProgress, MissionPreparingTasks, MissionCompletedFailed},
	MissionInProgress:     {MissionCompletedOK, MissionCompletedFailed},
}

// CanTransition reports whether from → to is an allowed mission state change.
func CanTransition(from, to MissionState) bool {
	for _, next := range missionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is a terminal mission state.
func (s MissionState) IsTerminal() bool {
	return s == MissionCompletedOK || s == MissionCompletedFailed
}

// Valid reports whether s is a known mission state.
func (s MissionState) Valid() bool {
	for _, st := range AllMissionStates {
		if st == s {
			return true
		}
	}
	return false
}

// NonTerminalMissionStates returns the states in which a mission still owns
// live work or awaits input.
func NonTerminalMissionStates() []MissionState {
	out := make([]MissionState, 0, len(AllMissionStates))
	for _, s := range AllMissionStates {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// RunningMissionStates returns the states in which a mission may have
// spawned processes. Recovery scans these at startup.
func RunningMissionStates() []MissionState {
	return []MissionState{MissionGeneratingPRD, MissionPreparingTasks, MissionInProgress}
}

// Mission is one unit of end-to-end work: a PRD generation, a task list,
// and a task-execution pass over a dedicated worktree.
type Mission struct {
	ID              string       `db:"id" json:"id"`
	ProjectID       string       `db:"project_id" json:"projectId"`
	FeatureName     string       `db:"feature_name" json:"featureName"`
	Description     *string      `db:"description" json:"description,omitempty"`
	State           MissionState `db:"state" json:"state"`
	WorktreePath    *string      `db:"worktree_path" json:"worktreePath,omitempty"`
	PRDPath         *string      `db:"prd_path" json:"prdPath,omitempty"`
	TasksPath       *string      `db:"tasks_path" json:"tasksPath,omitempty"`
	PRDIterations   int          `db:"prd_iterations" json:"prdIterations"`
	TasksIterations int          `db:"tasks_iterations" json:"tasksIterations"`
	Result          *string      `db:"result" json:"result,omitempty"`
	FailureReason   *string      `db:"failure_reason" json:"failureReason,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updatedAt"`
	StartedAt       *time.Time   `db:"started_at" json:"startedAt,omitempty"`
	EndedAt         *time.Time   `db:"ended_at" json:"endedAt,omitempty"`
}
