package models

import "time"

// ProcessType discriminates the two process variants.
type ProcessType string

// Process variants.
const (
	ProcessLocal     ProcessType = "local"
	ProcessContainer ProcessType = "container"
)

// ProcessStatus is the lifecycle status of a supervised process.
type ProcessStatus string

// Process lifecycle statuses.
const (
	ProcessQueued   ProcessStatus = "QUEUED"
	ProcessRunning  ProcessStatus = "RUNNING"
	ProcessSuccess  ProcessStatus = "SUCCESS"
	ProcessError    ProcessStatus = "ERROR"
	ProcessCanceled ProcessStatus = "CANCELED"
)

// IsTerminal reports whether the status is terminal for a process.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessSuccess || s == ProcessError || s == ProcessCanceled
}

// Process is the persisted supervision record of a spawned local process or
// sandbox container. PID/PGID are set only for local processes that reached
// RUNNING; ContainerID is set only for the container variant.
type Process struct {
	ID          string        `db:"id" json:"id"`
	MissionID   *string       `db:"mission_id" json:"missionId,omitempty"`
	Type        ProcessType   `db:"type" json:"type"`
	Command     string        `db:"command" json:"command"`
	Cwd         *string       `db:"cwd" json:"cwd,omitempty"`
	Env         JSONMap       `db:"env" json:"env,omitempty"`
	PID         *int          `db:"pid" json:"pid,omitempty"`
	PGID        *int          `db:"pgid" json:"pgid,omitempty"`
	ContainerID *string       `db:"container_id" json:"containerId,omitempty"`
	Status      ProcessStatus `db:"status" json:"status"`
	ExitCode    *int          `db:"exit_code" json:"exitCode,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updatedAt"`
	StartedAt   *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	EndedAt     *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	HeartbeatAt *time.Time    `db:"heartbeat_at" json:"heartbeatAt,omitempty"`
}
