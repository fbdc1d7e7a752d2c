package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task lifecycle statuses.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// IsTerminal reports whether the status is terminal for a task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// StringSlice is a string slice persisted as a JSON text column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal slice: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", src)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, s)
}

// Task is one unit of agent work within a mission. Tasks are created in a
// batch and executed in OrderNum ascending order.
type Task struct {
	ID          string      `db:"id" json:"id"`
	MissionID   string      `db:"mission_id" json:"missionId"`
	Name        string      `db:"name" json:"name"`
	Description *string     `db:"description" json:"description,omitempty"`
	OrderNum    int         `db:"order_num" json:"orderNum"`
	Status      TaskStatus  `db:"status" json:"status"`
	Agents      StringSlice `db:"agents" json:"agents,omitempty"`
	Skills      StringSlice `db:"skills" json:"skills,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
	StartedAt   *time.Time  `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
}

// TaskSpec describes one task in a createMany batch.
type TaskSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Agents      []string `json:"agents,omitempty"`
	Skills      []string `json:"skills,omitempty"`
}
