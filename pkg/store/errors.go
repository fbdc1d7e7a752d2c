package store

import (
	"errors"
	"fmt"

	sqlite "github.com/mattn/go-sqlite3"

	"github.com/groundctl/groundctl/pkg/models"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidTransition is returned when a mission state change is not
	// in the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict is returned on uniqueness violations.
	ErrConflict = errors.New("conflict")

	// ErrPrecondition is returned when an operation's precondition fails,
	// e.g. deleting a project that still has active missions.
	ErrPrecondition = errors.New("precondition failed")
)

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Unwrap makes errors.Is(err, ErrNotFound) work.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError carries the rejected state pair.
type InvalidTransitionError struct {
	From models.MissionState
	To   models.MissionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s → %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError carries the uniqueness violation reason.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PreconditionError carries the failed precondition.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Reason }

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// translateConstraint converts sqlite unique-constraint violations into
// ConflictError; all other errors pass through unchanged.
func translateConstraint(err error, reason string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite.ErrConstraintPrimaryKey {
			return &ConflictError{Reason: reason}
		}
	}
	return err
}
