package models

import (
	"encoding/json"
	"time"
)

// Audit event names. Mission and recovery events are part of the observable
// contract and asserted by tests.
const (
	AuditMissionStarted        = "mission.started"
	AuditMissionPRDGenerated   = "mission.prd_generated"
	AuditMissionPRDApproved    = "mission.prd_approved"
	AuditMissionPRDRejected    = "mission.prd_rejected"
	AuditMissionTasksGenerated = "mission.tasks_generated"
	AuditMissionTasksApproved  = "mission.tasks_approved"
	AuditMissionTasksRejected  = "mission.tasks_rejected"
	AuditMissionExecutionDone  = "mission.execution_completed"
	AuditMissionProcessFailed  = "mission.process_failed"
	AuditMissionCanceled       = "mission.canceled"

	AuditRecoveryMissionFailed     = "recovery.mission_marked_failed"
	AuditRecoveryMissionReattached = "recovery.mission_reattached"
	AuditRecoveryProcReattached    = "recovery.process_reattached"
	AuditRecoveryProcFailed        = "recovery.process_marked_failed"
	AuditRecoveryOrphanRemoved     = "recovery.orphaned_container_removed"
)

// AuditEntry is an append-only record of a system event. Entries are never
// modified; the retention sweep is the only deletion path.
type AuditEntry struct {
	ID         string          `db:"id" json:"id"`
	Event      string          `db:"event" json:"event"`
	EntityType *string         `db:"entity_type" json:"entityType,omitempty"`
	EntityID   *string         `db:"entity_id" json:"entityId,omitempty"`
	Details    json.RawMessage `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}
