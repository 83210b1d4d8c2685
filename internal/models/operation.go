package models

import "time"

// OperationKind represents the type of a queued mutation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// OperationStatus represents the sync lifecycle state of an operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusSyncing    OperationStatus = "syncing"
	StatusSynced     OperationStatus = "synced"
	StatusFailed     OperationStatus = "failed"
	StatusConflicted OperationStatus = "conflicted"
)

// Operation represents a pending or completed local mutation awaiting
// synchronization with the remote authority.
type Operation struct {
	ID    UUID          `db:"id" json:"id"`
	Table string        `db:"table_name" json:"table"`
	Kind  OperationKind `db:"kind" json:"kind"`

	// Payload is the record body to apply. For deletes it may carry only
	// the record identifier.
	Payload Payload `db:"payload_json" json:"payload"`

	// BasePayload is the last-observed remote state of the record at
	// enqueue time, used as the three-way base for conflict detection.
	// Nil for creates and for records never seen from the remote.
	BasePayload Payload `db:"base_payload_json" json:"base_payload,omitempty"`

	LocalID  string `db:"local_id" json:"local_id"`
	RemoteID string `db:"remote_id" json:"remote_id,omitempty"`
	ActorID  string `db:"actor_id" json:"actor_id,omitempty"`

	Status        OperationStatus `db:"status" json:"status"`
	Attempts      int             `db:"attempts" json:"attempts"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
	LastAttemptAt int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	SyncedAt      int64           `db:"synced_at" json:"synced_at,omitempty"`
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the storage table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (o *Operation) CreatedAtTime() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// Terminal reports whether the operation has reached a state the sync
// worker will not advance on its own: synced, conflicted, or failed with
// retries exhausted.
func (o *Operation) Terminal(maxRetries int) bool {
	switch o.Status {
	case StatusSynced, StatusConflicted:
		return true
	case StatusFailed:
		return o.Attempts >= maxRetries
	default:
		return false
	}
}
