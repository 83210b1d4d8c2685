package models

import "time"

// Resolution represents how a conflict was (or should be) settled.
type Resolution string

const (
	ResolutionServerWins Resolution = "server_wins"
	ResolutionClientWins Resolution = "client_wins"
	ResolutionMerge      Resolution = "merge"
	ResolutionManual     Resolution = "manual"
)

// Conflict records a detected divergence between local and remote state.
// It is persisted until explicitly resolved and never silently dropped.
type Conflict struct {
	ID          UUID   `db:"id" json:"id"`
	Table       string `db:"table_name" json:"table"`
	OperationID UUID   `db:"operation_id" json:"operation_id"`

	LocalPayload  Payload `db:"local_payload_json" json:"local_payload"`
	RemotePayload Payload `db:"remote_payload_json" json:"remote_payload"`

	DetectedAt int64 `db:"detected_at" json:"detected_at"`

	// Resolution is empty while the conflict is open. Once set it is
	// immutable except for recording ResolvedPayload (manual resolution
	// supplies the payload in a second step).
	Resolution      Resolution `db:"resolution" json:"resolution,omitempty"`
	ResolvedPayload Payload    `db:"resolved_payload_json" json:"resolved_payload,omitempty"`
}

// TableName returns the storage table name for Conflict.
func (Conflict) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

// Resolved reports whether the conflict has a settled payload and no longer
// blocks sync of its record.
func (c *Conflict) Resolved() bool {
	if c.Resolution == "" {
		return false
	}
	// A manual resolution stays open until the operator supplies a payload.
	if c.Resolution == ResolutionManual && c.ResolvedPayload == nil {
		return false
	}
	return true
}
