package store

import (
	"database/sql"
	"time"

	"github.com/agridata/fieldsync/internal/errors"
	"github.com/agridata/fieldsync/internal/logging"
	"github.com/agridata/fieldsync/internal/models"
	"github.com/google/uuid"
)

const operationColumns = `id, table_name, kind, payload_json, base_payload_json,
	created_at, local_id, remote_id, actor_id, status, attempts, last_attempt_at, synced_at, last_error`

// EnqueueOperation inserts a new operation with status pending. The insert
// is committed before returning; callers rely on this for crash recovery.
// Assigns ID and CreatedAt when unset.
func (s *Store) EnqueueOperation(op *models.Operation) error {
	if op.ID == "" {
		op.ID = models.UUID(uuid.New().String())
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().Unix()
	}
	op.Status = models.StatusPending
	op.Attempts = 0

	payloadJSON, err := models.MarshalPayload(op.Payload)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "operation payload not serializable", err)
	}
	var baseJSON []byte
	if op.BasePayload != nil {
		baseJSON, err = models.MarshalPayload(op.BasePayload)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "operation base payload not serializable", err)
		}
	}

	query := `
	INSERT INTO operations (id, table_name, kind, payload_json, base_payload_json,
		created_at, local_id, remote_id, actor_id, status, attempts, last_attempt_at, synced_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL)
	`
	_, err = s.db.Exec(query, op.ID, op.Table, op.Kind, string(payloadJSON), nullableString(string(baseJSON)),
		op.CreatedAt, op.LocalID, nullableString(op.RemoteID), nullableString(op.ActorID), op.Status)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to enqueue operation", err)
	}

	logging.Debug("Operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"table":        op.Table,
		"kind":         op.Kind,
		"local_id":     op.LocalID,
	})

	return nil
}

// GetOperation returns a single operation by ID.
func (s *Store) GetOperation(id models.UUID) (*models.Operation, error) {
	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "operation not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load operation", err)
	}
	return op, nil
}

// ListPendingOperations returns operations eligible for a sync attempt:
// pending, or failed with retries remaining. Ordered by (table, created_at)
// ascending, capped at limit. Operations that exhausted their retries are
// excluded so they never crowd fresh work out of the batch window; they wait
// for ForceRetry instead.
func (s *Store) ListPendingOperations(limit, maxRetries int) ([]*models.Operation, error) {
	rows, err := s.db.Query(`
		SELECT `+operationColumns+` FROM operations
		WHERE status = ? OR (status = ? AND attempts < ?)
		ORDER BY table_name, created_at, rowid
		LIMIT ?`,
		models.StatusPending, models.StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list pending operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkSyncing transitions an operation from pending/failed to syncing.
// Returns false without error if the operation was not in a claimable state,
// which happens when a forced sync and the scheduled loop race on the same
// operation.
func (s *Store) MarkSyncing(id models.UUID) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE operations SET status = ? WHERE id = ? AND status IN (?, ?)`,
		models.StatusSyncing, id, models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to claim operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to claim operation", err)
	}
	return n == 1, nil
}

// MarkSynced transitions a syncing operation to synced, recording the
// server-assigned identifier and the time it synced (the GC grace period
// counts from here, not from enqueue).
func (s *Store) MarkSynced(id models.UUID, remoteID string) error {
	return s.transition(id, models.StatusSyncing, `
		UPDATE operations SET status = ?, remote_id = ?, synced_at = ?, last_error = NULL
		WHERE id = ? AND status = ?`,
		models.StatusSynced, nullableString(remoteID), time.Now().Unix(), id, models.StatusSyncing)
}

// MarkFailed transitions a syncing operation to failed, incrementing the
// attempt count and recording the failure time and reason.
func (s *Store) MarkFailed(id models.UUID, errMsg string) error {
	return s.transition(id, models.StatusSyncing, `
		UPDATE operations SET status = ?, attempts = attempts + 1,
			last_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		models.StatusFailed, time.Now().Unix(), errMsg, id, models.StatusSyncing)
}

// MarkFailedPermanent marks an operation failed with attempts pinned to
// maxRetries so it is never retried automatically.
func (s *Store) MarkFailedPermanent(id models.UUID, errMsg string, maxRetries int) error {
	return s.transition(id, models.StatusSyncing, `
		UPDATE operations SET status = ?, attempts = ?,
			last_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		models.StatusFailed, maxRetries, time.Now().Unix(), errMsg, id, models.StatusSyncing)
}

// MarkConflicted transitions a syncing operation to conflicted. The caller
// is responsible for having persisted the associated conflict record first.
func (s *Store) MarkConflicted(id models.UUID) error {
	return s.transition(id, models.StatusSyncing, `
		UPDATE operations SET status = ? WHERE id = ? AND status = ?`,
		models.StatusConflicted, id, models.StatusSyncing)
}

// MarkSettled transitions a conflicted operation to synced once its
// conflict has been resolved. The resolved payload travels on a reissued
// operation, not this one.
func (s *Store) MarkSettled(id models.UUID) error {
	return s.transition(id, models.StatusConflicted, `
		UPDATE operations SET status = ?, synced_at = ?, last_error = NULL
		WHERE id = ? AND status = ?`,
		models.StatusSynced, time.Now().Unix(), id, models.StatusConflicted)
}

// MarkPending returns an operation to the pending state (conflict
// resolution, operator force-retry).
func (s *Store) MarkPending(id models.UUID) error {
	_, err := s.db.Exec(`
		UPDATE operations SET status = ? WHERE id = ?`, models.StatusPending, id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark operation pending", err)
	}
	return nil
}

func (s *Store) transition(id models.UUID, from models.OperationStatus, query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to update operation status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to update operation status", err)
	}
	if n == 0 {
		return errors.New(errors.ErrConstraint, "operation "+string(id)+" not in "+string(from)+" state")
	}
	return nil
}

// ResetSyncing returns any operation stuck in syncing to pending. Called on
// startup (crash recovery) and after a graceful stop so no operation is
// ever left in syncing limbo.
func (s *Store) ResetSyncing() (int, error) {
	res, err := s.db.Exec(`
		UPDATE operations SET status = ? WHERE status = ?`,
		models.StatusPending, models.StatusSyncing)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to reset syncing operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Warn("Reset in-flight operations to pending", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// ForceRetry resets a failed operation to pending with a fresh attempt
// budget. Operator action for operations that exhausted retries.
func (s *Store) ForceRetry(id models.UUID) error {
	res, err := s.db.Exec(`
		UPDATE operations SET status = ?, attempts = 0, last_error = NULL, last_attempt_at = NULL
		WHERE id = ? AND status = ?`,
		models.StatusPending, id, models.StatusFailed)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to force retry", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New(errors.ErrConstraint, "operation "+string(id)+" is not failed")
	}
	return nil
}

// PropagateRemoteID releases the identifier mapping held by dependent
// operations: queued updates/deletes for a record whose create just synced
// get the server-assigned ID filled in.
func (s *Store) PropagateRemoteID(table, localID, remoteID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE operations SET remote_id = ?
		WHERE table_name = ? AND local_id = ? AND (remote_id IS NULL OR remote_id = '')
			AND status IN (?, ?)`,
		remoteID, table, localID, models.StatusPending, models.StatusFailed)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to propagate remote id", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// HasConflictedOperation reports whether the record has an operation blocked
// on an unresolved conflict, which also blocks queued successors.
func (s *Store) HasConflictedOperation(table, localID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM operations
			WHERE table_name = ? AND local_id = ? AND status = ?)`,
		table, localID, models.StatusConflicted).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to check conflicted operations", err)
	}
	return exists, nil
}

// HasExhaustedOperation reports whether the record has an operation that
// burned through its retry budget. Such an operation never enters the sync
// batch, but its queued successors must still wait behind it to preserve
// per-record ordering.
func (s *Store) HasExhaustedOperation(table, localID string, maxRetries int) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM operations
			WHERE table_name = ? AND local_id = ? AND status = ? AND attempts >= ?)`,
		table, localID, models.StatusFailed, maxRetries).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to check exhausted operations", err)
	}
	return exists, nil
}

// PurgeSyncedOperations garbage-collects operations that have been synced
// for longer than the grace period, counted from when they reached synced.
// Conflicted and failed operations are retained indefinitely pending
// operator action.
func (s *Store) PurgeSyncedOperations(grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace).Unix()
	res, err := s.db.Exec(`
		DELETE FROM operations WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?
			AND id NOT IN (SELECT operation_id FROM conflicts)`,
		models.StatusSynced, cutoff)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge synced operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountByStatus returns operation counts grouped by status.
func (s *Store) CountByStatus() (map[models.OperationStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count operations", err)
	}
	defer rows.Close()

	counts := make(map[models.OperationStatus]int)
	for rows.Next() {
		var status models.OperationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan count", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListFailedOperations returns operations that exhausted their retries and
// need operator attention.
func (s *Store) ListFailedOperations(maxRetries int) ([]*models.Operation, error) {
	rows, err := s.db.Query(`
		SELECT `+operationColumns+` FROM operations
		WHERE status = ? AND attempts >= ?
		ORDER BY table_name, created_at, rowid`,
		models.StatusFailed, maxRetries)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list failed operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var op models.Operation
	var payloadJSON string
	var baseJSON, remoteID, actorID, lastError sql.NullString
	var lastAttemptAt, syncedAt sql.NullInt64

	err := row.Scan(&op.ID, &op.Table, &op.Kind, &payloadJSON, &baseJSON,
		&op.CreatedAt, &op.LocalID, &remoteID, &actorID, &op.Status,
		&op.Attempts, &lastAttemptAt, &syncedAt, &lastError)
	if err != nil {
		return nil, err
	}

	op.Payload, err = models.UnmarshalPayload([]byte(payloadJSON))
	if err != nil {
		return nil, err
	}
	if baseJSON.Valid && baseJSON.String != "" {
		op.BasePayload, err = models.UnmarshalPayload([]byte(baseJSON.String))
		if err != nil {
			return nil, err
		}
	}
	if remoteID.Valid {
		op.RemoteID = remoteID.String
	}
	if actorID.Valid {
		op.ActorID = actorID.String
	}
	if lastAttemptAt.Valid {
		op.LastAttemptAt = lastAttemptAt.Int64
	}
	if syncedAt.Valid {
		op.SyncedAt = syncedAt.Int64
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	return &op, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
