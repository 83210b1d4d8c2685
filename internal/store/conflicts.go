package store

import (
	"database/sql"
	"time"

	"github.com/agridata/fieldsync/internal/errors"
	"github.com/agridata/fieldsync/internal/models"
	"github.com/google/uuid"
)

const conflictColumns = `id, table_name, operation_id, local_payload_json,
	remote_payload_json, detected_at, resolution, resolved_payload_json`

// SaveConflict persists a newly detected conflict. Assigns ID and
// DetectedAt when unset.
func (s *Store) SaveConflict(c *models.Conflict) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New().String())
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().Unix()
	}

	localJSON, err := models.MarshalPayload(c.LocalPayload)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "conflict local payload not serializable", err)
	}
	remoteJSON, err := models.MarshalPayload(c.RemotePayload)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "conflict remote payload not serializable", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conflicts (id, table_name, operation_id, local_payload_json,
			remote_payload_json, detected_at, resolution, resolved_payload_json)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
		c.ID, c.Table, c.OperationID, string(localJSON), string(remoteJSON), c.DetectedAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to save conflict", err)
	}
	return nil
}

// GetConflict returns a conflict by ID.
func (s *Store) GetConflict(id models.UUID) (*models.Conflict, error) {
	row := s.db.QueryRow(`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "conflict not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load conflict", err)
	}
	return c, nil
}

// ListUnresolvedConflicts returns conflicts awaiting resolution, oldest
// first. Conflicts marked manual but still lacking a resolved payload are
// included since they still block their records.
func (s *Store) ListUnresolvedConflicts() ([]*models.Conflict, error) {
	rows, err := s.db.Query(`
		SELECT ` + conflictColumns + ` FROM conflicts
		WHERE resolution IS NULL OR (resolution = 'manual' AND resolved_payload_json IS NULL)
		ORDER BY detected_at, rowid`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CountUnresolvedConflicts returns the number of conflicts still blocking
// their records.
func (s *Store) CountUnresolvedConflicts() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM conflicts
		WHERE resolution IS NULL OR (resolution = 'manual' AND resolved_payload_json IS NULL)`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count conflicts", err)
	}
	return n, nil
}

// SetConflictResolution records how a conflict was settled. A conflict is
// immutable once resolved: the only permitted follow-up is supplying the
// resolved payload for a conflict previously marked manual.
func (s *Store) SetConflictResolution(id models.UUID, resolution models.Resolution, resolvedPayload models.Payload) error {
	c, err := s.GetConflict(id)
	if err != nil {
		return err
	}
	if c.Resolved() {
		return errors.New(errors.ErrConflictResolved, "conflict "+string(id)+" is already resolved")
	}
	if c.Resolution == models.ResolutionManual && resolution != models.ResolutionManual {
		// Manual conflicts may only be completed, not re-strategized.
		return errors.New(errors.ErrConflictResolved, "conflict "+string(id)+" is held for manual resolution")
	}

	var resolvedJSON interface{}
	if resolvedPayload != nil {
		data, err := models.MarshalPayload(resolvedPayload)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "resolved payload not serializable", err)
		}
		resolvedJSON = string(data)
	}

	_, err = s.db.Exec(`
		UPDATE conflicts SET resolution = ?, resolved_payload_json = ? WHERE id = ?`,
		resolution, resolvedJSON, id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to resolve conflict", err)
	}
	return nil
}

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var c models.Conflict
	var localJSON, remoteJSON string
	var resolution, resolvedJSON sql.NullString

	err := row.Scan(&c.ID, &c.Table, &c.OperationID, &localJSON, &remoteJSON,
		&c.DetectedAt, &resolution, &resolvedJSON)
	if err != nil {
		return nil, err
	}

	c.LocalPayload, err = models.UnmarshalPayload([]byte(localJSON))
	if err != nil {
		return nil, err
	}
	c.RemotePayload, err = models.UnmarshalPayload([]byte(remoteJSON))
	if err != nil {
		return nil, err
	}
	if resolution.Valid {
		c.Resolution = models.Resolution(resolution.String)
	}
	if resolvedJSON.Valid && resolvedJSON.String != "" {
		c.ResolvedPayload, err = models.UnmarshalPayload([]byte(resolvedJSON.String))
		if err != nil {
			return nil, err
		}
	}
	return &c, nil
}
