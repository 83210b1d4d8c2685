// Package conflict provides divergence detection and resolution between
// local mutations and remote record state.
package conflict

import (
	"time"

	"github.com/agridata/fieldsync/internal/errors"
	"github.com/agridata/fieldsync/internal/logging"
	"github.com/agridata/fieldsync/internal/models"
	"github.com/agridata/fieldsync/internal/store"
)

// Manager detects and resolves conflicts, persisting every detection until
// it is explicitly resolved.
type Manager struct {
	store    *store.Store
	cacheTTL time.Duration
}

// NewManager creates a conflict manager over the local store. cacheTTL is
// used when a resolution adopts state into the record cache.
func NewManager(st *store.Store, cacheTTL time.Duration) *Manager {
	return &Manager{store: st, cacheTTL: cacheTTL}
}

// Detect decides whether the remote record diverged from the client's
// last-known base in a way that cannot be silently merged.
//
// A conflict exists when the remote changed since the base was observed AND
// the local change touches an overlapping field with a different value. If
// the two sides changed disjoint fields, the changes are merged field-wise
// and the merged payload is returned with no conflict.
//
// Detected conflicts are persisted before returning.
func (m *Manager) Detect(table string, operationID models.UUID, local, remoteCurrent, base models.Payload) (*models.Conflict, models.Payload, error) {
	// Base never observed: nothing to compare against, take the local write.
	if base == nil {
		return nil, nil, nil
	}

	// Server unchanged since last observation: apply local as-is.
	if remoteCurrent.Equal(base) {
		return nil, nil, nil
	}

	localChanged := models.ChangedFields(base, local)
	remoteChanged := models.ChangedFields(base, remoteCurrent)

	overlap := false
	for field := range localChanged {
		if _, ok := remoteChanged[field]; !ok {
			continue
		}
		// Both sides touched the field; only a real disagreement conflicts.
		if !models.ValueEqual(local[field], remoteCurrent[field]) {
			overlap = true
			break
		}
	}

	if !overlap {
		merged := mergeDisjoint(remoteCurrent, local, localChanged)
		logging.Debug("Auto-merged disjoint field changes", map[string]interface{}{
			"table":        table,
			"operation_id": operationID,
			"local_fields": len(localChanged),
		})
		return nil, merged, nil
	}

	conflict := &models.Conflict{
		Table:         table,
		OperationID:   operationID,
		LocalPayload:  local.Clone(),
		RemotePayload: remoteCurrent.Clone(),
		DetectedAt:    time.Now().Unix(),
	}
	if err := m.store.SaveConflict(conflict); err != nil {
		return nil, nil, err
	}

	logging.Warn("Conflict detected", map[string]interface{}{
		"table":        table,
		"operation_id": operationID,
		"conflict_id":  conflict.ID,
	})

	return conflict, nil, nil
}

// mergeDisjoint starts from the current remote state and applies the local
// side's changed fields on top.
func mergeDisjoint(remoteCurrent, local models.Payload, localChanged map[string]struct{}) models.Payload {
	merged := remoteCurrent.Clone()
	if merged == nil {
		merged = models.Payload{}
	}
	for field := range localChanged {
		if v, ok := local[field]; ok {
			merged[field] = v
		} else {
			// Field removed locally.
			delete(merged, field)
		}
	}
	return merged
}

// Resolve settles a conflict with the given strategy.
//
//   - ServerWins discards the local payload and adopts the remote state into
//     the cache; the blocked operation is marked synced.
//   - ClientWins reissues the local payload as a fresh forced update.
//   - Merge does the same with a caller-supplied payload.
//   - Manual records that the conflict is held for UI-driven resolution; the
//     record stays blocked until Resolve is called again with a payload.
func (m *Manager) Resolve(conflictID models.UUID, resolution models.Resolution, resolvedPayload models.Payload) error {
	c, err := m.store.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if c.Resolved() {
		return errors.New(errors.ErrConflictResolved, "conflict "+string(conflictID)+" is already resolved")
	}

	op, err := m.store.GetOperation(c.OperationID)
	if err != nil {
		return err
	}

	switch resolution {
	case models.ResolutionServerWins:
		return m.resolveWith(c, op, resolution, c.RemotePayload, false)

	case models.ResolutionClientWins:
		return m.resolveWith(c, op, resolution, c.LocalPayload, true)

	case models.ResolutionMerge:
		if resolvedPayload == nil {
			return errors.New(errors.ErrMergePayloadNeeded, "merge resolution requires a resolved payload")
		}
		return m.resolveWith(c, op, resolution, resolvedPayload, true)

	case models.ResolutionManual:
		if resolvedPayload != nil {
			// Second step of manual resolution: the operator chose a payload.
			return m.resolveWith(c, op, models.ResolutionManual, resolvedPayload, true)
		}
		if err := m.store.SetConflictResolution(conflictID, models.ResolutionManual, nil); err != nil {
			return err
		}
		logging.Info("Conflict held for manual resolution", map[string]interface{}{
			"conflict_id": conflictID,
			"table":       c.Table,
		})
		return nil

	default:
		return errors.New(errors.ErrInvalid, "unknown resolution strategy: "+string(resolution))
	}
}

// resolveWith records the resolution, unblocks the operation, and adopts the
// chosen payload into the cache. When the chosen payload must reach the
// remote it is reissued as a fresh update based on the remote state, so the
// next sync applies it without re-detecting the same conflict.
func (m *Manager) resolveWith(c *models.Conflict, op *models.Operation, resolution models.Resolution, chosen models.Payload, pushToRemote bool) error {
	if err := m.store.SetConflictResolution(c.ID, resolution, chosen); err != nil {
		return err
	}

	// The conflicted operation is settled; the reissued operation (if any)
	// carries the surviving payload forward.
	if err := m.store.MarkSettled(op.ID); err != nil {
		return err
	}

	if err := m.store.CacheSet(c.Table, op.LocalID, chosen, op.RemoteID, m.cacheTTL); err != nil {
		return err
	}

	if pushToRemote {
		reissued := &models.Operation{
			Table:       c.Table,
			Kind:        models.OperationUpdate,
			Payload:     chosen.Clone(),
			BasePayload: c.RemotePayload.Clone(),
			LocalID:     op.LocalID,
			RemoteID:    op.RemoteID,
			ActorID:     op.ActorID,
		}
		if err := m.store.EnqueueOperation(reissued); err != nil {
			return err
		}
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": c.ID,
		"table":       c.Table,
		"resolution":  resolution,
		"reissued":    pushToRemote,
	})
	return nil
}
