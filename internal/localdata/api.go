// Package localdata is the façade the UI layer calls: mutations always
// succeed locally (queuing for sync), reads never touch the network.
package localdata

import (
	"context"
	"time"

	"github.com/agridata/fieldsync/internal/conflict"
	"github.com/agridata/fieldsync/internal/logging"
	"github.com/agridata/fieldsync/internal/models"
	"github.com/agridata/fieldsync/internal/store"
	"github.com/agridata/fieldsync/internal/sync"
	"github.com/google/uuid"
)

// Record is a cached record returned by reads, annotated with cache age so
// the caller can decide whether to show a stale indicator.
type Record struct {
	RecordID string         `json:"record_id"`
	RemoteID string         `json:"remote_id,omitempty"`
	Payload  models.Payload `json:"payload"`
	CachedAt time.Time      `json:"cached_at"`
	Age      time.Duration  `json:"age"`
	Stale    bool           `json:"stale"` // read while offline; may lag the remote
}

// SyncStatus is the aggregate status contract polled by the UI layer.
type SyncStatus struct {
	IsOnline          bool      `json:"isOnline"`
	PendingOperations int       `json:"pendingOperations"`
	Conflicts         int       `json:"conflicts"`
	SyncRunning       bool      `json:"syncRunning"`
	LastSync          time.Time `json:"lastSync"`
}

// API is the local data façade. Safe for concurrent use from multiple
// callers; the store serializes writes.
type API struct {
	store     *store.Store
	worker    *sync.Worker
	conflicts *conflict.Manager
	online    sync.OnlineChecker
	cacheTTL  time.Duration
}

// New creates the façade.
func New(st *store.Store, worker *sync.Worker, conflicts *conflict.Manager, online sync.OnlineChecker, cacheTTL time.Duration) *API {
	return &API{
		store:     st,
		worker:    worker,
		conflicts: conflicts,
		online:    online,
		cacheTTL:  cacheTTL,
	}
}

// Create writes the record to the cache optimistically, enqueues a create
// operation, and returns the client-assigned identifier. When online the
// sync worker is woken so the operation syncs without waiting for the next
// scheduled cycle; that attempt is best-effort and does not affect the
// queued guarantee.
func (a *API) Create(ctx context.Context, table string, payload models.Payload, actorID string) (string, error) {
	localID := uuid.New().String()

	if err := a.store.CacheSet(table, localID, payload, "", a.cacheTTL); err != nil {
		return "", err
	}

	op := &models.Operation{
		Table:   table,
		Kind:    models.OperationCreate,
		Payload: payload.Clone(),
		LocalID: localID,
		ActorID: actorID,
	}
	if err := a.store.EnqueueOperation(op); err != nil {
		return "", err
	}

	a.kickSync()

	logging.Debug("Record created locally", map[string]interface{}{
		"table":    table,
		"local_id": localID,
		"actor_id": actorID,
	})
	return localID, nil
}

// Update overwrites the cached record (read-your-writes) and enqueues an
// update operation. The cache state before the overwrite is snapshotted as
// the conflict-detection base.
func (a *API) Update(ctx context.Context, table, recordID string, payload models.Payload, actorID string) error {
	var base models.Payload
	var remoteID string
	if entry, err := a.store.CacheGet(table, recordID); err != nil {
		return err
	} else if entry != nil {
		base = entry.Payload
		remoteID = entry.RemoteID
	}

	if err := a.store.CacheSet(table, recordID, payload, remoteID, a.cacheTTL); err != nil {
		return err
	}

	op := &models.Operation{
		Table:       table,
		Kind:        models.OperationUpdate,
		Payload:     payload.Clone(),
		BasePayload: base,
		LocalID:     recordID,
		RemoteID:    remoteID,
		ActorID:     actorID,
	}
	if err := a.store.EnqueueOperation(op); err != nil {
		return err
	}

	a.kickSync()
	return nil
}

// Delete removes the cached record immediately so reads reflect the
// deletion before remote confirmation, then enqueues a delete operation.
func (a *API) Delete(ctx context.Context, table, recordID string, actorID string) error {
	remoteID, err := a.store.CacheRemoteID(table, recordID)
	if err != nil {
		return err
	}

	if err := a.store.CacheDelete(table, recordID); err != nil {
		return err
	}

	op := &models.Operation{
		Table:    table,
		Kind:     models.OperationDelete,
		Payload:  models.Payload{"id": recordID},
		LocalID:  recordID,
		RemoteID: remoteID,
		ActorID:  actorID,
	}
	if err := a.store.EnqueueOperation(op); err != nil {
		return err
	}

	a.kickSync()
	return nil
}

// Get reads from the cache only; it never blocks on the network. With an
// empty recordID all cached records of the table are returned. Expired
// entries are filtered out.
func (a *API) Get(ctx context.Context, table, recordID string) ([]Record, error) {
	now := time.Now()
	offline := !a.online.IsOnline()

	if recordID != "" {
		entry, err := a.store.CacheGet(table, recordID)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		return []Record{toRecord(entry, now, offline)}, nil
	}

	entries, err := a.store.CacheList(table)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		records = append(records, toRecord(entry, now, offline))
	}
	return records, nil
}

// GetSyncStatus returns the aggregate engine status for UI display.
func (a *API) GetSyncStatus() (*SyncStatus, error) {
	counts, err := a.store.CountByStatus()
	if err != nil {
		return nil, err
	}
	conflicts, err := a.store.CountUnresolvedConflicts()
	if err != nil {
		return nil, err
	}

	return &SyncStatus{
		IsOnline: a.online.IsOnline(),
		PendingOperations: counts[models.StatusPending] +
			counts[models.StatusFailed] +
			counts[models.StatusSyncing],
		Conflicts:   conflicts,
		SyncRunning: a.worker.SyncInProgress(),
		LastSync:    a.worker.LastSync(),
	}, nil
}

// ForceSync drains the queue once synchronously, for user-triggered
// "sync now" actions. Backoff eligibility still applies.
func (a *API) ForceSync(ctx context.Context) (*sync.Result, error) {
	return a.worker.RunOnce(ctx)
}

// ListConflicts returns conflicts awaiting resolution, oldest first.
func (a *API) ListConflicts() ([]*models.Conflict, error) {
	return a.store.ListUnresolvedConflicts()
}

// ResolveConflict settles a conflict with the chosen strategy and, when the
// resolution produces a new update, wakes the worker to push it.
func (a *API) ResolveConflict(conflictID string, resolution models.Resolution, resolvedPayload models.Payload) error {
	if err := a.conflicts.Resolve(models.UUID(conflictID), resolution, resolvedPayload); err != nil {
		return err
	}
	a.kickSync()
	return nil
}

// ListFailedOperations returns operations that exhausted their retries and
// need operator attention.
func (a *API) ListFailedOperations() ([]*models.Operation, error) {
	return a.store.ListFailedOperations(a.worker.MaxRetries())
}

// RetryOperation puts a failed operation back in the queue with a fresh
// retry budget.
func (a *API) RetryOperation(operationID string) error {
	if err := a.store.ForceRetry(models.UUID(operationID)); err != nil {
		return err
	}
	a.kickSync()
	return nil
}

// kickSync wakes the worker when online so fresh operations attempt an
// immediate sync.
func (a *API) kickSync() {
	if a.online.IsOnline() {
		a.worker.Wake()
	}
}

func toRecord(entry *models.CacheEntry, now time.Time, stale bool) Record {
	return Record{
		RecordID: entry.RecordID,
		RemoteID: entry.RemoteID,
		Payload:  entry.Payload,
		CachedAt: time.Unix(entry.CachedAt, 0),
		Age:      entry.Age(now),
		Stale:    stale,
	}
}
