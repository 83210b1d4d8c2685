package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agridata/fieldsync/internal/errors"
	"github.com/agridata/fieldsync/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *Store, table, localID string, kind models.OperationKind, payload models.Payload) *models.Operation {
	t.Helper()
	op := &models.Operation{
		Table:   table,
		Kind:    kind,
		Payload: payload,
		LocalID: localID,
	}
	require.NoError(t, s.EnqueueOperation(op))
	return op
}

func TestEnqueueOperationDurability(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	op := &models.Operation{
		Table:   "fields",
		Kind:    models.OperationCreate,
		Payload: models.Payload{"name": "Field A"},
		LocalID: "local-1",
	}
	require.NoError(t, s.EnqueueOperation(op))
	require.NoError(t, s.Close())

	// Simulated process restart: reload the store from disk.
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	ops, err := s2.ListPendingOperations(10, 3)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Equal(t, models.StatusPending, ops[0].Status)
	assert.True(t, ops[0].Payload.Equal(models.Payload{"name": "Field A"}))
}

func TestListPendingOperationsOrdering(t *testing.T) {
	s := openTestStore(t)

	a := &models.Operation{Table: "fields", Kind: models.OperationUpdate, Payload: models.Payload{"v": 1}, LocalID: "r1", CreatedAt: 100}
	b := &models.Operation{Table: "fields", Kind: models.OperationUpdate, Payload: models.Payload{"v": 2}, LocalID: "r1", CreatedAt: 200}
	c := &models.Operation{Table: "crops", Kind: models.OperationCreate, Payload: models.Payload{"v": 3}, LocalID: "r2", CreatedAt: 50}
	for _, op := range []*models.Operation{b, c, a} { // insertion order shuffled
		require.NoError(t, s.EnqueueOperation(op))
	}

	ops, err := s.ListPendingOperations(10, 3)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	// Ordered by (table, created_at) ascending.
	assert.Equal(t, c.ID, ops[0].ID)
	assert.Equal(t, a.ID, ops[1].ID)
	assert.Equal(t, b.ID, ops[2].ID)
}

func TestListPendingOperationsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		enqueue(t, s, "fields", "r", models.OperationUpdate, models.Payload{"i": i})
	}

	ops, err := s.ListPendingOperations(3, 3)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationCreate, models.Payload{"name": "A"})

	claimed, err := s.MarkSyncing(op.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses the compare-and-set race.
	claimed, err = s.MarkSyncing(op.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.MarkSynced(op.ID, "remote-9"))

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.Status)
	assert.Equal(t, "remote-9", got.RemoteID)

	// Synced operations no longer appear in the pending list.
	ops, err := s.ListPendingOperations(10, 3)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMarkFailedIncrementsAttempts(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"v": 1})

	for i := 1; i <= 2; i++ {
		claimed, err := s.MarkSyncing(op.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, s.MarkFailed(op.ID, "remote timeout"))

		got, err := s.GetOperation(op.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, i, got.Attempts)
		assert.NotZero(t, got.LastAttemptAt)
		assert.Equal(t, "remote timeout", got.LastError)
	}

	// Failed operations stay in the pending list for retry.
	ops, err := s.ListPendingOperations(10, 3)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestMarkFailedPermanentPinsAttempts(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"v": 1})

	claimed, err := s.MarkSyncing(op.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.MarkFailedPermanent(op.ID, "validation rejected", 3))

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestMarkSyncedRequiresSyncingState(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationCreate, models.Payload{"v": 1})

	err := s.MarkSynced(op.ID, "remote-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConstraint))
}

func TestResetSyncing(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationCreate, models.Payload{"v": 1})

	claimed, err := s.MarkSyncing(op.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := s.ResetSyncing()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestForceRetry(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"v": 1})

	claimed, _ := s.MarkSyncing(op.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkFailedPermanent(op.ID, "rejected", 3))

	require.NoError(t, s.ForceRetry(op.ID))

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)

	// Only failed operations can be force-retried.
	err = s.ForceRetry(op.ID)
	assert.True(t, errors.Is(err, errors.ErrConstraint))
}

func TestPropagateRemoteID(t *testing.T) {
	s := openTestStore(t)
	enqueue(t, s, "fields", "r1", models.OperationCreate, models.Payload{"v": 1})
	update := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"v": 2})
	other := enqueue(t, s, "fields", "r2", models.OperationUpdate, models.Payload{"v": 3})

	n, err := s.PropagateRemoteID("fields", "r1", "remote-7")
	require.NoError(t, err)
	assert.Equal(t, 2, n) // create + update for r1, not r2

	got, err := s.GetOperation(update.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote-7", got.RemoteID)

	got, err = s.GetOperation(other.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RemoteID)
}

func TestPurgeSyncedOperations(t *testing.T) {
	s := openTestStore(t)

	old := enqueue(t, s, "fields", "r1", models.OperationCreate, models.Payload{"v": 1})
	claimed, _ := s.MarkSyncing(old.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkSynced(old.ID, "remote-1"))
	// Push the sync timestamp past the retention window.
	_, err := s.db.Exec(`UPDATE operations SET synced_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour).Unix(), old.ID)
	require.NoError(t, err)

	fresh := enqueue(t, s, "fields", "r2", models.OperationCreate, models.Payload{"v": 2})

	n, err := s.PurgeSyncedOperations(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetOperation(old.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = s.GetOperation(fresh.ID)
	assert.NoError(t, err)
}

func TestPurgeGraceCountsFromSyncNotEnqueue(t *testing.T) {
	s := openTestStore(t)

	// Queued for two days (e.g. a long offline stretch), synced just now.
	op := &models.Operation{
		Table: "fields", Kind: models.OperationCreate,
		Payload: models.Payload{"v": 1}, LocalID: "r1",
		CreatedAt: time.Now().Add(-48 * time.Hour).Unix(),
	}
	require.NoError(t, s.EnqueueOperation(op))
	claimed, _ := s.MarkSyncing(op.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkSynced(op.ID, "remote-1"))

	n, err := s.PurgeSyncedOperations(24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "grace period starts when the operation syncs")

	got, err := s.GetOperation(op.ID)
	require.NoError(t, err)
	assert.NotZero(t, got.SyncedAt)
}

func TestConflictPersistenceAndResolutionImmutability(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"x": 5})

	c := &models.Conflict{
		Table:         "fields",
		OperationID:   op.ID,
		LocalPayload:  models.Payload{"x": 5},
		RemotePayload: models.Payload{"x": 9},
	}
	require.NoError(t, s.SaveConflict(c))
	require.NotEmpty(t, c.ID)

	open, err := s.ListUnresolvedConflicts()
	require.NoError(t, err)
	require.Len(t, open, 1)

	n, err := s.CountUnresolvedConflicts()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetConflictResolution(c.ID, models.ResolutionServerWins, models.Payload{"x": 9}))

	// Immutable once resolved.
	err = s.SetConflictResolution(c.ID, models.ResolutionClientWins, models.Payload{"x": 5})
	assert.True(t, errors.Is(err, errors.ErrConflictResolved))

	n, err = s.CountUnresolvedConflicts()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManualConflictStaysOpenUntilPayloadSupplied(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"x": 5})

	c := &models.Conflict{
		Table:         "fields",
		OperationID:   op.ID,
		LocalPayload:  models.Payload{"x": 5},
		RemotePayload: models.Payload{"x": 9},
	}
	require.NoError(t, s.SaveConflict(c))

	require.NoError(t, s.SetConflictResolution(c.ID, models.ResolutionManual, nil))

	// Still counted as unresolved: no payload chosen yet.
	n, err := s.CountUnresolvedConflicts()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A manual conflict cannot be re-strategized...
	err = s.SetConflictResolution(c.ID, models.ResolutionServerWins, models.Payload{"x": 9})
	assert.True(t, errors.Is(err, errors.ErrConflictResolved))

	// ...but it can be completed with a payload.
	require.NoError(t, s.SetConflictResolution(c.ID, models.ResolutionManual, models.Payload{"x": 7}))

	n, err = s.CountUnresolvedConflicts()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHasConflictedOperation(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"x": 5})

	blocked, err := s.HasConflictedOperation("fields", "r1")
	require.NoError(t, err)
	assert.False(t, blocked)

	claimed, _ := s.MarkSyncing(op.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkConflicted(op.ID))

	blocked, err = s.HasConflictedOperation("fields", "r1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestListPendingOperationsExcludesExhausted(t *testing.T) {
	s := openTestStore(t)

	exhausted := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"v": 1})
	claimed, _ := s.MarkSyncing(exhausted.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkFailedPermanent(exhausted.ID, "rejected", 3))

	retryable := enqueue(t, s, "fields", "r2", models.OperationUpdate, models.Payload{"v": 2})
	claimed, _ = s.MarkSyncing(retryable.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkFailed(retryable.ID, "timeout"))

	fresh := enqueue(t, s, "fields", "r3", models.OperationCreate, models.Payload{"v": 3})

	ops, err := s.ListPendingOperations(10, 3)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, retryable.ID, ops[0].ID)
	assert.Equal(t, fresh.ID, ops[1].ID)

	// Back under the budget after a forced retry.
	require.NoError(t, s.ForceRetry(exhausted.ID))
	ops, err = s.ListPendingOperations(10, 3)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestHasExhaustedOperation(t *testing.T) {
	s := openTestStore(t)
	op := enqueue(t, s, "fields", "r1", models.OperationUpdate, models.Payload{"v": 1})

	blocked, err := s.HasExhaustedOperation("fields", "r1", 3)
	require.NoError(t, err)
	assert.False(t, blocked)

	claimed, _ := s.MarkSyncing(op.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkFailed(op.ID, "timeout"))

	// One attempt left in the budget: not exhausted yet.
	blocked, err = s.HasExhaustedOperation("fields", "r1", 3)
	require.NoError(t, err)
	assert.False(t, blocked)

	claimed, _ = s.MarkSyncing(op.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkFailedPermanent(op.ID, "rejected", 3))

	blocked, err = s.HasExhaustedOperation("fields", "r1", 3)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestCacheSetGetOverwrite(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CacheSet("fields", "r1", models.Payload{"name": "A"}, "", time.Hour))
	require.NoError(t, s.CacheSet("fields", "r1", models.Payload{"name": "B"}, "remote-1", time.Hour))

	entry, err := s.CacheGet("fields", "r1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "B", entry.Payload["name"])
	assert.Equal(t, "remote-1", entry.RemoteID)

	// RemoteID mapping survives overwrites that don't carry one.
	require.NoError(t, s.CacheSet("fields", "r1", models.Payload{"name": "C"}, "", time.Hour))
	entry, err = s.CacheGet("fields", "r1")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", entry.RemoteID)

	remoteID, err := s.CacheRemoteID("fields", "r1")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", remoteID)
}

func TestCacheExpiry(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CacheSet("fields", "r1", models.Payload{"name": "A"}, "", time.Hour))

	// Force the entry into the past.
	_, err := s.db.Exec(`UPDATE cache SET expires_at = ? WHERE record_id = 'r1'`,
		time.Now().Add(-time.Second).Unix())
	require.NoError(t, err)

	entry, err := s.CacheGet("fields", "r1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Lazily purged by the read above; a second purge finds nothing.
	n, err := s.PurgeExpiredCache()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeExpiredCache(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CacheSet("fields", "r1", models.Payload{"v": 1}, "", time.Hour))
	require.NoError(t, s.CacheSet("fields", "r2", models.Payload{"v": 2}, "", time.Hour))
	_, err := s.db.Exec(`UPDATE cache SET expires_at = ? WHERE record_id = 'r2'`,
		time.Now().Add(-time.Second).Unix())
	require.NoError(t, err)

	n, err := s.PurgeExpiredCache()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.CacheList("fields")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "r1", entries[0].RecordID)
}

func TestCacheNoTTLNeverExpires(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CacheSet("fields", "r1", models.Payload{"v": 1}, "", 0))

	entry, err := s.CacheGet("fields", "r1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Zero(t, entry.ExpiresAt)
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	enqueue(t, s, "fields", "r1", models.OperationCreate, models.Payload{"v": 1})
	op := enqueue(t, s, "fields", "r2", models.OperationCreate, models.Payload{"v": 2})

	claimed, _ := s.MarkSyncing(op.ID)
	require.True(t, claimed)
	require.NoError(t, s.MarkSynced(op.ID, "remote-2"))

	counts, err := s.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusSynced])
}
