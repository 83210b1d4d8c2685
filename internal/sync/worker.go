// Package sync drains the pending operation queue against the remote
// authority on a background schedule, with bounded retries, exponential
// backoff, and conflict detection.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/agridata/fieldsync/internal/conflict"
	"github.com/agridata/fieldsync/internal/errors"
	"github.com/agridata/fieldsync/internal/logging"
	"github.com/agridata/fieldsync/internal/models"
	"github.com/agridata/fieldsync/internal/remote"
	"github.com/agridata/fieldsync/internal/store"
)

// OnlineChecker reports the last-known connectivity state. Satisfied by
// *connectivity.Monitor.
type OnlineChecker interface {
	IsOnline() bool
}

// Options configures the worker. Zero values fall back to defaults.
type Options struct {
	Interval        time.Duration // sync cycle interval (default 30s)
	BatchSize       int           // max operations fetched per cycle (default 50)
	MaxRetries      int           // attempts before an operation needs operator action (default 3)
	MaxBackoff      time.Duration // retry backoff cap (default 5m)
	CacheTTL        time.Duration // lifetime of cache entries refreshed on sync (default 24h)
	SyncedRetention time.Duration // grace period before synced operations are purged (default 24h)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 5 * time.Minute
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 24 * time.Hour
	}
	if out.SyncedRetention <= 0 {
		out.SyncedRetention = 24 * time.Hour
	}
	return out
}

// Result summarizes one drain of the queue.
type Result struct {
	Succeeded  int
	Failed     int
	Conflicted int
	Skipped    int
	Total      int
}

// Worker is the background sync engine. One worker goroutine runs per
// process; local-data callers only enqueue and wake it.
type Worker struct {
	store     *store.Store
	remote    remote.Store
	conflicts *conflict.Manager
	online    OnlineChecker
	opts      Options

	mu       gosync.RWMutex
	running  bool
	syncing  bool
	lastSync time.Time

	stopCh chan struct{}
	wakeCh chan struct{}
	wg     gosync.WaitGroup

	// now is swappable for backoff tests.
	now func() time.Time
}

// NewWorker creates a sync worker.
func NewWorker(st *store.Store, rs remote.Store, cm *conflict.Manager, online OnlineChecker, opts Options) *Worker {
	return &Worker{
		store:     st,
		remote:    rs,
		conflicts: cm,
		online:    online,
		opts:      opts.withDefaults(),
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Start launches the background loop. Any operation stranded in syncing by
// a previous crash is reset to pending first. A stopped worker may be
// started again.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stopCh := w.stopCh
	w.mu.Unlock()

	if _, err := w.store.ResetSyncing(); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx, stopCh)

	logging.Info("Sync worker started", map[string]interface{}{
		"interval":   w.opts.Interval.String(),
		"batch_size": w.opts.BatchSize,
	})
	return nil
}

// Stop signals the loop to exit and waits for the in-flight batch to
// finish. Afterwards any operation still marked syncing is reset to pending
// so the next run retries it.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh := w.stopCh
	w.mu.Unlock()

	close(stopCh)
	w.wg.Wait()

	if _, err := w.store.ResetSyncing(); err != nil {
		logging.Error("Failed to reset in-flight operations on stop", err, nil)
	}

	logging.Info("Sync worker stopped", nil)
}

// Wake nudges the loop to drain immediately instead of waiting for the next
// tick. Non-blocking; used after a local write while online.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Running reports whether the background loop is active.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// SyncInProgress reports whether a drain is currently executing.
func (w *Worker) SyncInProgress() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.syncing
}

// MaxRetries returns the configured retry budget.
func (w *Worker) MaxRetries() int {
	return w.opts.MaxRetries
}

// LastSync returns when the last drain completed, zero if never.
func (w *Worker) LastSync() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSync
}

func (w *Worker) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}

		if !w.online.IsOnline() {
			continue
		}

		if _, err := w.RunOnce(ctx); err != nil &&
			!errors.Is(err, errors.ErrSyncInProgress) && !errors.Is(err, errors.ErrSyncOffline) {
			logging.Error("Sync cycle failed", err, nil)
		}

		w.gc()
	}
}

// gc sweeps expired cache entries and old synced operations. Best effort;
// failures are logged and retried next cycle.
func (w *Worker) gc() {
	if n, err := w.store.PurgeExpiredCache(); err != nil {
		logging.Error("Cache purge failed", err, nil)
	} else if n > 0 {
		logging.Debug("Purged expired cache entries", map[string]interface{}{"count": n})
	}
	if n, err := w.store.PurgeSyncedOperations(w.opts.SyncedRetention); err != nil {
		logging.Error("Operation purge failed", err, nil)
	} else if n > 0 {
		logging.Debug("Purged synced operations", map[string]interface{}{"count": n})
	}
}

// RunOnce drains the queue a single time, used by both the background loop
// and user-triggered force sync. Respects backoff eligibility. Only one
// drain runs at a time; a concurrent call returns ErrSyncInProgress, and a
// drain attempted while offline returns ErrSyncOffline without burning any
// retry attempts.
func (w *Worker) RunOnce(ctx context.Context) (*Result, error) {
	if !w.online.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "cannot sync while offline")
	}

	w.mu.Lock()
	if w.syncing {
		w.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	w.syncing = true
	stopCh := w.stopCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.syncing = false
		w.lastSync = w.now()
		w.mu.Unlock()
	}()

	ops, err := w.store.ListPendingOperations(w.opts.BatchSize, w.opts.MaxRetries)
	if err != nil {
		return nil, err
	}

	result := &Result{Total: len(ops)}
	if len(ops) == 0 {
		return result, nil
	}

	// Group into per-record chains so operations on the same (table,
	// localID) are never reordered. ops arrive sorted by (table,
	// created_at), so chains inherit FIFO order.
	type recordKey struct {
		table   string
		localID string
	}
	chains := make(map[recordKey][]*models.Operation)
	var order []recordKey
	for _, op := range ops {
		key := recordKey{op.Table, op.LocalID}
		if _, seen := chains[key]; !seen {
			order = append(order, key)
		}
		chains[key] = append(chains[key], op)
	}

	for _, key := range order {
		// A stop request finishes the current operation, not the batch.
		select {
		case <-stopCh:
			return result, nil
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		blocked, err := w.blockedRecord(key.table, key.localID)
		if err != nil {
			return result, err
		}
		if blocked {
			result.Skipped += len(chains[key])
			continue
		}

		for _, op := range chains[key] {
			select {
			case <-stopCh:
				return result, nil
			case <-ctx.Done():
				return result, ctx.Err()
			default:
			}

			if !w.eligible(op) {
				// Backoff not elapsed, or retries exhausted. Successors on
				// the same record must keep waiting behind it.
				result.Skipped++
				break
			}

			outcome := w.processOne(ctx, op)
			switch outcome {
			case models.StatusSynced:
				result.Succeeded++
				continue
			case models.StatusConflicted:
				result.Conflicted++
			case models.StatusFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			// A failed or conflicted predecessor blocks its successors to
			// preserve per-record ordering.
			break
		}
	}

	logging.Info("Sync cycle completed", map[string]interface{}{
		"total":      result.Total,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"conflicted": result.Conflicted,
		"skipped":    result.Skipped,
	})

	return result, nil
}

// blockedRecord reports whether a record's chain must wait: an unresolved
// conflict or an exhausted-retries failure on any of its operations blocks
// queued successors so per-record ordering survives operator intervention.
func (w *Worker) blockedRecord(table, localID string) (bool, error) {
	conflicted, err := w.store.HasConflictedOperation(table, localID)
	if err != nil || conflicted {
		return conflicted, err
	}
	return w.store.HasExhaustedOperation(table, localID, w.opts.MaxRetries)
}

// eligible applies the retry policy: a failed attempt n is retried only
// after min(2^n, maxBackoff) seconds have elapsed, and never once retries
// are exhausted.
func (w *Worker) eligible(op *models.Operation) bool {
	if op.Attempts == 0 {
		return true
	}
	if op.Attempts >= w.opts.MaxRetries {
		return false
	}
	wait := backoffDelay(op.Attempts, w.opts.MaxBackoff)
	elapsed := w.now().Sub(time.Unix(op.LastAttemptAt, 0))
	return elapsed >= wait
}

// backoffDelay returns min(2^attempts, cap) seconds.
func backoffDelay(attempts int, maxBackoff time.Duration) time.Duration {
	if attempts >= 63 {
		return maxBackoff
	}
	delay := time.Duration(1<<uint(attempts)) * time.Second
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// processOne attempts a single operation and returns the status it ended
// in. Errors from one operation never abort the batch.
func (w *Worker) processOne(ctx context.Context, op *models.Operation) models.OperationStatus {
	claimed, err := w.store.MarkSyncing(op.ID)
	if err != nil {
		logging.Error("Failed to claim operation", err, map[string]interface{}{"operation_id": op.ID})
		return op.Status
	}
	if !claimed {
		// Lost the race to a concurrent drain.
		return op.Status
	}

	var status models.OperationStatus
	switch op.Kind {
	case models.OperationCreate:
		status = w.processCreate(ctx, op)
	case models.OperationUpdate:
		status = w.processUpdate(ctx, op)
	case models.OperationDelete:
		status = w.processDelete(ctx, op)
	default:
		w.fail(op, remote.Permanent(fmt.Sprintf("unknown operation kind %q", op.Kind), nil))
		status = models.StatusFailed
	}
	return status
}

func (w *Worker) processCreate(ctx context.Context, op *models.Operation) models.OperationStatus {
	// The client-assigned ID doubles as the idempotency key, so a create
	// retried after a crash between remote success and local commit does
	// not duplicate the record.
	rec, err := w.remote.Create(ctx, op.Table, op.LocalID, op.Payload)
	if err != nil {
		return w.fail(op, err)
	}

	if err := w.store.MarkSynced(op.ID, rec.RemoteID); err != nil {
		logging.Error("Remote create succeeded but local commit failed", err,
			map[string]interface{}{"operation_id": op.ID})
		return models.StatusSyncing
	}

	if _, err := w.store.PropagateRemoteID(op.Table, op.LocalID, rec.RemoteID); err != nil {
		logging.Error("Failed to propagate remote id", err,
			map[string]interface{}{"operation_id": op.ID})
	}

	payload := rec.Payload
	if payload == nil {
		payload = op.Payload
	}
	if err := w.store.CacheSet(op.Table, op.LocalID, payload, rec.RemoteID, w.opts.CacheTTL); err != nil {
		logging.Error("Failed to refresh cache after create", err,
			map[string]interface{}{"operation_id": op.ID})
	}

	logging.Info("Create synced", map[string]interface{}{
		"operation_id": op.ID,
		"table":        op.Table,
		"local_id":     op.LocalID,
		"remote_id":    rec.RemoteID,
	})
	return models.StatusSynced
}

func (w *Worker) processUpdate(ctx context.Context, op *models.Operation) models.OperationStatus {
	remoteID, ok := w.resolveRemoteID(op)
	if !ok {
		// The create this update depends on has not synced yet. Put the
		// operation back and let the chain retry after the create lands.
		if err := w.store.MarkPending(op.ID); err != nil {
			logging.Error("Failed to requeue dependent update", err,
				map[string]interface{}{"operation_id": op.ID})
		}
		return models.StatusPending
	}

	cur, err := w.remote.Fetch(ctx, op.Table, remoteID)
	if err != nil {
		if remote.IsNotFound(err) {
			return w.fail(op, remote.Permanent("record deleted on remote", err))
		}
		return w.fail(op, err)
	}

	c, merged, err := w.conflicts.Detect(op.Table, op.ID, op.Payload, cur.Payload, op.BasePayload)
	if err != nil {
		logging.Error("Conflict detection failed", err, map[string]interface{}{"operation_id": op.ID})
		return w.fail(op, remote.Transient("conflict detection failed", err))
	}
	if c != nil {
		if err := w.store.MarkConflicted(op.ID); err != nil {
			logging.Error("Failed to mark operation conflicted", err,
				map[string]interface{}{"operation_id": op.ID})
		}
		return models.StatusConflicted
	}

	payload := op.Payload
	if merged != nil {
		payload = merged
	}

	rec, err := w.remote.Update(ctx, op.Table, remoteID, payload)
	if err != nil {
		if remote.IsNotFound(err) {
			return w.fail(op, remote.Permanent("record deleted on remote", err))
		}
		return w.fail(op, err)
	}

	if err := w.store.MarkSynced(op.ID, remoteID); err != nil {
		logging.Error("Remote update succeeded but local commit failed", err,
			map[string]interface{}{"operation_id": op.ID})
		return models.StatusSyncing
	}

	refreshed := rec.Payload
	if refreshed == nil {
		refreshed = payload
	}
	if err := w.store.CacheSet(op.Table, op.LocalID, refreshed, remoteID, w.opts.CacheTTL); err != nil {
		logging.Error("Failed to refresh cache after update", err,
			map[string]interface{}{"operation_id": op.ID})
	}

	logging.Info("Update synced", map[string]interface{}{
		"operation_id": op.ID,
		"table":        op.Table,
		"remote_id":    remoteID,
		"merged":       merged != nil,
	})
	return models.StatusSynced
}

func (w *Worker) processDelete(ctx context.Context, op *models.Operation) models.OperationStatus {
	remoteID, ok := w.resolveRemoteID(op)
	if !ok {
		// Deleting a record whose create never reached the remote: the
		// desired end state already holds.
		if err := w.store.MarkSynced(op.ID, ""); err != nil {
			logging.Error("Failed to settle local-only delete", err,
				map[string]interface{}{"operation_id": op.ID})
			return models.StatusSyncing
		}
		return models.StatusSynced
	}

	err := w.remote.Delete(ctx, op.Table, remoteID)
	if err != nil && !remote.IsNotFound(err) {
		return w.fail(op, err)
	}

	if err := w.store.MarkSynced(op.ID, remoteID); err != nil {
		logging.Error("Remote delete succeeded but local commit failed", err,
			map[string]interface{}{"operation_id": op.ID})
		return models.StatusSyncing
	}

	logging.Info("Delete synced", map[string]interface{}{
		"operation_id": op.ID,
		"table":        op.Table,
		"remote_id":    remoteID,
	})
	return models.StatusSynced
}

// resolveRemoteID finds the server-assigned identifier for an operation:
// set directly at enqueue, filled in by a synced predecessor create, or
// recorded on the cache entry.
func (w *Worker) resolveRemoteID(op *models.Operation) (string, bool) {
	if op.RemoteID != "" {
		return op.RemoteID, true
	}
	remoteID, err := w.store.CacheRemoteID(op.Table, op.LocalID)
	if err != nil {
		logging.Error("Failed to look up remote id", err,
			map[string]interface{}{"operation_id": op.ID})
		return "", false
	}
	if remoteID != "" {
		return remoteID, true
	}
	return "", false
}

// fail records a failure per the error taxonomy: transient errors burn one
// attempt and retry with backoff, permanent errors exhaust the budget
// immediately.
func (w *Worker) fail(op *models.Operation, err error) models.OperationStatus {
	if remote.IsTransient(err) {
		if serr := w.store.MarkFailed(op.ID, err.Error()); serr != nil {
			logging.Error("Failed to record transient failure", serr,
				map[string]interface{}{"operation_id": op.ID})
		}
		logging.Warn("Operation failed, will retry", map[string]interface{}{
			"operation_id": op.ID,
			"table":        op.Table,
			"kind":         op.Kind,
			"attempts":     op.Attempts + 1,
			"error":        err.Error(),
		})
	} else {
		if serr := w.store.MarkFailedPermanent(op.ID, err.Error(), w.opts.MaxRetries); serr != nil {
			logging.Error("Failed to record permanent failure", serr,
				map[string]interface{}{"operation_id": op.ID})
		}
		logging.Error("Operation failed permanently, needs operator attention", err,
			map[string]interface{}{
				"operation_id": op.ID,
				"table":        op.Table,
				"kind":         op.Kind,
			})
	}
	return models.StatusFailed
}
