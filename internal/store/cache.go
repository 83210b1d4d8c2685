package store

import (
	"database/sql"
	"time"

	"github.com/agridata/fieldsync/internal/errors"
	"github.com/agridata/fieldsync/internal/models"
)

const cacheColumns = `table_name, record_id, payload_json, remote_id, cached_at, expires_at`

// CacheSet writes the last-known state of a record, overwriting any existing
// entry for the same (table, recordID). A zero ttl means the entry never
// expires; an existing remote ID mapping survives unless a new one is given.
func (s *Store) CacheSet(table, recordID string, payload models.Payload, remoteID string, ttl time.Duration) error {
	payloadJSON, err := models.MarshalPayload(payload)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "cache payload not serializable", err)
	}

	now := time.Now().Unix()
	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = now + int64(ttl.Seconds())
	}

	_, err = s.db.Exec(`
		INSERT INTO cache (table_name, record_id, payload_json, remote_id, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, record_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			remote_id = COALESCE(NULLIF(excluded.remote_id, ''), cache.remote_id),
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		table, recordID, string(payloadJSON), nullableString(remoteID), now, expiresAt)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to write cache entry", err)
	}
	return nil
}

// CacheGet returns the cached state of a record, or nil if absent or
// expired. Expired entries are lazily purged.
func (s *Store) CacheGet(table, recordID string) (*models.CacheEntry, error) {
	row := s.db.QueryRow(`
		SELECT `+cacheColumns+` FROM cache WHERE table_name = ? AND record_id = ?`,
		table, recordID)
	entry, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read cache entry", err)
	}
	if entry.Expired(time.Now()) {
		_ = s.CacheDelete(table, recordID)
		return nil, nil
	}
	return entry, nil
}

// CacheList returns all unexpired entries for a table.
func (s *Store) CacheList(table string) ([]*models.CacheEntry, error) {
	rows, err := s.db.Query(`
		SELECT `+cacheColumns+` FROM cache WHERE table_name = ? ORDER BY record_id`, table)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list cache entries", err)
	}
	defer rows.Close()

	now := time.Now()
	var entries []*models.CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan cache entry", err)
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CacheRemoteID returns the server-assigned identifier recorded for a
// record, if known.
func (s *Store) CacheRemoteID(table, recordID string) (string, error) {
	var remoteID sql.NullString
	err := s.db.QueryRow(`
		SELECT remote_id FROM cache WHERE table_name = ? AND record_id = ?`,
		table, recordID).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "failed to read cache remote id", err)
	}
	return remoteID.String, nil
}

// CacheDelete removes a record from the cache (explicit invalidation, e.g.
// a local delete that must be visible before remote confirmation).
func (s *Store) CacheDelete(table, recordID string) error {
	_, err := s.db.Exec(`DELETE FROM cache WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to delete cache entry", err)
	}
	return nil
}

// PurgeExpiredCache removes all entries past their expiry and returns the
// number removed.
func (s *Store) PurgeExpiredCache() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM cache WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().Unix())
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to purge expired cache", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanCacheEntry(row rowScanner) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	var payloadJSON string
	var remoteID sql.NullString
	var expiresAt sql.NullInt64

	err := row.Scan(&entry.Table, &entry.RecordID, &payloadJSON, &remoteID,
		&entry.CachedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	entry.Payload, err = models.UnmarshalPayload([]byte(payloadJSON))
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		entry.RemoteID = remoteID.String
	}
	if expiresAt.Valid {
		entry.ExpiresAt = expiresAt.Int64
	}
	return &entry, nil
}
