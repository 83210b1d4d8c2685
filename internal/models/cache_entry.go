package models

import "time"

// CacheEntry is the last-known materialized state of a record, consulted
// for reads without contacting the remote.
type CacheEntry struct {
	Table    string  `db:"table_name" json:"table"`
	RecordID string  `db:"record_id" json:"record_id"`
	Payload  Payload `db:"payload_json" json:"payload"`

	// RemoteID is the server-assigned identifier once known. Local creates
	// cache under their client-assigned ID; RemoteID fills in after the
	// create syncs.
	RemoteID string `db:"remote_id" json:"remote_id,omitempty"`

	CachedAt  int64 `db:"cached_at" json:"cached_at"`
	ExpiresAt int64 `db:"expires_at" json:"expires_at,omitempty"` // 0 = never expires
}

// TableName returns the storage table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache"
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && e.ExpiresAt <= now.Unix()
}

// Age returns how long ago the entry was cached.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(e.CachedAt, 0))
}
