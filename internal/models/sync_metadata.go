package models

import "time"

// SyncMetadata is the single process-wide sync bookkeeping record.
type SyncMetadata struct {
	SchemaVersion      int       `json:"schema_version"`
	LastSyncCheckpoint time.Time `json:"last_sync_checkpoint"`
	DataVersion        int64     `json:"data_version"`
}

// Epoch is the checkpoint of a replica that has never synced.
var Epoch = time.Unix(0, 0).UTC()

// NewSyncMetadata returns first-run metadata with the checkpoint at Epoch.
func NewSyncMetadata(schemaVersion int) *SyncMetadata {
	return &SyncMetadata{
		SchemaVersion:      schemaVersion,
		LastSyncCheckpoint: Epoch,
	}
}

// Advance moves the checkpoint to now, or one nanosecond past the current
// checkpoint when the clock has not moved forward. It never moves backwards.
func (m *SyncMetadata) Advance(now time.Time) time.Time {
	next := now.UTC()
	if !next.After(m.LastSyncCheckpoint) {
		next = m.LastSyncCheckpoint.Add(time.Nanosecond)
	}
	m.LastSyncCheckpoint = next
	return next
}
