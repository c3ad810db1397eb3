package types

import "time"

// BackupRecord is the metadata for one completed backup. Records are
// created by the backup manager after a successful dump and verify, and
// are never mutated afterwards.
type BackupRecord struct {
	ID            string `json:"id"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	CoversStartMs int64  `json:"covers_start_ms"`
	CoversEndMs   int64  `json:"covers_end_ms"`
	StorageKey    string `json:"storage_location"`
	Checksum      string `json:"checksum"`
	Verified      bool   `json:"verified"`
	SizeBytes     int64  `json:"size_bytes"`
	ReadingCount  int64  `json:"reading_count"`

	// Safety marks an automatic pre-restore snapshot.
	Safety bool `json:"safety,omitempty"`
}

// CreatedAt returns the creation time.
func (b *BackupRecord) CreatedAt() time.Time {
	return time.UnixMilli(b.CreatedAtMs)
}

// Covers reports whether the backup range fully covers [startMs, endMs].
// The retention job may delete a chunk only when a verified record
// covers it.
func (b *BackupRecord) Covers(startMs, endMs int64) bool {
	return b.CoversStartMs <= startMs && b.CoversEndMs >= endMs
}
