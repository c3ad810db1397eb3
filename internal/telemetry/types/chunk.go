package types

import "time"

// EntityScopeAll marks a chunk that covers every entity in its window.
// Chunks are partitioned by time only; per-entity scoping is reserved for
// future splits of very hot entities.
const EntityScopeAll = "all"

// ChunkMeta describes one time partition of raw readings.
// The chunk ID is the window start in unix milliseconds, which makes IDs
// stable across restarts and orderable by time.
type ChunkMeta struct {
	ID          int64  `json:"id"`
	StartMs     int64  `json:"start_ms"`
	EndMs       int64  `json:"end_ms"`
	Compressed  bool   `json:"compressed"`
	EntityScope string `json:"entity_scope"`

	// ReadingCount is maintained on write and compress; informational.
	ReadingCount int64 `json:"reading_count"`
}

// Start returns the chunk window start.
func (c *ChunkMeta) Start() time.Time {
	return time.UnixMilli(c.StartMs)
}

// End returns the chunk window end (exclusive).
func (c *ChunkMeta) End() time.Time {
	return time.UnixMilli(c.EndMs)
}

// Contains reports whether the timestamp falls inside the chunk window.
// The window is half-open: [start, end).
func (c *ChunkMeta) Contains(tsMs int64) bool {
	return tsMs >= c.StartMs && tsMs < c.EndMs
}

// Overlaps reports whether [fromMs, toMs] intersects the chunk window.
func (c *ChunkMeta) Overlaps(fromMs, toMs int64) bool {
	return fromMs < c.EndMs && toMs >= c.StartMs
}

// CoveredBy reports whether [startMs, endMs] fully covers the chunk window.
func (c *ChunkMeta) CoveredBy(startMs, endMs int64) bool {
	return startMs <= c.StartMs && endMs >= c.EndMs
}

// ChunkWindowStart truncates a timestamp to its chunk window start.
func ChunkWindowStart(tsMs int64, window time.Duration) int64 {
	w := window.Milliseconds()
	return tsMs - (tsMs % w)
}
