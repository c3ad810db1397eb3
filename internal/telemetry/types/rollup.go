package types

import "time"

// MetricStats holds aggregated statistics for one metric in one bucket.
type MetricStats struct {
	Count  int64   `json:"count"`
	Sum    float64 `json:"sum"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Stddev float64 `json:"stddev"`
}

// RollupRow is the pre-aggregated view of one (entity, bucket) pair at a
// fixed granularity. Rows for closed historical buckets are immutable once
// the late-arrival window has passed; the current bucket is recomputed on
// every refresh cycle.
type RollupRow struct {
	EntityID      string      `json:"entity_id"`
	Granularity   Granularity `json:"-"`
	BucketStartMs int64       `json:"bucket_start_ms"`
	BucketEndMs   int64       `json:"bucket_end_ms"`

	// Metrics maps a metric name to its bucket statistics.
	Metrics map[string]MetricStats `json:"metrics"`

	// Derived scores, bounded 0-100, computed by the configured Scorer.
	EfficiencyScore float64 `json:"efficiency_score"`
	HealthScore     float64 `json:"health_score"`

	// Closed marks a bucket whose late-arrival window has passed.
	Closed bool `json:"closed"`

	// StaleSinceMs is nonzero when the last refresh of this row failed;
	// readers get the previous values plus this marker instead of an error.
	StaleSinceMs int64 `json:"stale_since_ms,omitempty"`

	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// BucketStart returns the bucket start as a time.Time.
func (r *RollupRow) BucketStart() time.Time {
	return time.UnixMilli(r.BucketStartMs)
}

// BucketEnd returns the bucket end as a time.Time.
func (r *RollupRow) BucketEnd() time.Time {
	return time.UnixMilli(r.BucketEndMs)
}

// Count returns the sample count for the named metric.
func (r *RollupRow) Count(metric string) int64 {
	return r.Metrics[metric].Count
}

// IsStale reports whether the row is being served stale.
func (r *RollupRow) IsStale() bool {
	return r.StaleSinceMs != 0
}
