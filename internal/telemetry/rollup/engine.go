package rollup

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/espwatch/espwatch/internal/config"
	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry/catalog"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

var log = logging.Component("rollup")

// ReadingSource is the raw-data view the engine aggregates from. The
// store satisfies it. The read is uncapped: a bucket's statistics must
// cover every reading it holds, not a row-limited prefix.
type ReadingSource interface {
	QueryAll(ctx context.Context, entityID string, from, to time.Time) ([]types.Reading, error)
}

// Engine computes and serves rollup rows.
type Engine struct {
	cfg     *config.Config
	source  ReadingSource
	catalog *catalog.Catalog
	scorer  Scorer

	// now is replaceable for tests.
	now func() time.Time
}

// NewEngine creates a rollup engine. A nil scorer falls back to the
// configured band scorer.
func NewEngine(cfg *config.Config, source ReadingSource, cat *catalog.Catalog, scorer Scorer) *Engine {
	if scorer == nil {
		scorer = NewBandScorer(cfg.Scoring.Bands)
	}
	return &Engine{
		cfg:     cfg,
		source:  source,
		catalog: cat,
		scorer:  scorer,
		now:     time.Now,
	}
}

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	BucketsExamined int `json:"buckets_examined"`
	RowsUpdated     int `json:"rows_updated"`
	RowsStale       int `json:"rows_stale"`
}

func (r *RefreshResult) merge(other RefreshResult) {
	r.BucketsExamined += other.BucketsExamined
	r.RowsUpdated += other.RowsUpdated
	r.RowsStale += other.RowsStale
}

// RefreshAll refreshes both rollup granularities.
func (e *Engine) RefreshAll(ctx context.Context, since time.Time) (RefreshResult, error) {
	var total RefreshResult
	for _, g := range types.RollupGranularities() {
		res, err := e.Refresh(ctx, g, since)
		total.merge(res)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Refresh recomputes every dirty bucket at one granularity with bucket
// start >= since. RowsUpdated counts only rows whose values actually
// changed, so a second refresh with no new raw data reports zero.
//
// A bucket whose recomputation fails is not lost: its existing row is
// marked stale and the dirty flag stays set for the next cycle.
func (e *Engine) Refresh(ctx context.Context, g types.Granularity, since time.Time) (RefreshResult, error) {
	var res RefreshResult

	dirty, err := e.catalog.ListDirty(g, since.UnixMilli())
	if err != nil {
		return res, fmt.Errorf("list dirty buckets: %w", err)
	}

	for _, d := range dirty {
		if err := ctx.Err(); err != nil {
			return res, xerrors.Wrap(xerrors.ErrTimeout, "rollup refresh")
		}
		res.BucketsExamined++

		updated, err := e.refreshBucket(ctx, g, d.EntityID, d.BucketMs)
		if err != nil {
			res.RowsStale++
			e.markStale(g, d.EntityID, d.BucketMs)
			log.Warn("bucket refresh failed",
				"granularity", g.String(), "entity", d.EntityID,
				"bucket", d.BucketMs, "error", err)
			continue
		}
		if updated {
			res.RowsUpdated++
		}
	}

	if res.BucketsExamined > 0 {
		log.Info("rollup refresh",
			"granularity", g.String(),
			"buckets", res.BucketsExamined,
			"updated", res.RowsUpdated,
			"stale", res.RowsStale)
	}

	return res, nil
}

// refreshBucket recomputes one (entity, bucket) row from raw data and
// stores it if its values changed. The dirty mark is cleared only once
// the bucket is closed; the current bucket stays dirty so it keeps
// getting recomputed while data flows.
func (e *Engine) refreshBucket(ctx context.Context, g types.Granularity, entity string, bucketMs int64) (bool, error) {
	bucketEndMs := bucketMs + g.Duration().Milliseconds()
	closed := e.bucketClosed(bucketEndMs)

	from := time.UnixMilli(bucketMs)
	to := time.UnixMilli(bucketEndMs - 1)

	readings, err := e.source.QueryAll(ctx, entity, from, to)
	if err != nil {
		return false, fmt.Errorf("query raw: %w", err)
	}

	if len(readings) == 0 {
		// Raw data retired out from under the mark; nothing to aggregate.
		if closed {
			if err := e.catalog.ClearDirty(g, entity, bucketMs); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	row, err := e.computeRow(g, entity, bucketMs, bucketEndMs, readings)
	if err != nil {
		return false, err
	}
	row.Closed = closed

	existing, err := e.catalog.GetRollupRow(g, entity, bucketMs)
	changed := true
	if err == nil {
		changed = !rowsEqual(&existing, &row)
	} else if !xerrors.IsNotFound(err) {
		return false, err
	}

	if changed {
		row.UpdatedAtMs = e.now().UnixMilli()
		if err := e.catalog.PutRollupRow(row); err != nil {
			return false, fmt.Errorf("store row: %w", err)
		}
	} else if existing.IsStale() {
		// Values are unchanged but the stale marker must come off.
		existing.StaleSinceMs = 0
		if err := e.catalog.PutRollupRow(existing); err != nil {
			return false, fmt.Errorf("clear stale marker: %w", err)
		}
	}

	if closed {
		if err := e.catalog.ClearDirty(g, entity, bucketMs); err != nil {
			return false, err
		}
	}

	return changed, nil
}

// computeRow aggregates readings into a rollup row. Aggregation is
// deterministic for a given reading set.
func (e *Engine) computeRow(g types.Granularity, entity string, bucketMs, bucketEndMs int64, readings []types.Reading) (types.RollupRow, error) {
	aggs := make(map[string]*aggregate)

	for i := range readings {
		for name, value := range readings[i].Metrics {
			agg, ok := aggs[name]
			if !ok {
				var err error
				agg, err = newAggregate(e.cfg.Rollup.SketchAccuracy)
				if err != nil {
					return types.RollupRow{}, err
				}
				aggs[name] = agg
			}
			agg.add(value)
		}
	}

	stats := make(map[string]types.MetricStats, len(aggs))
	for name, agg := range aggs {
		stats[name] = agg.stats()
	}

	efficiency, health := e.scorer.Score(stats)

	return types.RollupRow{
		EntityID:        entity,
		Granularity:     g,
		BucketStartMs:   bucketMs,
		BucketEndMs:     bucketEndMs,
		Metrics:         stats,
		EfficiencyScore: efficiency,
		HealthScore:     health,
	}, nil
}

// markStale flags an existing row as stale after a failed refresh.
// Readers keep getting the previous values plus the marker.
func (e *Engine) markStale(g types.Granularity, entity string, bucketMs int64) {
	row, err := e.catalog.GetRollupRow(g, entity, bucketMs)
	if err != nil {
		return // no previous row to preserve
	}
	if row.IsStale() {
		return
	}

	row.StaleSinceMs = e.now().UnixMilli()
	if err := e.catalog.PutRollupRow(row); err != nil {
		log.Warn("mark row stale", "entity", entity, "bucket", bucketMs, "error", err)
	}
}

// bucketClosed reports whether the late-arrival window for a bucket has
// passed.
func (e *Engine) bucketClosed(bucketEndMs int64) bool {
	deadline := bucketEndMs + e.cfg.Chunking.LateArrival.Milliseconds()
	return e.now().UnixMilli() >= deadline
}

// rowsEqual compares the value content of two rows, ignoring bookkeeping
// fields.
func rowsEqual(a, b *types.RollupRow) bool {
	if a.EntityID != b.EntityID ||
		a.BucketStartMs != b.BucketStartMs ||
		a.BucketEndMs != b.BucketEndMs ||
		a.EfficiencyScore != b.EfficiencyScore ||
		a.HealthScore != b.HealthScore ||
		a.Closed != b.Closed {
		return false
	}
	return reflect.DeepEqual(a.Metrics, b.Metrics)
}

// Query returns rollup rows for one entity in [from, to], ascending by
// bucket start. Raw granularity is served by the store, not here.
func (e *Engine) Query(entity string, g types.Granularity, from, to time.Time) ([]types.RollupRow, error) {
	if g != types.GranularityHourly && g != types.GranularityDaily {
		return nil, xerrors.Wrapf(xerrors.ErrValidationFailed, "granularity %s has no rollup rows", g)
	}
	return e.catalog.QueryRollup(entity, g, from.UnixMilli(), to.UnixMilli())
}

// Retire deletes rollup rows older than the rollup retention cutoff.
// Rollups outlive the raw data they were computed from.
func (e *Engine) Retire(cutoff time.Time) (int, error) {
	var total int
	for _, g := range types.RollupGranularities() {
		n, err := e.catalog.DeleteRollupBefore(g, cutoff.UnixMilli())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
