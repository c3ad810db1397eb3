// Package rollup maintains pre-aggregated hourly and daily views of raw
// telemetry.
//
// The engine is incremental: the store marks (entity, bucket) pairs dirty
// as readings arrive, and each refresh recomputes exactly the dirty
// buckets from raw data. Recomputing from raw rather than merging partial
// aggregates keeps refresh idempotent and makes late arrivals free.
package rollup

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// aggregate accumulates one metric's statistics for one bucket. Medians
// come from a DDSketch with configurable relative accuracy; moments are
// tracked exactly.
type aggregate struct {
	count  int64
	sum    float64
	sumSq  float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

func newAggregate(relativeAccuracy float64) (*aggregate, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
	if err != nil {
		return nil, fmt.Errorf("create sketch: %w", err)
	}

	return &aggregate{
		min:    math.Inf(1),
		max:    math.Inf(-1),
		sketch: sketch,
	}, nil
}

func (a *aggregate) add(value float64) {
	a.count++
	a.sum += value
	a.sumSq += value * value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if err := a.sketch.Add(value); err != nil {
		// Only non-finite values are rejected, and validation already
		// filtered those out of the store.
		return
	}
}

// stats finalizes the aggregate into bucket statistics.
func (a *aggregate) stats() types.MetricStats {
	if a.count == 0 {
		return types.MetricStats{}
	}

	avg := a.sum / float64(a.count)

	variance := a.sumSq/float64(a.count) - avg*avg
	if variance < 0 {
		variance = 0
	}

	median, err := a.sketch.GetValueAtQuantile(0.5)
	if err != nil {
		median = avg
	}

	return types.MetricStats{
		Count:  a.count,
		Sum:    a.sum,
		Min:    a.min,
		Max:    a.max,
		Avg:    avg,
		Median: median,
		Stddev: math.Sqrt(variance),
	}
}
