// Package diagnose classifies readings into pump-state diagnoses.
//
// The classifier is an ordered decision tree over the current reading and
// a short trailing window of earlier readings. Rule order is significant:
// the first matching rule wins, which is the tie-break policy when a
// reading satisfies several rules at once. Classification is a pure
// function of its inputs, so any diagnosis can be replayed from stored
// raw data.
package diagnose

import (
	"math"

	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// Window is a trailing sequence of readings for one entity, ordered by
// timestamp ascending, not including the reading under classification.
type Window struct {
	readings []types.Reading
}

// NewWindow builds a window from readings already ordered by timestamp.
func NewWindow(readings []types.Reading) *Window {
	return &Window{readings: readings}
}

// Len returns the number of readings in the window.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	return len(w.readings)
}

// Mean returns the mean of a metric over the window and the number of
// samples that carried it.
func (w *Window) Mean(metric string) (float64, int) {
	if w == nil {
		return 0, 0
	}

	var sum float64
	var n int
	for i := range w.readings {
		if v, ok := w.readings[i].Metric(metric); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// Stddev returns the population standard deviation of a metric over the
// window and the number of samples that carried it.
func (w *Window) Stddev(metric string) (float64, int) {
	mean, n := w.Mean(metric)
	if n < 2 {
		return 0, n
	}

	var sumSq float64
	for i := range w.readings {
		if v, ok := w.readings[i].Metric(metric); ok {
			d := v - mean
			sumSq += d * d
		}
	}
	return math.Sqrt(sumSq / float64(n)), n
}

// RatePerHour returns the metric's rate of change in units per hour,
// computed between the oldest and newest window samples carrying it.
// The second return is false when fewer than two samples carry the
// metric or they share a timestamp.
func (w *Window) RatePerHour(metric string) (float64, bool) {
	if w == nil {
		return 0, false
	}

	var (
		firstVal, lastVal float64
		firstTs, lastTs   int64
		found             bool
	)

	for i := range w.readings {
		v, ok := w.readings[i].Metric(metric)
		if !ok {
			continue
		}
		if !found {
			firstVal, firstTs = v, w.readings[i].TimestampMs
			found = true
		}
		lastVal, lastTs = v, w.readings[i].TimestampMs
	}

	if !found || lastTs == firstTs {
		return 0, false
	}

	hours := float64(lastTs-firstTs) / float64(3600*1000)
	return (lastVal - firstVal) / hours, true
}

// Latest returns the newest reading in the window, or nil when empty.
func (w *Window) Latest() *types.Reading {
	if w.Len() == 0 {
		return nil
	}
	return &w.readings[len(w.readings)-1]
}
