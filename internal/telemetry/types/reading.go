package types

import (
	"fmt"
	"math"
	"time"

	"github.com/espwatch/espwatch/internal/errors"
)

// Metric names carried by ESP telemetry. Units are fixed per name.
const (
	MetricFlowRate         = "flow_rate"         // m3/d
	MetricIntakePressure   = "intake_pressure"   // kPa
	MetricMotorCurrent     = "motor_current"     // A
	MetricMotorTemperature = "motor_temperature" // degC
	MetricVibration        = "vibration"         // mm/s
	MetricDriveFrequency   = "drive_frequency"   // Hz
	MetricGasOilRatio      = "gas_oil_ratio"     // m3/m3
)

// MetricNames lists all known metric names in canonical order. The order
// is fixed because it defines the column layout of chunk files.
var MetricNames = []string{
	MetricFlowRate,
	MetricIntakePressure,
	MetricMotorCurrent,
	MetricMotorTemperature,
	MetricVibration,
	MetricDriveFrequency,
	MetricGasOilRatio,
}

// IsKnownMetric reports whether name is a recognized metric field.
func IsKnownMetric(name string) bool {
	for _, n := range MetricNames {
		if n == name {
			return true
		}
	}
	return false
}

// DefaultQuality is the ingestion-time confidence assigned when the
// producer does not report one.
const DefaultQuality = 100

// Reading is one sensor sample for a pump/well entity.
// (EntityID, TimestampMs) uniquely identifies a reading; duplicate writes
// for the same key upsert rather than create a second row.
type Reading struct {
	EntityID    string             `json:"entity_id"`
	TimestampMs int64              `json:"timestamp_ms"`
	Metrics     map[string]float64 `json:"metrics"`
	Quality     int                `json:"quality"`
}

// Timestamp returns the reading timestamp as a time.Time.
func (r *Reading) Timestamp() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// Key returns the unique identity of this reading.
func (r *Reading) Key() string {
	return fmt.Sprintf("%s/%d", r.EntityID, r.TimestampMs)
}

// Metric returns the named metric value and whether it is present.
func (r *Reading) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// Validate checks required fields, metric names, and value ranges.
// Violations map to ErrValidationFailed on the ingestion path.
func (r *Reading) Validate() error {
	if r.EntityID == "" {
		return errors.Wrap(errors.ErrValidationFailed, "entity_id is required")
	}

	if r.TimestampMs <= 0 {
		return errors.Wrap(errors.ErrValidationFailed, "timestamp_ms is required")
	}

	if len(r.Metrics) == 0 {
		return errors.Wrap(errors.ErrValidationFailed, "at least one metric is required")
	}

	for name, value := range r.Metrics {
		if !IsKnownMetric(name) {
			return errors.Wrapf(errors.ErrValidationFailed, "unknown metric %q", name)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return errors.Wrapf(errors.ErrValidationFailed, "metric %q is not finite", name)
		}
	}

	if r.Quality < 0 || r.Quality > 100 {
		return errors.Wrapf(errors.ErrValidationFailed, "quality %d out of range 0-100", r.Quality)
	}

	return nil
}
