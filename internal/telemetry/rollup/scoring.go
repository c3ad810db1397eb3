package rollup

import (
	"github.com/espwatch/espwatch/internal/config"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// Scorer derives the efficiency and health scores for one rollup bucket
// from its metric statistics. Both scores are bounded 0-100. The strategy
// is pluggable so operators can swap in pump-model-specific scoring.
type Scorer interface {
	Score(stats map[string]types.MetricStats) (efficiency, health float64)
}

// Metrics feeding each composite score. Efficiency reflects how well the
// pump is producing; health reflects mechanical and thermal condition.
var (
	efficiencyMetrics = []string{
		types.MetricFlowRate,
		types.MetricDriveFrequency,
		types.MetricGasOilRatio,
	}
	healthMetrics = []string{
		types.MetricMotorTemperature,
		types.MetricVibration,
		types.MetricMotorCurrent,
		types.MetricIntakePressure,
	}
)

// BandScorer scores each metric's bucket average against a configured
// band: full score inside the optimal range, linear falloff toward the
// acceptable bounds, zero outside them.
type BandScorer struct {
	bands map[string]config.Band
}

// NewBandScorer builds the default scorer from configured bands.
func NewBandScorer(bands map[string]config.Band) *BandScorer {
	return &BandScorer{bands: bands}
}

// Score implements Scorer. Metrics absent from the bucket or without a
// configured band are skipped; a bucket with no scorable metrics for a
// composite yields zero for it.
func (s *BandScorer) Score(stats map[string]types.MetricStats) (float64, float64) {
	return s.composite(stats, efficiencyMetrics), s.composite(stats, healthMetrics)
}

func (s *BandScorer) composite(stats map[string]types.MetricStats, metrics []string) float64 {
	var weighted, totalWeight float64

	for _, name := range metrics {
		ms, ok := stats[name]
		if !ok || ms.Count == 0 {
			continue
		}
		band, ok := s.bands[name]
		if !ok || band.Weight <= 0 {
			continue
		}

		weighted += bandScore(ms.Avg, band) * band.Weight
		totalWeight += band.Weight
	}

	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}

// bandScore maps a value onto [0, 100] for one band.
func bandScore(value float64, band config.Band) float64 {
	switch {
	case value < band.Min || value > band.Max:
		return 0
	case value >= band.OptimalLow && value <= band.OptimalHigh:
		return 100
	case value < band.OptimalLow:
		span := band.OptimalLow - band.Min
		if span <= 0 {
			return 100
		}
		return 100 * (value - band.Min) / span
	default:
		span := band.Max - band.OptimalHigh
		if span <= 0 {
			return 100
		}
		return 100 * (band.Max - value) / span
	}
}
