package diagnose

import (
	"math"

	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// Rule is one node of the decision tree. When returns the evidence map
// when the rule fires. All numeric thresholds are inclusive on the stated
// boundary: "temperature >= 100" fires at exactly 100.0.
type Rule struct {
	Name       string
	Code       types.DiagnosisCode
	Severity   types.Severity
	Confidence float64
	Actions    []string
	When       func(rd *types.Reading, win *Window) (map[string]float64, bool)
}

// Fixed rule thresholds. Units follow the metric definitions.
const (
	lowQualityMax = 20 // quality <= 20 is untrustworthy

	overheatTempC     = 100.0 // motor_temperature >= 100 degC
	risingTempFloorC  = 85.0  // rising rule arms at >= 85 degC
	risingRatePerHour = 5.0   // and >= 5 degC/hour sustained

	vibrationCriticalMmS = 18.0 // vibration >= 18 mm/s
	vibrationWarningMmS  = 10.0 // vibration >= 10 mm/s

	pumpOffFrequencyHz = 1.0 // drive_frequency <= 1 Hz

	overloadCriticalA = 160.0 // motor_current >= 160 A
	overloadWarningA  = 130.0 // motor_current >= 130 A
	underloadA        = 10.0  // motor_current <= 10 A while driven
	underloadMinFreq  = 30.0  // "while driven" means drive_frequency >= 30 Hz

	gasRatioHigh         = 1200.0 // gas_oil_ratio >= 1200 alone
	gasRatioElevated     = 800.0  // gas_oil_ratio >= 800 with unstable flow
	gasFlowStddevMin     = 20.0   // unstable flow: window stddev >= 20 m3/d
	frequencyDeviationHz = 5.0    // |freq - window mean| >= 5 Hz
)

// DefaultRules returns the built-in decision tree in evaluation order.
// Order encodes priority: sample-quality screening first, then immediate
// safety conditions, then trend and efficiency conditions.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "low_quality_sample",
			Code:       types.CodeLowQualitySample,
			Severity:   types.SeverityInfo,
			Confidence: 1.0,
			Actions:    []string{"check sensor calibration", "verify downhole gauge connectivity"},
			When: func(rd *types.Reading, _ *Window) (map[string]float64, bool) {
				if rd.Quality <= lowQualityMax {
					return map[string]float64{"quality": float64(rd.Quality)}, true
				}
				return nil, false
			},
		},
		{
			Name:       "motor_overheat",
			Code:       types.CodeMotorOverheat,
			Severity:   types.SeverityCritical,
			Confidence: 0.95,
			Actions: []string{
				"reduce drive frequency immediately",
				"verify motor cooling flow",
				"schedule shutdown if temperature does not fall within 15 minutes",
			},
			When: func(rd *types.Reading, _ *Window) (map[string]float64, bool) {
				if temp, ok := rd.Metric(types.MetricMotorTemperature); ok && temp >= overheatTempC {
					return map[string]float64{types.MetricMotorTemperature: temp}, true
				}
				return nil, false
			},
		},
		{
			Name:       "high_vibration_critical",
			Code:       types.CodeHighVibration,
			Severity:   types.SeverityCritical,
			Confidence: 0.9,
			Actions: []string{
				"reduce drive frequency",
				"inspect for shaft damage or severe scale buildup",
			},
			When: thresholdAtLeast(types.MetricVibration, vibrationCriticalMmS),
		},
		{
			Name:       "pump_off",
			Code:       types.CodePumpOff,
			Severity:   types.SeverityWarning,
			Confidence: 0.85,
			Actions:    []string{"confirm planned shutdown", "check drive power supply"},
			When: func(rd *types.Reading, _ *Window) (map[string]float64, bool) {
				freq, ok := rd.Metric(types.MetricDriveFrequency)
				if !ok || freq > pumpOffFrequencyHz {
					return nil, false
				}
				ev := map[string]float64{types.MetricDriveFrequency: freq}
				if flow, ok := rd.Metric(types.MetricFlowRate); ok {
					ev[types.MetricFlowRate] = flow
				}
				return ev, true
			},
		},
		{
			Name:       "motor_overload_critical",
			Code:       types.CodeMotorOverload,
			Severity:   types.SeverityCritical,
			Confidence: 0.9,
			Actions: []string{
				"reduce drive frequency",
				"check for pump stuck or increased fluid viscosity",
			},
			When: thresholdAtLeast(types.MetricMotorCurrent, overloadCriticalA),
		},
		{
			Name:       "motor_overload",
			Code:       types.CodeMotorOverload,
			Severity:   types.SeverityWarning,
			Confidence: 0.75,
			Actions:    []string{"monitor current trend", "review recent frequency changes"},
			When:       thresholdAtLeast(types.MetricMotorCurrent, overloadWarningA),
		},
		{
			Name:       "motor_underload",
			Code:       types.CodeMotorUnderload,
			Severity:   types.SeverityWarning,
			Confidence: 0.8,
			Actions: []string{
				"check for gas lock or broken shaft",
				"verify intake is not blocked",
			},
			When: func(rd *types.Reading, _ *Window) (map[string]float64, bool) {
				current, ok := rd.Metric(types.MetricMotorCurrent)
				if !ok || current > underloadA {
					return nil, false
				}
				freq, ok := rd.Metric(types.MetricDriveFrequency)
				if !ok || freq < underloadMinFreq {
					return nil, false
				}
				return map[string]float64{
					types.MetricMotorCurrent:   current,
					types.MetricDriveFrequency: freq,
				}, true
			},
		},
		{
			Name:       "temperature_rising",
			Code:       types.CodeTemperatureRising,
			Severity:   types.SeverityWarning,
			Confidence: 0.7,
			Actions: []string{
				"watch motor temperature closely",
				"prepare to reduce drive frequency",
			},
			When: func(rd *types.Reading, win *Window) (map[string]float64, bool) {
				temp, ok := rd.Metric(types.MetricMotorTemperature)
				if !ok || temp < risingTempFloorC {
					return nil, false
				}
				rate, ok := trailingRate(rd, win, types.MetricMotorTemperature)
				if !ok || rate < risingRatePerHour {
					return nil, false
				}
				return map[string]float64{
					types.MetricMotorTemperature: temp,
					"rate_per_hour":              rate,
				}, true
			},
		},
		{
			Name:       "gas_interference",
			Code:       types.CodeGasInterference,
			Severity:   types.SeverityWarning,
			Confidence: 0.7,
			Actions: []string{
				"lower intake pressure setpoint gradually",
				"consider gas separator inspection",
			},
			When: func(rd *types.Reading, win *Window) (map[string]float64, bool) {
				gor, ok := rd.Metric(types.MetricGasOilRatio)
				if !ok {
					return nil, false
				}
				if gor >= gasRatioHigh {
					return map[string]float64{types.MetricGasOilRatio: gor}, true
				}
				if gor < gasRatioElevated {
					return nil, false
				}
				stddev, n := win.Stddev(types.MetricFlowRate)
				if n < 3 || stddev < gasFlowStddevMin {
					return nil, false
				}
				return map[string]float64{
					types.MetricGasOilRatio: gor,
					"flow_rate_stddev":      stddev,
				}, true
			},
		},
		{
			Name:       "high_vibration",
			Code:       types.CodeHighVibration,
			Severity:   types.SeverityWarning,
			Confidence: 0.75,
			Actions:    []string{"monitor vibration trend", "review pump intake conditions"},
			When:       thresholdAtLeast(types.MetricVibration, vibrationWarningMmS),
		},
		{
			Name:       "frequency_deviation",
			Code:       types.CodeFrequencyDeviation,
			Severity:   types.SeverityInfo,
			Confidence: 0.6,
			Actions:    []string{"confirm drive setpoint change was intentional"},
			When: func(rd *types.Reading, win *Window) (map[string]float64, bool) {
				freq, ok := rd.Metric(types.MetricDriveFrequency)
				if !ok {
					return nil, false
				}
				mean, n := win.Mean(types.MetricDriveFrequency)
				if n < 3 {
					return nil, false
				}
				if math.Abs(freq-mean) < frequencyDeviationHz {
					return nil, false
				}
				return map[string]float64{
					types.MetricDriveFrequency: freq,
					"window_mean":              mean,
				}, true
			},
		},
	}
}

// thresholdAtLeast builds a predicate that fires when the metric is
// present and >= threshold.
func thresholdAtLeast(metric string, threshold float64) func(*types.Reading, *Window) (map[string]float64, bool) {
	return func(rd *types.Reading, _ *Window) (map[string]float64, bool) {
		if v, ok := rd.Metric(metric); ok && v >= threshold {
			return map[string]float64{metric: v}, true
		}
		return nil, false
	}
}

// trailingRate computes the per-hour rate of change from the oldest
// window sample carrying the metric to the current reading.
func trailingRate(rd *types.Reading, win *Window, metric string) (float64, bool) {
	if win.Len() == 0 {
		return 0, false
	}

	current, ok := rd.Metric(metric)
	if !ok {
		return 0, false
	}

	for i := range win.readings {
		v, ok := win.readings[i].Metric(metric)
		if !ok {
			continue
		}
		dt := rd.TimestampMs - win.readings[i].TimestampMs
		if dt <= 0 {
			return 0, false
		}
		hours := float64(dt) / float64(3600*1000)
		return (current - v) / hours, true
	}

	return 0, false
}
