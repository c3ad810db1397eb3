package types

import (
	"fmt"
	"time"
)

// Severity classifies how urgent a diagnosis is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ParseSeverity parses a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the severity from its string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("severity must be a string")
	}
	parsed, err := ParseSeverity(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DiagnosisCode identifies the pump state a rule detected.
type DiagnosisCode string

const (
	CodeNormal             DiagnosisCode = "NORMAL"
	CodeMotorOverheat      DiagnosisCode = "MOTOR_OVERHEAT"
	CodeTemperatureRising  DiagnosisCode = "TEMPERATURE_RISING"
	CodeHighVibration      DiagnosisCode = "HIGH_VIBRATION"
	CodeMotorOverload      DiagnosisCode = "MOTOR_OVERLOAD"
	CodeMotorUnderload     DiagnosisCode = "MOTOR_UNDERLOAD"
	CodePumpOff            DiagnosisCode = "PUMP_OFF"
	CodeGasInterference    DiagnosisCode = "GAS_INTERFERENCE"
	CodeFrequencyDeviation DiagnosisCode = "FREQUENCY_DEVIATION"
	CodeLowQualitySample   DiagnosisCode = "LOW_QUALITY_SAMPLE"
)

// Diagnosis is the classifier output for one reading. Classification is a
// pure function of the reading plus an optional short trailing window, so
// diagnoses are deterministic and replayable.
type Diagnosis struct {
	EntityID    string        `json:"entity_id"`
	TimestampMs int64         `json:"timestamp_ms"`
	Code        DiagnosisCode `json:"diagnosis_code"`
	Severity    Severity      `json:"severity"`
	Confidence  float64       `json:"confidence"`

	// Evidence carries the metric values that triggered the rule.
	Evidence map[string]float64 `json:"evidence,omitempty"`

	// RecommendedActions are ordered by priority.
	RecommendedActions []string `json:"recommended_actions,omitempty"`

	// Rule is the name of the rule that fired, for replay debugging.
	Rule string `json:"rule,omitempty"`
}

// Timestamp returns the diagnosis timestamp as a time.Time.
func (d *Diagnosis) Timestamp() time.Time {
	return time.UnixMilli(d.TimestampMs)
}

// IsNormal reports whether the diagnosis is the default no-findings one.
func (d *Diagnosis) IsNormal() bool {
	return d.Code == CodeNormal
}
