package diagnose

import (
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// Classifier evaluates the decision tree against readings. It holds no
// mutable state: the same reading and window always produce the same
// diagnosis.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier. A nil or empty rule list falls back
// to the built-in tree.
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Rules returns the evaluation-ordered rule list.
func (c *Classifier) Rules() []Rule {
	return c.rules
}

// Classify evaluates the rules top-down and returns the diagnosis of the
// first rule that fires. With no match it returns NORMAL with full
// confidence. win may be nil when no trailing data exists yet.
func (c *Classifier) Classify(rd *types.Reading, win *Window) types.Diagnosis {
	for i := range c.rules {
		rule := &c.rules[i]
		evidence, fired := rule.When(rd, win)
		if !fired {
			continue
		}

		return types.Diagnosis{
			EntityID:           rd.EntityID,
			TimestampMs:        rd.TimestampMs,
			Code:               rule.Code,
			Severity:           rule.Severity,
			Confidence:         rule.Confidence,
			Evidence:           evidence,
			RecommendedActions: append([]string(nil), rule.Actions...),
			Rule:               rule.Name,
		}
	}

	return types.Diagnosis{
		EntityID:    rd.EntityID,
		TimestampMs: rd.TimestampMs,
		Code:        types.CodeNormal,
		Severity:    types.SeverityInfo,
		Confidence:  1.0,
	}
}
