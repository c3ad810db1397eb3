package types

import (
	"fmt"
	"time"
)

// Granularity identifies a query/rollup resolution.
type Granularity int

const (
	// GranularityRaw serves readings exactly as ingested.
	GranularityRaw Granularity = iota

	// GranularityHourly serves hourly rollup rows.
	GranularityHourly

	// GranularityDaily serves daily rollup rows.
	GranularityDaily
)

// String returns the string representation of the granularity.
func (g Granularity) String() string {
	switch g {
	case GranularityRaw:
		return "raw"
	case GranularityHourly:
		return "hourly"
	case GranularityDaily:
		return "daily"
	default:
		return fmt.Sprintf("unknown(%d)", g)
	}
}

// ParseGranularity parses a granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "raw", "":
		return GranularityRaw, nil
	case "hourly":
		return GranularityHourly, nil
	case "daily":
		return GranularityDaily, nil
	default:
		return GranularityRaw, fmt.Errorf("unknown granularity %q", s)
	}
}

// Duration returns the bucket duration, or zero for raw.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityHourly:
		return time.Hour
	case GranularityDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// TruncateToBucket truncates t to the start of its bucket in UTC.
func (g Granularity) TruncateToBucket(t time.Time) time.Time {
	switch g {
	case GranularityHourly:
		return t.UTC().Truncate(time.Hour)
	case GranularityDaily:
		u := t.UTC()
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.UTC()
	}
}

// RollupGranularities lists the granularities the rollup engine maintains.
func RollupGranularities() []Granularity {
	return []Granularity{GranularityHourly, GranularityDaily}
}
