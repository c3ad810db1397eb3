package types

import "time"

// Lifecycle cycle states. A cycle walks the states in order and any
// failure returns it to idle without advancing.
const (
	StateIdle              = "IDLE"
	StateRefreshingRollups = "REFRESHING_ROLLUPS"
	StateCompressing       = "COMPRESSING"
	StateBackingUp         = "BACKING_UP"
	StateRetiring          = "RETIRING"
)

// Cycle kinds. Rollup cycles run the refresh step only; maintenance
// cycles run the full compress/backup/retire sequence.
const (
	CycleRollup      = "rollup"
	CycleMaintenance = "maintenance"
)

// CycleStep records one step of a lifecycle cycle.
type CycleStep struct {
	State      string `json:"state"`
	StartedAt  int64  `json:"started_at_ms"`
	FinishedAt int64  `json:"finished_at_ms"`
	Error      string `json:"error,omitempty"`
}

// CycleRecord is the persisted record of one lifecycle cycle. The
// scheduler only triggers a run; the record is the source of truth for
// what the cycle did.
type CycleRecord struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	State      string      `json:"state"`
	StartedAt  int64       `json:"started_at_ms"`
	FinishedAt int64       `json:"finished_at_ms"`
	Steps      []CycleStep `json:"steps"`
	Error      string      `json:"error,omitempty"`

	ChunksCompressed int `json:"chunks_compressed"`
	ChunksRetired    int `json:"chunks_retired"`
	RowsRefreshed    int `json:"rows_refreshed"`
	BackupsCreated   int `json:"backups_created"`
}

// Started returns the cycle start time.
func (c *CycleRecord) Started() time.Time {
	return time.UnixMilli(c.StartedAt)
}
