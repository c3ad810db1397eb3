// Package lifecycle drives the background data lifecycle.
//
// A cycle is an explicit state machine: IDLE -> REFRESHING_ROLLUPS ->
// COMPRESSING -> BACKING_UP -> RETIRING -> IDLE. The cron schedules only
// trigger cycles; every invariant lives in the steps themselves. The
// ordering is the point: rollups are refreshed before their raw data is
// compressed, and nothing is retired before a verified backup covers it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/espwatch/espwatch/internal/config"
	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry/backup"
	"github.com/espwatch/espwatch/internal/telemetry/catalog"
	"github.com/espwatch/espwatch/internal/telemetry/rollup"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

var log = logging.Component("lifecycle")

// ChunkStore is the store view the coordinator needs.
type ChunkStore interface {
	Chunks() []types.ChunkMeta
	Compress(ctx context.Context, chunkID int64) error
	Delete(ctx context.Context, chunkID int64) error
}

// AlertFunc receives operator-facing alerts, such as a chunk that cannot
// be retired because no verified backup covers it.
type AlertFunc func(severity types.Severity, message string)

// Coordinator runs lifecycle cycles.
type Coordinator struct {
	cfg     *config.Config
	store   ChunkStore
	rollups *rollup.Engine
	backups *backup.Manager
	catalog *catalog.Catalog
	alert   AlertFunc

	cron *cron.Cron

	// runMu serializes cycles; an overlapping trigger is skipped, not
	// queued.
	runMu sync.Mutex

	stateMu sync.RWMutex
	state   string

	now func() time.Time
}

// New creates a coordinator. alert may be nil.
func New(cfg *config.Config, store ChunkStore, rollups *rollup.Engine, backups *backup.Manager, cat *catalog.Catalog, alert AlertFunc) *Coordinator {
	if alert == nil {
		alert = func(types.Severity, string) {}
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		rollups: rollups,
		backups: backups,
		catalog: cat,
		alert:   alert,
		state:   types.StateIdle,
		now:     time.Now,
	}
}

// Start registers the cron schedules and starts the scheduler.
func (c *Coordinator) Start() error {
	c.cron = cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger)))

	if _, err := c.cron.AddFunc(c.cfg.Lifecycle.RollupCron, func() {
		if _, err := c.RunCycle(context.Background(), types.CycleRollup); err != nil {
			log.Error("rollup cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule rollup cycle: %w", err)
	}

	if _, err := c.cron.AddFunc(c.cfg.Lifecycle.MaintenanceCron, func() {
		if _, err := c.RunCycle(context.Background(), types.CycleMaintenance); err != nil {
			log.Error("maintenance cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance cycle: %w", err)
	}

	c.cron.Start()
	log.Info("scheduler started",
		"rollup_cron", c.cfg.Lifecycle.RollupCron,
		"maintenance_cron", c.cfg.Lifecycle.MaintenanceCron)
	return nil
}

// Stop stops the scheduler and waits for a running cycle to finish.
func (c *Coordinator) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.runMu.Lock() // wait out an in-flight cycle
	c.runMu.Unlock()
	log.Info("scheduler stopped")
}

// State returns the current cycle state, IDLE when no cycle runs.
func (c *Coordinator) State() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(state string) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

// LastCycle returns the most recent cycle record of a kind.
func (c *Coordinator) LastCycle(kind string) (types.CycleRecord, error) {
	return c.catalog.GetCycleRecord(kind)
}

// cycleStep is one state of a cycle.
type cycleStep struct {
	state string
	run   func(context.Context, *types.CycleRecord) error
}

// RunCycle runs one cycle of the given kind. Rollup cycles refresh
// rollups only; maintenance cycles run the full sequence. A cycle
// already in flight causes an ErrInvalidState instead of queueing.
func (c *Coordinator) RunCycle(ctx context.Context, kind string) (types.CycleRecord, error) {
	if kind != types.CycleRollup && kind != types.CycleMaintenance {
		return types.CycleRecord{}, xerrors.Wrapf(xerrors.ErrValidationFailed, "unknown cycle kind %q", kind)
	}

	if !c.runMu.TryLock() {
		return types.CycleRecord{}, xerrors.Wrap(xerrors.ErrInvalidState, "a cycle is already running")
	}
	defer c.runMu.Unlock()

	rec := types.CycleRecord{
		ID:        ulid.Make().String(),
		Kind:      kind,
		State:     types.StateIdle,
		StartedAt: c.now().UnixMilli(),
	}

	steps := []cycleStep{
		{types.StateRefreshingRollups, c.stepRefresh},
	}
	if kind == types.CycleMaintenance {
		steps = append(steps,
			cycleStep{types.StateCompressing, c.stepCompress},
			cycleStep{types.StateBackingUp, c.stepBackup},
			cycleStep{types.StateRetiring, c.stepRetire},
		)
	}

	for _, step := range steps {
		if err := c.runStep(ctx, &rec, step.state, step.run); err != nil {
			rec.Error = err.Error()
			break
		}
	}

	c.setState(types.StateIdle)
	rec.State = types.StateIdle
	rec.FinishedAt = c.now().UnixMilli()

	if err := c.catalog.PutCycleRecord(rec); err != nil {
		log.Error("persist cycle record", "cycle", rec.ID, "error", err)
	}

	if rec.Error != "" {
		return rec, fmt.Errorf("cycle %s: %s", rec.ID, rec.Error)
	}

	log.Info("cycle complete",
		"cycle", rec.ID, "kind", kind,
		"compressed", rec.ChunksCompressed, "retired", rec.ChunksRetired,
		"refreshed", rec.RowsRefreshed, "backups", rec.BackupsCreated)

	return rec, nil
}

// runStep runs one state of the cycle under the per-step timeout.
func (c *Coordinator) runStep(ctx context.Context, rec *types.CycleRecord, state string, run func(context.Context, *types.CycleRecord) error) error {
	c.setState(state)
	rec.State = state

	step := types.CycleStep{State: state, StartedAt: c.now().UnixMilli()}

	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.Lifecycle.JobTimeout)
	err := run(stepCtx, rec)
	cancel()

	step.FinishedAt = c.now().UnixMilli()
	if err != nil {
		step.Error = err.Error()
	}
	rec.Steps = append(rec.Steps, step)

	if err != nil {
		return fmt.Errorf("%s: %w", state, err)
	}
	return nil
}

// stepRefresh refreshes all dirty rollup buckets.
func (c *Coordinator) stepRefresh(ctx context.Context, rec *types.CycleRecord) error {
	res, err := c.rollups.RefreshAll(ctx, time.Time{})
	rec.RowsRefreshed += res.RowsUpdated
	return err
}

// stepCompress compresses every open chunk past the compression age.
func (c *Coordinator) stepCompress(ctx context.Context, rec *types.CycleRecord) error {
	cutoff := c.now().Add(-c.cfg.Compression.Age).UnixMilli()

	for _, meta := range c.store.Chunks() {
		if meta.Compressed || meta.EndMs > cutoff {
			continue
		}
		if err := c.store.Compress(ctx, meta.ID); err != nil {
			return fmt.Errorf("compress chunk %d: %w", meta.ID, err)
		}
		rec.ChunksCompressed++
	}
	return nil
}

// stepBackup ensures every retention-eligible chunk has a verified
// backup. The manager skips ranges already covered.
func (c *Coordinator) stepBackup(ctx context.Context, rec *types.CycleRecord) error {
	cutoff := c.now().Add(-c.cfg.Retention.Raw).UnixMilli()

	for _, meta := range c.store.Chunks() {
		if meta.EndMs > cutoff {
			continue
		}

		before, err := c.catalog.HasVerifiedCovering(meta.StartMs, meta.EndMs)
		if err != nil {
			return err
		}
		if before {
			continue
		}

		if _, err := c.backups.Backup(ctx, meta.Start(), meta.End()); err != nil {
			return fmt.Errorf("backup chunk %d: %w", meta.ID, err)
		}
		rec.BackupsCreated++
	}
	return nil
}

// stepRetire deletes chunks past retention plus the safety margin, then
// trims rollups and diagnoses past their own retentions. A chunk without
// backup coverage is alerted and skipped; one bad chunk must not stall
// retention of the rest.
func (c *Coordinator) stepRetire(ctx context.Context, rec *types.CycleRecord) error {
	now := c.now()
	cutoff := now.Add(-c.cfg.Retention.Raw - c.cfg.Retention.SafetyMargin).UnixMilli()

	for _, meta := range c.store.Chunks() {
		if meta.EndMs > cutoff {
			continue
		}

		err := c.store.Delete(ctx, meta.ID)
		switch {
		case err == nil:
			rec.ChunksRetired++
		case xerrors.Is(err, xerrors.ErrNoVerifiedBackup):
			msg := fmt.Sprintf("chunk %d past retention but has no verified backup, skipping retirement", meta.ID)
			log.Error(msg)
			c.alert(types.SeverityCritical, msg)
		default:
			return fmt.Errorf("retire chunk %d: %w", meta.ID, err)
		}
	}

	if _, err := c.rollups.Retire(now.Add(-c.cfg.Retention.Rollup)); err != nil {
		return fmt.Errorf("retire rollups: %w", err)
	}

	diagCutoff := now.Add(-c.cfg.Retention.Diagnosis).UnixMilli()
	if _, err := c.catalog.DeleteDiagnosesBefore(diagCutoff); err != nil {
		return fmt.Errorf("retire diagnoses: %w", err)
	}

	return nil
}
