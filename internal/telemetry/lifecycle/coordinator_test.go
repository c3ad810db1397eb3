package lifecycle

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/espwatch/espwatch/internal/config"
	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/telemetry/backup"
	"github.com/espwatch/espwatch/internal/telemetry/catalog"
	"github.com/espwatch/espwatch/internal/telemetry/rollup"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// fakeChunkStore records lifecycle calls against a fixed chunk set.
type fakeChunkStore struct {
	chunks     map[int64]*types.ChunkMeta
	readings   map[string][]types.Reading
	compressed []int64
	deleted    []int64
	deleteErr  error
}

func (f *fakeChunkStore) Chunks() []types.ChunkMeta {
	out := make([]types.ChunkMeta, 0, len(f.chunks))
	for _, m := range f.chunks {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeChunkStore) Compress(_ context.Context, chunkID int64) error {
	f.chunks[chunkID].Compressed = true
	f.compressed = append(f.compressed, chunkID)
	return nil
}

func (f *fakeChunkStore) Delete(_ context.Context, chunkID int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.chunks, chunkID)
	f.deleted = append(f.deleted, chunkID)
	return nil
}

// DataSource for the backup manager.
func (f *fakeChunkStore) QueryAll(_ context.Context, entityID string, from, to time.Time) ([]types.Reading, error) {
	var out []types.Reading
	for _, rd := range f.readings[entityID] {
		if rd.TimestampMs >= from.UnixMilli() && rd.TimestampMs <= to.UnixMilli() {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (f *fakeChunkStore) Entities() []string {
	var ids []string
	for id := range f.readings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeChunkStore) RestoreReadings(context.Context, []types.Reading) error {
	return nil
}

var clock = time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

// One chunk well past retention, one fresh open chunk.
func seedChunks(cfg *config.Config, fs *fakeChunkStore) (oldID, freshID int64) {
	window := cfg.Chunking.Window.Milliseconds()

	oldEnd := clock.Add(-cfg.Retention.Raw - cfg.Retention.SafetyMargin - time.Hour).UnixMilli()
	oldID = oldEnd - window
	fs.chunks[oldID] = &types.ChunkMeta{ID: oldID, StartMs: oldID, EndMs: oldEnd, EntityScope: types.EntityScopeAll}

	freshID = clock.Add(-time.Hour).UnixMilli()
	fs.chunks[freshID] = &types.ChunkMeta{ID: freshID, StartMs: freshID, EndMs: freshID + window, EntityScope: types.EntityScopeAll}

	fs.readings["WELL-1"] = []types.Reading{{
		EntityID:    "WELL-1",
		TimestampMs: oldID + 1000,
		Metrics:     map[string]float64{types.MetricFlowRate: 100},
		Quality:     100,
	}}
	return oldID, freshID
}

func testCoordinator(t *testing.T, fs *fakeChunkStore) (*Coordinator, *catalog.Catalog, *[]types.Severity) {
	t.Helper()

	cat, err := catalog.Open(catalog.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")

	engine := rollup.NewEngine(cfg, fs, cat, nil)

	mgr, err := backup.NewManager(cfg, cat, fs, nil)
	if err != nil {
		t.Fatalf("create backup manager: %v", err)
	}

	var alerts []types.Severity
	alert := func(sev types.Severity, _ string) { alerts = append(alerts, sev) }

	c := New(cfg, fs, engine, mgr, cat, alert)
	c.now = func() time.Time { return clock }
	return c, cat, &alerts
}

func TestMaintenanceCycleSequence(t *testing.T) {
	fs := &fakeChunkStore{chunks: make(map[int64]*types.ChunkMeta), readings: make(map[string][]types.Reading)}
	cfg := config.DefaultConfig()
	oldID, freshID := seedChunks(cfg, fs)

	c, _, _ := testCoordinator(t, fs)

	rec, err := c.RunCycle(context.Background(), types.CycleMaintenance)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	wantStates := []string{
		types.StateRefreshingRollups,
		types.StateCompressing,
		types.StateBackingUp,
		types.StateRetiring,
	}
	if len(rec.Steps) != len(wantStates) {
		t.Fatalf("got %d steps, want %d: %+v", len(rec.Steps), len(wantStates), rec.Steps)
	}
	for i, want := range wantStates {
		if rec.Steps[i].State != want {
			t.Errorf("step %d = %s, want %s", i, rec.Steps[i].State, want)
		}
	}
	if rec.State != types.StateIdle {
		t.Errorf("final state = %s, want IDLE", rec.State)
	}

	// The old chunk was compressed, backed up, and retired; the fresh
	// chunk was left alone.
	if len(fs.compressed) != 1 || fs.compressed[0] != oldID {
		t.Errorf("compressed = %v, want [%d]", fs.compressed, oldID)
	}
	if rec.BackupsCreated != 1 {
		t.Errorf("backups created = %d, want 1", rec.BackupsCreated)
	}
	if len(fs.deleted) != 1 || fs.deleted[0] != oldID {
		t.Errorf("deleted = %v, want [%d]", fs.deleted, oldID)
	}
	if _, ok := fs.chunks[freshID]; !ok {
		t.Error("fresh chunk must survive the cycle")
	}

	// The cycle record is persisted for the status surface.
	last, err := c.LastCycle(types.CycleMaintenance)
	if err != nil {
		t.Fatalf("last cycle: %v", err)
	}
	if last.ID != rec.ID {
		t.Errorf("persisted cycle %s, want %s", last.ID, rec.ID)
	}

	if c.State() != types.StateIdle {
		t.Errorf("coordinator state = %s, want IDLE", c.State())
	}
}

func TestRollupCycleOnlyRefreshes(t *testing.T) {
	fs := &fakeChunkStore{chunks: make(map[int64]*types.ChunkMeta), readings: make(map[string][]types.Reading)}
	cfg := config.DefaultConfig()
	seedChunks(cfg, fs)

	c, _, _ := testCoordinator(t, fs)

	rec, err := c.RunCycle(context.Background(), types.CycleRollup)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(rec.Steps) != 1 || rec.Steps[0].State != types.StateRefreshingRollups {
		t.Errorf("steps = %+v, want refresh only", rec.Steps)
	}
	if len(fs.compressed) != 0 || len(fs.deleted) != 0 {
		t.Error("rollup cycle must not touch chunks")
	}
}

// A chunk that cannot prove backup coverage is alerted and skipped; the
// cycle itself still completes.
func TestRetireSkipsUncoveredChunk(t *testing.T) {
	fs := &fakeChunkStore{chunks: make(map[int64]*types.ChunkMeta), readings: make(map[string][]types.Reading)}
	cfg := config.DefaultConfig()
	seedChunks(cfg, fs)
	fs.deleteErr = xerrors.ErrNoVerifiedBackup

	c, _, alerts := testCoordinator(t, fs)

	rec, err := c.RunCycle(context.Background(), types.CycleMaintenance)
	if err != nil {
		t.Fatalf("cycle should complete despite uncovered chunk: %v", err)
	}

	if rec.ChunksRetired != 0 {
		t.Errorf("chunks retired = %d, want 0", rec.ChunksRetired)
	}
	if len(*alerts) == 0 {
		t.Fatal("skipping an uncovered chunk must raise an alert")
	}
	if (*alerts)[0] != types.SeverityCritical {
		t.Errorf("alert severity = %s, want critical", (*alerts)[0])
	}
	if rec.Error != "" {
		t.Errorf("cycle error = %q, want none", rec.Error)
	}
}

func TestUnknownCycleKind(t *testing.T) {
	fs := &fakeChunkStore{chunks: make(map[int64]*types.ChunkMeta), readings: make(map[string][]types.Reading)}
	c, _, _ := testCoordinator(t, fs)

	_, err := c.RunCycle(context.Background(), "bogus")
	if !xerrors.Is(err, xerrors.ErrValidationFailed) {
		t.Errorf("got %v, want ErrValidationFailed", err)
	}
}
