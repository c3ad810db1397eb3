package catalog

import (
	"testing"
	"time"

	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()

	cat, err := Open(Options{InMemory: true})
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

var baseMs = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func TestChunkCRUD(t *testing.T) {
	cat := testCatalog(t)

	if _, err := cat.GetChunk(baseMs); !xerrors.Is(err, xerrors.ErrChunkNotFound) {
		t.Fatalf("missing chunk: got %v, want ErrChunkNotFound", err)
	}

	// Insert out of order; ListChunks must come back ordered by start.
	hour := int64(3600_000)
	for _, off := range []int64{2, 0, 1} {
		meta := types.ChunkMeta{
			ID:          baseMs + off*hour,
			StartMs:     baseMs + off*hour,
			EndMs:       baseMs + (off+1)*hour,
			EntityScope: types.EntityScopeAll,
		}
		if err := cat.PutChunk(meta); err != nil {
			t.Fatalf("put chunk: %v", err)
		}
	}

	metas, err := cat.ListChunks()
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("got %d chunks, want 3", len(metas))
	}
	for i := 1; i < len(metas); i++ {
		if metas[i].ID <= metas[i-1].ID {
			t.Fatal("chunks not ordered by window start")
		}
	}

	// Replace marks compressed in place.
	meta := metas[0]
	meta.Compressed = true
	if err := cat.PutChunk(meta); err != nil {
		t.Fatalf("update chunk: %v", err)
	}
	got, err := cat.GetChunk(meta.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if !got.Compressed {
		t.Error("compressed flag not persisted")
	}

	if err := cat.DeleteChunk(meta.ID); err != nil {
		t.Fatalf("delete chunk: %v", err)
	}
	if _, err := cat.GetChunk(meta.ID); !xerrors.Is(err, xerrors.ErrChunkNotFound) {
		t.Errorf("deleted chunk: got %v, want ErrChunkNotFound", err)
	}
}

func TestDirtyMarks(t *testing.T) {
	cat := testCatalog(t)

	hour := int64(3600_000)
	marks := []struct {
		entity string
		bucket int64
	}{
		{"WELL-2", baseMs},
		{"WELL-1", baseMs + hour},
		{"WELL-1", baseMs},
	}
	for _, m := range marks {
		if err := cat.MarkDirty(types.GranularityHourly, m.entity, m.bucket); err != nil {
			t.Fatalf("mark dirty: %v", err)
		}
	}
	// Marking twice is idempotent.
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", baseMs); err != nil {
		t.Fatalf("re-mark dirty: %v", err)
	}

	dirty, err := cat.ListDirty(types.GranularityHourly, 0)
	if err != nil {
		t.Fatalf("list dirty: %v", err)
	}
	if len(dirty) != 3 {
		t.Fatalf("got %d dirty buckets, want 3", len(dirty))
	}
	want := []DirtyBucket{
		{"WELL-1", baseMs},
		{"WELL-1", baseMs + hour},
		{"WELL-2", baseMs},
	}
	for i := range want {
		if dirty[i] != want[i] {
			t.Errorf("dirty[%d] = %+v, want %+v", i, dirty[i], want[i])
		}
	}

	// sinceMs filters older buckets.
	dirty, err = cat.ListDirty(types.GranularityHourly, baseMs+hour)
	if err != nil {
		t.Fatalf("list dirty since: %v", err)
	}
	if len(dirty) != 1 || dirty[0].EntityID != "WELL-1" {
		t.Errorf("since filter returned %+v", dirty)
	}

	// Daily marks live in a separate namespace.
	daily, err := cat.ListDirty(types.GranularityDaily, 0)
	if err != nil {
		t.Fatalf("list daily dirty: %v", err)
	}
	if len(daily) != 0 {
		t.Errorf("daily namespace leaked %d hourly marks", len(daily))
	}

	if err := cat.ClearDirty(types.GranularityHourly, "WELL-1", baseMs); err != nil {
		t.Fatalf("clear dirty: %v", err)
	}
	dirty, err = cat.ListDirty(types.GranularityHourly, 0)
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(dirty) != 2 {
		t.Errorf("got %d dirty buckets after clear, want 2", len(dirty))
	}
}

func TestHasVerifiedCovering(t *testing.T) {
	cat := testCatalog(t)

	day := int64(86_400_000)
	records := []types.BackupRecord{
		{ID: "01-unverified", CoversStartMs: baseMs, CoversEndMs: baseMs + day},
		{ID: "02-safety", CoversStartMs: baseMs, CoversEndMs: baseMs + day, Verified: true, Safety: true},
		{ID: "03-partial", CoversStartMs: baseMs, CoversEndMs: baseMs + day/2, Verified: true},
	}
	for _, rec := range records {
		if err := cat.PutBackupRecord(rec); err != nil {
			t.Fatalf("put record: %v", err)
		}
	}

	tests := []struct {
		name    string
		startMs int64
		endMs   int64
		want    bool
	}{
		{"unverified and safety do not count", baseMs, baseMs + day, false},
		{"partial covers its own range", baseMs, baseMs + day/2, true},
		{"partial does not cover past its end", baseMs, baseMs + day/2 + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cat.HasVerifiedCovering(tt.startMs, tt.endMs)
			if err != nil {
				t.Fatalf("coverage check: %v", err)
			}
			if got != tt.want {
				t.Errorf("covered = %v, want %v", got, tt.want)
			}
		})
	}

	// A verified full-range record flips the first case.
	full := types.BackupRecord{ID: "04-full", CoversStartMs: baseMs, CoversEndMs: baseMs + day, Verified: true}
	if err := cat.PutBackupRecord(full); err != nil {
		t.Fatalf("put record: %v", err)
	}
	got, err := cat.HasVerifiedCovering(baseMs, baseMs+day)
	if err != nil {
		t.Fatalf("coverage check: %v", err)
	}
	if !got {
		t.Error("verified full-range record should cover")
	}
}

func TestQueryDiagnosesSeverityFilter(t *testing.T) {
	cat := testCatalog(t)

	diags := []types.Diagnosis{
		{EntityID: "WELL-1", TimestampMs: baseMs, Code: types.CodeNormal, Severity: types.SeverityInfo},
		{EntityID: "WELL-1", TimestampMs: baseMs + 1000, Code: types.CodeHighVibration, Severity: types.SeverityWarning},
		{EntityID: "WELL-1", TimestampMs: baseMs + 2000, Code: types.CodeMotorOverheat, Severity: types.SeverityCritical},
		{EntityID: "WELL-2", TimestampMs: baseMs + 1500, Code: types.CodeMotorOverheat, Severity: types.SeverityCritical},
	}
	for _, d := range diags {
		if err := cat.PutDiagnosis(d); err != nil {
			t.Fatalf("put diagnosis: %v", err)
		}
	}

	all, err := cat.QueryDiagnoses("WELL-1", baseMs, baseMs+10_000, types.SeverityInfo)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d diagnoses, want 3 (other entities excluded)", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].TimestampMs <= all[i-1].TimestampMs {
			t.Fatal("diagnoses not ordered by timestamp")
		}
	}

	warnUp, err := cat.QueryDiagnoses("WELL-1", baseMs, baseMs+10_000, types.SeverityWarning)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(warnUp) != 2 {
		t.Errorf("got %d warning+ diagnoses, want 2", len(warnUp))
	}

	crit, err := cat.QueryDiagnoses("WELL-1", baseMs, baseMs+10_000, types.SeverityCritical)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(crit) != 1 || crit[0].Code != types.CodeMotorOverheat {
		t.Errorf("critical filter returned %+v", crit)
	}

	// Retention trim.
	n, err := cat.DeleteDiagnosesBefore(baseMs + 1500)
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d diagnoses, want 2", n)
	}
}

func TestRollupRowsRoundTrip(t *testing.T) {
	cat := testCatalog(t)

	hour := int64(3600_000)
	for i := int64(0); i < 3; i++ {
		row := types.RollupRow{
			EntityID:      "WELL-1",
			Granularity:   types.GranularityHourly,
			BucketStartMs: baseMs + i*hour,
			Metrics: map[string]types.MetricStats{
				types.MetricFlowRate: {Count: 10, Avg: float64(100 + i)},
			},
		}
		if err := cat.PutRollupRow(row); err != nil {
			t.Fatalf("put row: %v", err)
		}
	}

	rows, err := cat.QueryRollup("WELL-1", types.GranularityHourly, baseMs, baseMs+hour)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (range is inclusive of bucket starts)", len(rows))
	}
	if rows[0].Granularity != types.GranularityHourly {
		t.Error("granularity not rehydrated from key namespace")
	}
	if rows[0].Metrics[types.MetricFlowRate].Avg != 100 {
		t.Errorf("avg = %v, want 100", rows[0].Metrics[types.MetricFlowRate].Avg)
	}

	n, err := cat.DeleteRollupBefore(types.GranularityHourly, baseMs+hour)
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}
}

func TestEntitiesAndCycleRecords(t *testing.T) {
	cat := testCatalog(t)

	for _, id := range []string{"WELL-2", "WELL-1", "WELL-1"} {
		if err := cat.AddEntity(id); err != nil {
			t.Fatalf("add entity: %v", err)
		}
	}
	ids, err := cat.ListEntities()
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(ids) != 2 || ids[0] != "WELL-1" || ids[1] != "WELL-2" {
		t.Errorf("entities = %v, want [WELL-1 WELL-2]", ids)
	}

	if _, err := cat.GetCycleRecord(types.CycleRollup); !xerrors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("missing cycle record: got %v, want ErrNotFound", err)
	}

	rec := types.CycleRecord{ID: "c-1", Kind: types.CycleMaintenance, State: types.StateIdle, ChunksRetired: 2}
	if err := cat.PutCycleRecord(rec); err != nil {
		t.Fatalf("put cycle record: %v", err)
	}
	got, err := cat.GetCycleRecord(types.CycleMaintenance)
	if err != nil {
		t.Fatalf("get cycle record: %v", err)
	}
	if got.ID != "c-1" || got.ChunksRetired != 2 {
		t.Errorf("cycle record = %+v", got)
	}

	// Only the latest record per kind survives.
	rec.ID = "c-2"
	if err := cat.PutCycleRecord(rec); err != nil {
		t.Fatalf("replace cycle record: %v", err)
	}
	got, err = cat.GetCycleRecord(types.CycleMaintenance)
	if err != nil {
		t.Fatalf("get cycle record: %v", err)
	}
	if got.ID != "c-2" {
		t.Errorf("latest cycle = %s, want c-2", got.ID)
	}
}
