package rollup

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/espwatch/espwatch/internal/config"
	"github.com/espwatch/espwatch/internal/telemetry/catalog"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

type fakeSource struct {
	readings []types.Reading
	err      error
}

func (f *fakeSource) QueryAll(_ context.Context, entityID string, from, to time.Time) ([]types.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}

	var out []types.Reading
	for _, rd := range f.readings {
		if rd.EntityID == entityID && rd.TimestampMs >= from.UnixMilli() && rd.TimestampMs <= to.UnixMilli() {
			out = append(out, rd)
		}
	}
	return out, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.Open(catalog.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

var bucketStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func hourlyReadings(entity string, n int, temp func(i int) float64) []types.Reading {
	out := make([]types.Reading, n)
	for i := 0; i < n; i++ {
		out[i] = types.Reading{
			EntityID:    entity,
			TimestampMs: bucketStart.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Metrics: map[string]float64{
				types.MetricMotorTemperature: temp(i),
				types.MetricFlowRate:         100,
			},
			Quality: 100,
		}
	}
	return out
}

func newTestEngine(t *testing.T, src ReadingSource, cat *catalog.Catalog) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	e := NewEngine(cfg, src, cat, nil)
	// Fix the clock well past the bucket so it counts as closed.
	e.now = func() time.Time { return bucketStart.Add(48 * time.Hour) }
	return e
}

func TestRefreshComputesStats(t *testing.T) {
	cat := testCatalog(t)
	src := &fakeSource{readings: hourlyReadings("WELL-1", 10, func(i int) float64 { return 80 + float64(i) })}
	e := newTestEngine(t, src, cat)

	bucket := bucketStart.UnixMilli()
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", bucket); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	res, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.RowsUpdated != 1 {
		t.Fatalf("rows updated = %d, want 1", res.RowsUpdated)
	}

	rows, err := e.Query("WELL-1", types.GranularityHourly, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	row := rows[0]
	temp := row.Metrics[types.MetricMotorTemperature]

	if temp.Count != 10 {
		t.Errorf("count = %d, want 10 (one per raw reading)", temp.Count)
	}
	wantAvg := 84.5 // mean of 80..89
	if math.Abs(temp.Avg-wantAvg) > 1e-9 {
		t.Errorf("avg = %v, want %v", temp.Avg, wantAvg)
	}
	if temp.Min != 80 || temp.Max != 89 {
		t.Errorf("min/max = %v/%v, want 80/89", temp.Min, temp.Max)
	}
	if math.Abs(temp.Median-84.5) > 1.0 { // sketch accuracy is 1%
		t.Errorf("median = %v, want ~84.5", temp.Median)
	}
	if !row.Closed {
		t.Error("bucket past late-arrival window should be closed")
	}
	if row.HealthScore <= 0 || row.HealthScore > 100 {
		t.Errorf("health score = %v, want in (0, 100]", row.HealthScore)
	}
}

// Refreshing twice with no new data is a no-op the second time and
// produces identical row values.
func TestRefreshIdempotent(t *testing.T) {
	cat := testCatalog(t)
	src := &fakeSource{readings: hourlyReadings("WELL-1", 10, func(i int) float64 { return 80 + float64(i) })}
	e := newTestEngine(t, src, cat)

	bucket := bucketStart.UnixMilli()
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", bucket); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	first, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{})
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if first.RowsUpdated != 1 {
		t.Fatalf("first refresh updated %d rows, want 1", first.RowsUpdated)
	}

	rowsAfterFirst, err := e.Query("WELL-1", types.GranularityHourly, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	// Re-mark so the second refresh actually re-examines the bucket.
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", bucket); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	second, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{})
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if second.RowsUpdated != 0 {
		t.Errorf("second refresh updated %d rows, want 0", second.RowsUpdated)
	}

	rowsAfterSecond, err := e.Query("WELL-1", types.GranularityHourly, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !reflect.DeepEqual(rowsAfterFirst, rowsAfterSecond) {
		t.Errorf("row values changed across idempotent refresh:\n%+v\n%+v", rowsAfterFirst, rowsAfterSecond)
	}
}

func TestOpenBucketStaysDirty(t *testing.T) {
	cat := testCatalog(t)
	src := &fakeSource{readings: hourlyReadings("WELL-1", 5, func(int) float64 { return 80 })}
	e := newTestEngine(t, src, cat)
	// Clock inside the bucket: it is still accepting data.
	e.now = func() time.Time { return bucketStart.Add(30 * time.Minute) }

	bucket := bucketStart.UnixMilli()
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", bucket); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	if _, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rows, err := e.Query("WELL-1", types.GranularityHourly, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Closed {
		t.Fatalf("current bucket must produce an open row, got %+v", rows)
	}

	// The mark survives so the next cycle recomputes the open bucket.
	dirty, err := cat.ListDirty(types.GranularityHourly, 0)
	if err != nil {
		t.Fatalf("list dirty: %v", err)
	}
	if len(dirty) != 1 {
		t.Errorf("dirty marks = %d, want 1 (open bucket stays dirty)", len(dirty))
	}
}

func TestFailedRefreshServesStale(t *testing.T) {
	cat := testCatalog(t)
	src := &fakeSource{readings: hourlyReadings("WELL-1", 5, func(int) float64 { return 80 })}
	e := newTestEngine(t, src, cat)

	bucket := bucketStart.UnixMilli()
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", bucket); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	if _, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{}); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}

	// Raw store starts failing; the row must survive with a stale marker.
	src.err = errors.New("disk on fire")
	if err := cat.MarkDirty(types.GranularityHourly, "WELL-1", bucket); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}

	res, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{})
	if err != nil {
		t.Fatalf("refresh with failing source: %v", err)
	}
	if res.RowsStale != 1 {
		t.Fatalf("rows stale = %d, want 1", res.RowsStale)
	}

	rows, err := e.Query("WELL-1", types.GranularityHourly, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want the previous row preserved", len(rows))
	}
	if !rows[0].IsStale() {
		t.Error("row should carry the stale marker")
	}
	if rows[0].Metrics[types.MetricMotorTemperature].Count != 5 {
		t.Error("stale row should keep its previous values")
	}

	// Recovery clears the marker.
	src.err = nil
	if _, err := e.Refresh(context.Background(), types.GranularityHourly, time.Time{}); err != nil {
		t.Fatalf("recovery refresh: %v", err)
	}
	rows, err = e.Query("WELL-1", types.GranularityHourly, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows[0].IsStale() {
		t.Error("stale marker should clear after a successful refresh")
	}
}

func TestBandScore(t *testing.T) {
	band := config.Band{Min: 0, Max: 150, OptimalLow: 40, OptimalHigh: 90, Weight: 1}

	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"below acceptable", -1, 0},
		{"above acceptable", 151, 0},
		{"optimal low edge", 40, 100},
		{"optimal high edge", 90, 100},
		{"mid optimal", 65, 100},
		{"halfway below optimal", 20, 50},
		{"halfway above optimal", 120, 50},
		{"acceptable floor", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bandScore(tt.value, band); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("bandScore(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
