package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/espwatch/espwatch/internal/config"
	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// queryService runs analytical queries over compressed chunk files with
// an embedded DuckDB. The database itself holds no data; every query
// reads the Parquet files directly, so results always reflect the chunk
// set on disk.
type queryService struct {
	db  *sql.DB
	cfg *config.Config
}

func newQueryService(cfg *config.Config) (*queryService, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit),
		"SET threads TO 4",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure duckdb: %w", err)
		}
	}

	return &queryService{db: db, cfg: cfg}, nil
}

func (q *queryService) Close() error {
	return q.db.Close()
}

// fileList renders Parquet paths as a DuckDB list literal. Paths come
// from the chunk directory, never from request input.
func fileList(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// queryReadings returns readings for one entity from the given chunk
// files, ascending by timestamp.
func (q *queryService) queryReadings(ctx context.Context, files []string, entityID string, fromMs, toMs int64) ([]types.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Query.Timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT entity_id, timestamp_ms, quality,
		       flow_rate, intake_pressure, motor_current, motor_temperature,
		       vibration, drive_frequency, gas_oil_ratio
		FROM read_parquet(%s)
		WHERE entity_id = ? AND timestamp_ms BETWEEN ? AND ?
		ORDER BY timestamp_ms`, fileList(files))

	rows, err := q.db.QueryContext(ctx, query, entityID, fromMs, toMs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.ErrTimeout, "chunk query")
		}
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []types.Reading
	for rows.Next() {
		rd, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

// scanReading scans one result row back into a Reading, dropping NULL
// metric columns.
func scanReading(rows *sql.Rows) (types.Reading, error) {
	var (
		rd      types.Reading
		quality int32
		vals    [7]sql.NullFloat64
	)

	err := rows.Scan(&rd.EntityID, &rd.TimestampMs, &quality,
		&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6])
	if err != nil {
		return rd, fmt.Errorf("scan reading: %w", err)
	}

	rd.Quality = int(quality)
	rd.Metrics = make(map[string]float64)
	for i, name := range types.MetricNames {
		if vals[i].Valid {
			rd.Metrics[name] = vals[i].Float64
		}
	}

	return rd, nil
}
