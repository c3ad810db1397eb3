package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/espwatch/espwatch/internal/telemetry/types"
)

// readingRow is the Parquet representation of a Reading. The metric map
// flattens to one optional column per known metric name; validation
// guarantees no other names reach the store, so the column set is fixed.
type readingRow struct {
	EntityID         string   `parquet:"entity_id,zstd"`
	TimestampMs      int64    `parquet:"timestamp_ms"`
	Quality          int32    `parquet:"quality"`
	FlowRate         *float64 `parquet:"flow_rate,optional"`
	IntakePressure   *float64 `parquet:"intake_pressure,optional"`
	MotorCurrent     *float64 `parquet:"motor_current,optional"`
	MotorTemperature *float64 `parquet:"motor_temperature,optional"`
	Vibration        *float64 `parquet:"vibration,optional"`
	DriveFrequency   *float64 `parquet:"drive_frequency,optional"`
	GasOilRatio      *float64 `parquet:"gas_oil_ratio,optional"`
}

// metricColumns maps metric names to row field accessors, in the fixed
// canonical column order.
func (r *readingRow) metricFields() map[string]**float64 {
	return map[string]**float64{
		types.MetricFlowRate:         &r.FlowRate,
		types.MetricIntakePressure:   &r.IntakePressure,
		types.MetricMotorCurrent:     &r.MotorCurrent,
		types.MetricMotorTemperature: &r.MotorTemperature,
		types.MetricVibration:        &r.Vibration,
		types.MetricDriveFrequency:   &r.DriveFrequency,
		types.MetricGasOilRatio:      &r.GasOilRatio,
	}
}

// readingToRow converts a Reading to its Parquet row form.
func readingToRow(rd *types.Reading) readingRow {
	row := readingRow{
		EntityID:    rd.EntityID,
		TimestampMs: rd.TimestampMs,
		Quality:     int32(rd.Quality),
	}

	fields := row.metricFields()
	for name, value := range rd.Metrics {
		if field, ok := fields[name]; ok {
			v := value
			*field = &v
		}
	}

	return row
}

// rowToReading converts a Parquet row back to a Reading.
func rowToReading(row *readingRow) types.Reading {
	rd := types.Reading{
		EntityID:    row.EntityID,
		TimestampMs: row.TimestampMs,
		Quality:     int(row.Quality),
		Metrics:     make(map[string]float64),
	}

	for name, field := range row.metricFields() {
		if *field != nil {
			rd.Metrics[name] = **field
		}
	}

	return rd
}

// compressionCodec returns the parquet-go codec for a config algorithm.
func compressionCodec(algorithm string) compress.Codec {
	switch algorithm {
	case "snappy":
		return &parquet.Snappy
	case "zstd":
		return &parquet.Zstd
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none", "":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// writeChunkFile writes readings to a Parquet chunk file. The write goes
// through a temp file and rename so a crash never leaves a truncated
// chunk in place.
func writeChunkFile(path string, readings []types.Reading, codec compress.Codec) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[readingRow](f, parquet.Compression(codec))

	rows := make([]readingRow, len(readings))
	for i := range readings {
		rows[i] = readingToRow(&readings[i])
	}

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}

	return os.Rename(tmp, path)
}

// readChunkFile reads all readings from a Parquet chunk file.
func readChunkFile(path string) ([]types.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[readingRow](f)
	defer reader.Close()

	numRows := reader.NumRows()
	rows := make([]readingRow, numRows)

	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	readings := make([]types.Reading, n)
	for i := 0; i < n; i++ {
		readings[i] = rowToReading(&rows[i])
	}

	return readings, nil
}
