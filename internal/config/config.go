// Package config holds the espwatch engine configuration.
//
// Configuration is loaded from a YAML file, merged over defaults, and
// validated before any component is constructed. Components receive the
// validated *Config; nothing reads the file or the environment at import
// time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Chunking configures time partitioning of raw readings.
	Chunking ChunkingConfig `yaml:"chunking"`

	// Compression configures chunk compression.
	Compression CompressionConfig `yaml:"compression"`

	// Rollup configures the pre-aggregation engine.
	Rollup RollupConfig `yaml:"rollup"`

	// Retention defines how long each record class is kept.
	Retention RetentionConfig `yaml:"retention"`

	// Backup configures the backup/restore manager.
	Backup BackupConfig `yaml:"backup"`

	// Lifecycle configures the lifecycle coordinator schedules.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Bus configures the live distribution bus.
	Bus BusConfig `yaml:"bus"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Scoring configures the rollup scoring strategy.
	Scoring ScoringConfig `yaml:"scoring"`
}

// ChunkingConfig configures time partitioning of raw readings.
type ChunkingConfig struct {
	// Window is the fixed chunk width for raw telemetry.
	Window time.Duration `yaml:"window"`

	// LateArrival is how long after a bucket closes that raw data may
	// still arrive for it. Rollup rows become immutable once it passes.
	LateArrival time.Duration `yaml:"late_arrival"`
}

// CompressionConfig configures chunk compression.
type CompressionConfig struct {
	// Algorithm is the Parquet compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`

	// Age is how old a chunk must be before it is compressed.
	Age time.Duration `yaml:"age"`
}

// RollupConfig configures the pre-aggregation engine.
type RollupConfig struct {
	// SketchAccuracy is the DDSketch relative accuracy for medians
	// (0.01 = 1% error).
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// RetentionConfig defines how long each record class is kept.
type RetentionConfig struct {
	// Raw is the retention for raw readings.
	Raw time.Duration `yaml:"raw"`

	// Rollup is the retention for rollup rows (longer than raw).
	Rollup time.Duration `yaml:"rollup"`

	// Diagnosis is the retention for diagnosis records.
	Diagnosis time.Duration `yaml:"diagnosis"`

	// SafetyMargin is the gap between a chunk becoming eligible for
	// deletion and its actual deletion.
	SafetyMargin time.Duration `yaml:"safety_margin"`
}

// BackupConfig configures the backup/restore manager.
type BackupConfig struct {
	// Dir is the local cold-storage directory used by the filesystem
	// provider. Ignored when an external provider is injected.
	Dir string `yaml:"dir"`

	// Timeout bounds a single backup or restore operation.
	Timeout time.Duration `yaml:"timeout"`
}

// LifecycleConfig configures the lifecycle coordinator schedules.
// Cron specs only trigger runs; invariants live in the state machine.
type LifecycleConfig struct {
	// RollupCron triggers rollup-refresh cycles.
	RollupCron string `yaml:"rollup_cron"`

	// MaintenanceCron triggers full compress/backup/retire cycles.
	MaintenanceCron string `yaml:"maintenance_cron"`

	// JobTimeout bounds each step of a cycle.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// BusConfig configures the live distribution bus.
type BusConfig struct {
	// SubscriberBuffer is the bounded per-subscriber event buffer.
	// On overflow the oldest events are dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen is the listen address.
	Listen string `yaml:"listen"`

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ScoringConfig configures the default band scorer. The scoring strategy
// is pluggable; these bands only feed the built-in implementation.
type ScoringConfig struct {
	// Bands maps a metric name to its scoring band.
	Bands map[string]Band `yaml:"bands"`
}

// Band defines the acceptable and optimal range for one metric.
type Band struct {
	// Min/Max bound the acceptable range. Values outside score zero.
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`

	// OptimalLow/OptimalHigh bound the full-score range.
	OptimalLow  float64 `yaml:"optimal_low"`
	OptimalHigh float64 `yaml:"optimal_high"`

	// Weight is the metric's relative weight in the composite score.
	Weight float64 `yaml:"weight"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/espwatch",
		Chunking: ChunkingConfig{
			Window:      24 * time.Hour,
			LateArrival: time.Hour,
		},
		Compression: CompressionConfig{
			Algorithm: "zstd",
			Level:     3,
			Age:       48 * time.Hour,
		},
		Rollup: RollupConfig{
			SketchAccuracy: 0.01,
		},
		Retention: RetentionConfig{
			Raw:          30 * 24 * time.Hour,
			Rollup:       2 * 365 * 24 * time.Hour,
			Diagnosis:    365 * 24 * time.Hour,
			SafetyMargin: 3 * 24 * time.Hour,
		},
		Backup: BackupConfig{
			Dir:     "/var/lib/espwatch/backups",
			Timeout: 15 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			RollupCron:      "*/15 * * * *", // every 15 minutes
			MaintenanceCron: "0 2 * * *",    // daily at 2am
			JobTimeout:      30 * time.Minute,
		},
		Bus: BusConfig{
			SubscriberBuffer: 256,
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
			MaxRows:     1000000,
		},
		Server: ServerConfig{
			Listen:          "0.0.0.0:8090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Scoring: ScoringConfig{
			Bands: DefaultBands(),
		},
	}
}

// DefaultBands returns the default scoring bands for ESP telemetry.
// Units are fixed per metric name: m3/d, kPa, A, degC, mm/s, Hz, m3/m3.
func DefaultBands() map[string]Band {
	return map[string]Band{
		"flow_rate":         {Min: 0, Max: 500, OptimalLow: 50, OptimalHigh: 400, Weight: 2},
		"intake_pressure":   {Min: 0, Max: 30000, OptimalLow: 2000, OptimalHigh: 25000, Weight: 2},
		"motor_current":     {Min: 0, Max: 200, OptimalLow: 20, OptimalHigh: 120, Weight: 1.5},
		"motor_temperature": {Min: 0, Max: 150, OptimalLow: 40, OptimalHigh: 90, Weight: 2},
		"vibration":         {Min: 0, Max: 50, OptimalLow: 0, OptimalHigh: 10, Weight: 1},
		"drive_frequency":   {Min: 0, Max: 80, OptimalLow: 35, OptimalHigh: 65, Weight: 1},
		"gas_oil_ratio":     {Min: 0, Max: 2000, OptimalLow: 0, OptimalHigh: 800, Weight: 0.5},
	}
}

// ChunksDir returns the directory for compressed chunk files.
func (c *Config) ChunksDir() string {
	return filepath.Join(c.DataDir, "chunks")
}

// WALDir returns the directory for open-chunk write-ahead logs.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// CatalogDir returns the directory for the metadata catalog.
func (c *Config) CatalogDir() string {
	return filepath.Join(c.DataDir, "catalog")
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ChunksDir(),
		c.WALDir(),
		c.CatalogDir(),
		c.Backup.Dir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return nil
}
