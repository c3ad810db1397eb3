package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Chunking.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("chunking: %w", err))
	}

	if err := c.Compression.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}

	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	if err := c.Lifecycle.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lifecycle: %w", err))
	}

	if err := c.Bus.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}

	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the chunking configuration.
func (c *ChunkingConfig) Validate() error {
	var errs []error

	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}

	if c.LateArrival < 0 {
		errs = append(errs, errors.New("late_arrival must not be negative"))
	}

	if c.LateArrival >= c.Window {
		errs = append(errs, errors.New("late_arrival must be shorter than window"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the compression configuration.
func (c *CompressionConfig) Validate() error {
	var errs []error

	switch c.Algorithm {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		errs = append(errs, fmt.Errorf("unknown algorithm %q", c.Algorithm))
	}

	if c.Algorithm == "zstd" && (c.Level < 0 || c.Level > 22) {
		errs = append(errs, errors.New("zstd level must be 0-22"))
	}

	if c.Age <= 0 {
		errs = append(errs, errors.New("age must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention configuration. The safety invariant needs
// compression to finish well before retention, and a positive margin
// between eligibility and deletion.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Raw <= 0 {
		errs = append(errs, errors.New("raw retention must be positive"))
	}

	if c.Rollup < c.Raw {
		errs = append(errs, errors.New("rollup retention must not be shorter than raw"))
	}

	if c.Diagnosis < c.Raw {
		errs = append(errs, errors.New("diagnosis retention must not be shorter than raw"))
	}

	if c.SafetyMargin <= 0 {
		errs = append(errs, errors.New("safety_margin must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the lifecycle configuration.
func (c *LifecycleConfig) Validate() error {
	var errs []error

	if c.RollupCron == "" {
		errs = append(errs, errors.New("rollup_cron is required"))
	}

	if c.MaintenanceCron == "" {
		errs = append(errs, errors.New("maintenance_cron is required"))
	}

	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("job_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the bus configuration.
func (c *BusConfig) Validate() error {
	if c.SubscriberBuffer <= 0 {
		return errors.New("subscriber_buffer must be positive")
	}
	return nil
}

// Validate checks the scoring configuration.
func (c *ScoringConfig) Validate() error {
	var errs []error

	for name, band := range c.Bands {
		if band.Max <= band.Min {
			errs = append(errs, fmt.Errorf("band %s: max must exceed min", name))
		}
		if band.OptimalLow < band.Min || band.OptimalHigh > band.Max {
			errs = append(errs, fmt.Errorf("band %s: optimal range must lie within [min, max]", name))
		}
		if band.OptimalHigh < band.OptimalLow {
			errs = append(errs, fmt.Errorf("band %s: optimal_high must not be below optimal_low", name))
		}
		if band.Weight < 0 {
			errs = append(errs, fmt.Errorf("band %s: weight must not be negative", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
