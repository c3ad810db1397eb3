// Package telemetry wires the storage, rollup, diagnosis, bus, backup,
// and lifecycle components into one service.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/espwatch/espwatch/internal/config"
	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry/backup"
	"github.com/espwatch/espwatch/internal/telemetry/bus"
	"github.com/espwatch/espwatch/internal/telemetry/catalog"
	"github.com/espwatch/espwatch/internal/telemetry/diagnose"
	"github.com/espwatch/espwatch/internal/telemetry/lifecycle"
	"github.com/espwatch/espwatch/internal/telemetry/rollup"
	"github.com/espwatch/espwatch/internal/telemetry/store"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

var log = logging.Component("telemetry")

// recentWindowSize is how many trailing readings per entity feed the
// classifier. Enough for hourly trend rules over a day.
const recentWindowSize = 30

// Alert is one operator-facing alert raised by a background component.
type Alert struct {
	Severity types.Severity `json:"severity"`
	Message  string         `json:"message"`
	RaisedAt int64          `json:"raised_at_ms"`
}

// maxAlerts bounds the in-memory alert ring.
const maxAlerts = 100

// Service owns every engine component and their shared state.
type Service struct {
	cfg *config.Config

	catalog    *catalog.Catalog
	store      *store.Store
	rollups    *rollup.Engine
	classifier *diagnose.Classifier
	bus        *bus.Bus
	backups    *backup.Manager
	lifecycle  *lifecycle.Coordinator

	// recent holds the trailing per-entity readings for classification,
	// ordered by timestamp ascending.
	recentMu sync.Mutex
	recent   map[string][]types.Reading

	alertMu sync.Mutex
	alerts  []Alert

	running atomic.Bool
}

// Options carries optional component overrides.
type Options struct {
	// ColdStorage replaces the filesystem backup provider.
	ColdStorage backup.ColdStorage

	// Scorer replaces the band scorer for rollup scores.
	Scorer rollup.Scorer

	// Rules replaces the built-in diagnosis decision tree.
	Rules []diagnose.Rule
}

// New creates the service and opens all storage.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	cat, err := catalog.Open(catalog.Options{Dir: cfg.CatalogDir()})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg, cat)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := &Service{
		cfg:        cfg,
		catalog:    cat,
		store:      st,
		classifier: diagnose.NewClassifier(opts.Rules),
		bus:        bus.New(cfg.Bus.SubscriberBuffer),
		recent:     make(map[string][]types.Reading),
	}

	svc.rollups = rollup.NewEngine(cfg, st, cat, opts.Scorer)

	svc.backups, err = backup.NewManager(cfg, cat, st, opts.ColdStorage)
	if err != nil {
		st.Close()
		cat.Close()
		return nil, fmt.Errorf("create backup manager: %w", err)
	}

	svc.lifecycle = lifecycle.New(cfg, st, svc.rollups, svc.backups, cat, svc.raiseAlert)

	return svc, nil
}

// Start starts the background scheduler.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return xerrors.Wrap(xerrors.ErrInvalidState, "service already running")
	}

	if err := s.lifecycle.Start(); err != nil {
		s.running.Store(false)
		return err
	}

	log.Info("service started", "data_dir", s.cfg.DataDir)
	return nil
}

// Stop stops background work and closes storage. In-flight lifecycle
// cycles finish first.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return xerrors.ErrNotRunning
	}

	s.lifecycle.Stop()

	var firstErr error
	if err := s.store.Close(); err != nil {
		firstErr = err
	}
	if err := s.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	log.Info("service stopped")
	return firstErr
}

// ============================================================================
// Ingestion
// ============================================================================

// Ingest validates and stores one reading, classifies it against the
// entity's trailing window, persists the diagnosis, and publishes both
// on the bus. The returned diagnosis is what subscribers saw.
func (s *Service) Ingest(ctx context.Context, rd types.Reading) (types.Diagnosis, error) {
	if err := s.store.Write(rd); err != nil {
		return types.Diagnosis{}, err
	}

	win := s.trailingWindow(rd.EntityID, rd.TimestampMs)
	diag := s.classifier.Classify(&rd, win)

	if err := s.catalog.PutDiagnosis(diag); err != nil {
		// The reading is durable; a diagnosis that failed to persist is
		// recomputable from raw data.
		log.Warn("persist diagnosis", "entity", rd.EntityID, "error", err)
	}

	s.rememberReading(rd)

	s.bus.PublishReading(&rd)
	s.bus.PublishDiagnosis(&diag)

	return diag, nil
}

// IngestBatch ingests readings one by one and returns per-reading
// results. A bad reading does not abort the rest of the batch.
func (s *Service) IngestBatch(ctx context.Context, readings []types.Reading) ([]types.Diagnosis, []error) {
	diags := make([]types.Diagnosis, len(readings))
	errs := make([]error, len(readings))
	for i := range readings {
		diags[i], errs[i] = s.Ingest(ctx, readings[i])
	}
	return diags, errs
}

// trailingWindow returns the entity's recent readings strictly older
// than tsMs.
func (s *Service) trailingWindow(entityID string, tsMs int64) *diagnose.Window {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	cached := s.recent[entityID]
	trailing := make([]types.Reading, 0, len(cached))
	for i := range cached {
		if cached[i].TimestampMs < tsMs {
			trailing = append(trailing, cached[i])
		}
	}
	return diagnose.NewWindow(trailing)
}

// rememberReading adds a reading to the entity's trailing window,
// keeping it ordered and bounded.
func (s *Service) rememberReading(rd types.Reading) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	readings := append(s.recent[rd.EntityID], rd)
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].TimestampMs < readings[j].TimestampMs
	})
	if len(readings) > recentWindowSize {
		readings = readings[len(readings)-recentWindowSize:]
	}
	s.recent[rd.EntityID] = readings
}

// ============================================================================
// Queries
// ============================================================================

// QueryRaw returns raw readings for one entity, ascending by timestamp.
func (s *Service) QueryRaw(ctx context.Context, entityID string, from, to time.Time) ([]types.Reading, error) {
	return s.store.Query(ctx, entityID, from, to)
}

// QueryRollup returns rollup rows for one entity at hourly or daily
// granularity.
func (s *Service) QueryRollup(entityID string, g types.Granularity, from, to time.Time) ([]types.RollupRow, error) {
	return s.rollups.Query(entityID, g, from, to)
}

// QueryDiagnoses returns stored diagnoses for one entity, filtered by
// minimum severity.
func (s *Service) QueryDiagnoses(entityID string, from, to time.Time, minSeverity types.Severity) ([]types.Diagnosis, error) {
	return s.catalog.QueryDiagnoses(entityID, from.UnixMilli(), to.UnixMilli(), minSeverity)
}

// Entities returns all known entity ids.
func (s *Service) Entities() []string {
	return s.store.Entities()
}

// Chunks returns metadata for all chunks.
func (s *Service) Chunks() []types.ChunkMeta {
	return s.store.Chunks()
}

// Subscribe registers a live event subscription.
func (s *Service) Subscribe(pattern string) *bus.Subscription {
	return s.bus.Subscribe(pattern)
}

// ============================================================================
// Administration
// ============================================================================

// Backup archives a time range to cold storage.
func (s *Service) Backup(ctx context.Context, from, to time.Time) (types.BackupRecord, error) {
	return s.backups.Backup(ctx, from, to)
}

// VerifyBackup re-verifies a stored backup.
func (s *Service) VerifyBackup(ctx context.Context, id string) (types.BackupRecord, error) {
	return s.backups.Verify(ctx, id)
}

// ListBackups returns all backup records.
func (s *Service) ListBackups() ([]types.BackupRecord, error) {
	return s.backups.List()
}

// Restore loads a verified backup back into the store.
func (s *Service) Restore(ctx context.Context, id string, force bool) (backup.RestoreResult, error) {
	return s.backups.Restore(ctx, id, force)
}

// RunCycle triggers a lifecycle cycle outside its schedule.
func (s *Service) RunCycle(ctx context.Context, kind string) (types.CycleRecord, error) {
	return s.lifecycle.RunCycle(ctx, kind)
}

// LifecycleState returns the current lifecycle state.
func (s *Service) LifecycleState() string {
	return s.lifecycle.State()
}

// LastCycle returns the most recent cycle record of a kind.
func (s *Service) LastCycle(kind string) (types.CycleRecord, error) {
	return s.lifecycle.LastCycle(kind)
}

// RefreshRollups runs a rollup refresh outside the schedule.
func (s *Service) RefreshRollups(ctx context.Context, since time.Time) (rollup.RefreshResult, error) {
	return s.rollups.RefreshAll(ctx, since)
}

// raiseAlert records an alert and logs it. The ring keeps the most
// recent alerts for the status endpoint.
func (s *Service) raiseAlert(severity types.Severity, message string) {
	log.Warn("alert", "severity", severity.String(), "message", message)

	s.alertMu.Lock()
	defer s.alertMu.Unlock()

	s.alerts = append(s.alerts, Alert{
		Severity: severity,
		Message:  message,
		RaisedAt: time.Now().UnixMilli(),
	})
	if len(s.alerts) > maxAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxAlerts:]
	}
}

// Alerts returns the recent alert ring, newest last.
func (s *Service) Alerts() []Alert {
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// Status is the service health snapshot.
type Status struct {
	Running        bool                `json:"running"`
	LifecycleState string              `json:"lifecycle_state"`
	Entities       int                 `json:"entities"`
	Chunks         int                 `json:"chunks"`
	Subscribers    int                 `json:"subscribers"`
	EventsDropped  int64               `json:"events_dropped"`
	Store          store.StatsSnapshot `json:"store"`
	Alerts         []Alert             `json:"alerts,omitempty"`
}

// Status returns the service health snapshot.
func (s *Service) Status() Status {
	subs, _, dropped := s.bus.Stats()
	return Status{
		Running:        s.running.Load(),
		LifecycleState: s.lifecycle.State(),
		Entities:       len(s.store.Entities()),
		Chunks:         len(s.store.Chunks()),
		Subscribers:    subs,
		EventsDropped:  dropped,
		Store:          s.store.Stats(),
		Alerts:         s.Alerts(),
	}
}
