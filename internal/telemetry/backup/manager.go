package backup

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/espwatch/espwatch/internal/config"
	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry/catalog"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

var log = logging.Component("backup")

// DataSource is the store view the manager needs. The store satisfies
// it. QueryAll must return every reading in the range: archives built
// from a capped read would pass their own count check and still lose
// whatever the cap cut off.
type DataSource interface {
	QueryAll(ctx context.Context, entityID string, from, to time.Time) ([]types.Reading, error)
	Entities() []string
	RestoreReadings(ctx context.Context, readings []types.Reading) error
}

// Manager creates, verifies, and restores backups.
type Manager struct {
	mu sync.Mutex // one backup or restore at a time

	cfg     *config.Config
	catalog *catalog.Catalog
	source  DataSource
	storage ColdStorage
}

// NewManager creates a backup manager. A nil storage falls back to the
// configured filesystem provider behind a circuit breaker.
func NewManager(cfg *config.Config, cat *catalog.Catalog, source DataSource, storage ColdStorage) (*Manager, error) {
	if storage == nil {
		fs, err := NewFSStorage(cfg.Backup.Dir)
		if err != nil {
			return nil, err
		}
		storage = NewBreakerStorage(fs)
	}

	return &Manager{
		cfg:     cfg,
		catalog: cat,
		source:  source,
		storage: storage,
	}, nil
}

// Backup archives all readings in [from, to] to cold storage and
// verifies the archive before recording it. If a verified backup already
// covers the range it is returned as-is; re-archiving identical data
// would only burn cold-storage space.
func (m *Manager) Backup(ctx context.Context, from, to time.Time) (types.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	if existing, ok, err := m.findVerifiedCovering(fromMs, toMs); err != nil {
		return types.BackupRecord{}, err
	} else if ok {
		log.Info("backup skipped, range already covered", "backup", existing.ID)
		return existing, nil
	}

	return m.archiveRange(ctx, fromMs, toMs, false)
}

// archiveRange builds, uploads, and verifies one archive.
func (m *Manager) archiveRange(ctx context.Context, fromMs, toMs int64, safety bool) (types.BackupRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Backup.Timeout)
	defer cancel()

	readings, err := m.collect(ctx, fromMs, toMs)
	if err != nil {
		return types.BackupRecord{}, err
	}

	id := ulid.Make().String()
	key := archiveKey(id, safety)

	header := archiveHeader{
		BackupID:      id,
		CoversStartMs: fromMs,
		CoversEndMs:   toMs,
		CreatedAtMs:   time.Now().UnixMilli(),
	}

	var buf bytes.Buffer
	checksum, err := writeArchive(&buf, header, readings)
	if err != nil {
		return types.BackupRecord{}, fmt.Errorf("build archive: %w", err)
	}

	size, err := m.storage.Put(ctx, key, &buf)
	if err != nil {
		return types.BackupRecord{}, fmt.Errorf("upload archive: %w", err)
	}

	rec := types.BackupRecord{
		ID:            id,
		CreatedAtMs:   header.CreatedAtMs,
		CoversStartMs: fromMs,
		CoversEndMs:   toMs,
		StorageKey:    key,
		Checksum:      checksum,
		SizeBytes:     size,
		ReadingCount:  int64(len(readings)),
		Safety:        safety,
	}

	// Verification reads the archive back from cold storage. Only what
	// actually round-trips is trusted.
	if err := m.verifyRecord(ctx, &rec); err != nil {
		m.storage.Delete(ctx, key)
		return types.BackupRecord{}, fmt.Errorf("verify archive: %w", err)
	}
	rec.Verified = true

	if err := m.catalog.PutBackupRecord(rec); err != nil {
		return types.BackupRecord{}, fmt.Errorf("record backup: %w", err)
	}

	log.Info("backup created",
		"backup", id, "safety", safety,
		"readings", rec.ReadingCount, "bytes", size)

	return rec, nil
}

// collect gathers readings for every entity in the range, ordered by
// (entity, timestamp) so identical data yields identical archives.
func (m *Manager) collect(ctx context.Context, fromMs, toMs int64) ([]types.Reading, error) {
	entities := m.source.Entities()
	sort.Strings(entities)

	var out []types.Reading
	for _, entity := range entities {
		readings, err := m.source.QueryAll(ctx, entity, time.UnixMilli(fromMs), time.UnixMilli(toMs))
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", entity, err)
		}
		out = append(out, readings...)
	}
	return out, nil
}

// Verify re-downloads a backup and checks it end to end. The record's
// verified flag is updated to match the outcome.
func (m *Manager) Verify(ctx context.Context, id string) (types.BackupRecord, error) {
	rec, err := m.catalog.GetBackupRecord(id)
	if err != nil {
		return rec, err
	}

	verifyErr := m.verifyRecord(ctx, &rec)
	rec.Verified = verifyErr == nil

	if err := m.catalog.PutBackupRecord(rec); err != nil {
		return rec, fmt.Errorf("update backup record: %w", err)
	}
	if verifyErr != nil {
		return rec, verifyErr
	}
	return rec, nil
}

// verifyRecord downloads the archive and checks checksum, header
// identity, and reading count.
func (m *Manager) verifyRecord(ctx context.Context, rec *types.BackupRecord) error {
	rc, err := m.storage.Get(ctx, rec.StorageKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	header, readings, checksum, err := readArchive(rc)
	if err != nil {
		return err
	}

	if checksum != rec.Checksum {
		return xerrors.Wrapf(xerrors.ErrChecksumMismatch,
			"backup %s: stored %s, computed %s", rec.ID, rec.Checksum, checksum)
	}
	if header.BackupID != rec.ID {
		return xerrors.Wrapf(xerrors.ErrChecksumMismatch,
			"backup %s: archive header names %s", rec.ID, header.BackupID)
	}
	if int64(len(readings)) != rec.ReadingCount {
		return xerrors.Wrapf(xerrors.ErrChecksumMismatch,
			"backup %s: %d readings, expected %d", rec.ID, len(readings), rec.ReadingCount)
	}

	return nil
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	BackupID         string `json:"backup_id"`
	SafetyBackupID   string `json:"safety_backup_id"`
	ReadingsRestored int64  `json:"readings_restored"`
}

// Restore loads a verified backup back into the store. It refuses to run
// without force, takes a safety backup of the target range first, and
// stages the full archive in memory before mutating anything, so a
// partial download can never half-apply.
func (m *Manager) Restore(ctx context.Context, id string, force bool) (RestoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res RestoreResult

	if !force {
		return res, xerrors.Wrap(xerrors.ErrConfirmationRequired,
			"restore overwrites current data for the covered range")
	}

	rec, err := m.catalog.GetBackupRecord(id)
	if err != nil {
		return res, err
	}
	if !rec.Verified {
		return res, xerrors.Wrapf(xerrors.ErrNoVerifiedBackup, "backup %s is not verified", id)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Backup.Timeout)
	defer cancel()

	// Stage the archive first. If the download or decode fails, the
	// store has not been touched.
	rc, err := m.storage.Get(ctx, rec.StorageKey)
	if err != nil {
		return res, err
	}
	_, readings, checksum, err := readArchive(rc)
	rc.Close()
	if err != nil {
		return res, fmt.Errorf("stage archive: %w", err)
	}
	if checksum != rec.Checksum {
		return res, xerrors.Wrapf(xerrors.ErrChecksumMismatch, "backup %s", id)
	}

	safety, err := m.archiveRange(ctx, rec.CoversStartMs, rec.CoversEndMs, true)
	if err != nil {
		return res, fmt.Errorf("safety backup: %w", err)
	}

	if err := m.source.RestoreReadings(ctx, readings); err != nil {
		return res, fmt.Errorf("apply restore: %w", err)
	}

	res = RestoreResult{
		BackupID:         rec.ID,
		SafetyBackupID:   safety.ID,
		ReadingsRestored: int64(len(readings)),
	}

	log.Info("restore complete",
		"backup", rec.ID, "safety_backup", safety.ID, "readings", res.ReadingsRestored)

	return res, nil
}

// List returns all backup records in creation order.
func (m *Manager) List() ([]types.BackupRecord, error) {
	return m.catalog.ListBackupRecords()
}

// findVerifiedCovering returns the first verified non-safety record
// covering the range.
func (m *Manager) findVerifiedCovering(fromMs, toMs int64) (types.BackupRecord, bool, error) {
	recs, err := m.catalog.ListBackupRecords()
	if err != nil {
		return types.BackupRecord{}, false, err
	}
	for _, rec := range recs {
		if rec.Verified && !rec.Safety && rec.Covers(fromMs, toMs) {
			return rec, true, nil
		}
	}
	return types.BackupRecord{}, false, nil
}

func archiveKey(id string, safety bool) string {
	if safety {
		return "espwatch-safety-" + id + ".jsonl.zst"
	}
	return "espwatch-" + id + ".jsonl.zst"
}
