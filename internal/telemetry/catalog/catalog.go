// Package catalog is the metadata store for the telemetry engine.
//
// It keeps every record class that is not raw telemetry: chunk metadata,
// rollup rows, diagnosis records, backup records, known entities, dirty
// rollup buckets, and lifecycle cycle records. Each class lives under its
// own key prefix in a single BadgerDB so that all metadata survives a
// restart together.
//
// Key layout (all timestamps zero-padded for lexicographic ordering):
//
//	chunk/{start_ms}
//	rollup/{granularity}/{entity}/{bucket_ms}
//	diag/{entity}/{ts_ms}
//	backup/{ulid}
//	entity/{id}
//	dirty/{granularity}/{entity}/{bucket_ms}
//	cycle/last/{kind}
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	xerrors "github.com/espwatch/espwatch/internal/errors"
	"github.com/espwatch/espwatch/internal/logging"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

var log = logging.Component("catalog")

// Catalog is the badger-backed metadata store.
type Catalog struct {
	mu sync.RWMutex
	db *badger.DB
}

// Options configures the catalog.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs the catalog without disk files, for tests.
	InMemory bool
}

// Open opens the catalog database.
func Open(opts Options) (*Catalog, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// RunGC runs one round of badger value-log garbage collection.
func (c *Catalog) RunGC(discardRatio float64) error {
	return c.db.RunValueLogGC(discardRatio)
}

// ============================================================================
// Key helpers
// ============================================================================

func padMs(ms int64) string {
	return fmt.Sprintf("%020d", ms)
}

func chunkKey(id int64) []byte {
	return []byte("chunk/" + padMs(id))
}

func rollupKey(g types.Granularity, entity string, bucketMs int64) []byte {
	return []byte("rollup/" + g.String() + "/" + entity + "/" + padMs(bucketMs))
}

func diagKey(entity string, tsMs int64) []byte {
	return []byte("diag/" + entity + "/" + padMs(tsMs))
}

func backupKey(id string) []byte {
	return []byte("backup/" + id)
}

func entityKey(id string) []byte {
	return []byte("entity/" + id)
}

func dirtyKey(g types.Granularity, entity string, bucketMs int64) []byte {
	return []byte("dirty/" + g.String() + "/" + entity + "/" + padMs(bucketMs))
}

func cycleKey(kind string) []byte {
	return []byte("cycle/last/" + kind)
}

// ============================================================================
// Generic JSON get/put/scan
// ============================================================================

func (c *Catalog) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (c *Catalog) getJSON(key []byte, v any) error {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err == badger.ErrKeyNotFound {
		return xerrors.ErrNotFound
	}
	return err
}

// scanPrefix iterates all values under prefix in key order, invoking fn
// with each raw value. fn returning false stops the scan.
func (c *Catalog) scanPrefix(prefix []byte, fn func(key, val []byte) (bool, error)) error {
	return c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
			PrefetchSize:   64,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var cont bool
			err := item.Value(func(val []byte) error {
				var ferr error
				cont, ferr = fn(item.Key(), val)
				return ferr
			})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// deletePrefixBefore deletes keys under prefix whose trailing padded
// timestamp is older than cutoffMs. Returns the number deleted.
func (c *Catalog) deletePrefixBefore(prefix []byte, cutoffMs int64) (int, error) {
	var victims [][]byte

	err := c.scanPrefix(prefix, func(key, _ []byte) (bool, error) {
		ts, err := trailingMs(key)
		if err != nil {
			return true, nil // skip malformed keys
		}
		if ts < cutoffMs {
			k := make([]byte, len(key))
			copy(k, key)
			victims = append(victims, k)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		for _, k := range victims {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(victims), nil
}

// trailingMs parses the zero-padded timestamp that terminates a key.
func trailingMs(key []byte) (int64, error) {
	idx := bytes.LastIndexByte(key, '/')
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("no timestamp suffix in %q", key)
	}
	return strconv.ParseInt(string(key[idx+1:]), 10, 64)
}

// ============================================================================
// Chunk metadata
// ============================================================================

// PutChunk stores or replaces chunk metadata.
func (c *Catalog) PutChunk(meta types.ChunkMeta) error {
	return c.putJSON(chunkKey(meta.ID), meta)
}

// GetChunk loads chunk metadata by id.
func (c *Catalog) GetChunk(id int64) (types.ChunkMeta, error) {
	var meta types.ChunkMeta
	if err := c.getJSON(chunkKey(id), &meta); err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return meta, xerrors.ErrChunkNotFound
		}
		return meta, err
	}
	return meta, nil
}

// DeleteChunk removes chunk metadata.
func (c *Catalog) DeleteChunk(id int64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(id))
	})
}

// ListChunks returns all chunk metadata ordered by window start.
func (c *Catalog) ListChunks() ([]types.ChunkMeta, error) {
	var metas []types.ChunkMeta
	err := c.scanPrefix([]byte("chunk/"), func(_, val []byte) (bool, error) {
		var meta types.ChunkMeta
		if err := json.Unmarshal(val, &meta); err != nil {
			return false, err
		}
		metas = append(metas, meta)
		return true, nil
	})
	return metas, err
}

// ============================================================================
// Rollup rows
// ============================================================================

// PutRollupRow stores or replaces a rollup row.
func (c *Catalog) PutRollupRow(row types.RollupRow) error {
	return c.putJSON(rollupKey(row.Granularity, row.EntityID, row.BucketStartMs), row)
}

// GetRollupRow loads one rollup row.
func (c *Catalog) GetRollupRow(g types.Granularity, entity string, bucketMs int64) (types.RollupRow, error) {
	var row types.RollupRow
	if err := c.getJSON(rollupKey(g, entity, bucketMs), &row); err != nil {
		return row, err
	}
	row.Granularity = g
	return row, nil
}

// QueryRollup returns rollup rows for one entity ordered by bucket start.
func (c *Catalog) QueryRollup(entity string, g types.Granularity, fromMs, toMs int64) ([]types.RollupRow, error) {
	prefix := []byte("rollup/" + g.String() + "/" + entity + "/")

	var rows []types.RollupRow
	err := c.scanPrefix(prefix, func(key, val []byte) (bool, error) {
		bucket, err := trailingMs(key)
		if err != nil {
			return true, nil
		}
		if bucket < fromMs {
			return true, nil
		}
		if bucket > toMs {
			return false, nil
		}

		var row types.RollupRow
		if err := json.Unmarshal(val, &row); err != nil {
			return false, err
		}
		row.Granularity = g
		rows = append(rows, row)
		return true, nil
	})
	return rows, err
}

// DeleteRollupBefore deletes rollup rows older than cutoffMs for all
// entities at the given granularity. Rollup retention runs independently
// of raw retention.
func (c *Catalog) DeleteRollupBefore(g types.Granularity, cutoffMs int64) (int, error) {
	return c.deletePrefixBefore([]byte("rollup/"+g.String()+"/"), cutoffMs)
}

// ============================================================================
// Diagnoses
// ============================================================================

// PutDiagnosis stores a diagnosis record.
func (c *Catalog) PutDiagnosis(d types.Diagnosis) error {
	return c.putJSON(diagKey(d.EntityID, d.TimestampMs), d)
}

// QueryDiagnoses returns diagnoses for one entity ordered by timestamp.
// minSeverity filters out lower-severity records; pass SeverityInfo for all.
func (c *Catalog) QueryDiagnoses(entity string, fromMs, toMs int64, minSeverity types.Severity) ([]types.Diagnosis, error) {
	prefix := []byte("diag/" + entity + "/")

	var out []types.Diagnosis
	err := c.scanPrefix(prefix, func(key, val []byte) (bool, error) {
		ts, err := trailingMs(key)
		if err != nil {
			return true, nil
		}
		if ts < fromMs {
			return true, nil
		}
		if ts > toMs {
			return false, nil
		}

		var d types.Diagnosis
		if err := json.Unmarshal(val, &d); err != nil {
			return false, err
		}
		if d.Severity >= minSeverity {
			out = append(out, d)
		}
		return true, nil
	})
	return out, err
}

// DeleteDiagnosesBefore deletes diagnosis records older than cutoffMs.
func (c *Catalog) DeleteDiagnosesBefore(cutoffMs int64) (int, error) {
	return c.deletePrefixBefore([]byte("diag/"), cutoffMs)
}

// ============================================================================
// Backup records
// ============================================================================

// PutBackupRecord stores a backup record.
func (c *Catalog) PutBackupRecord(rec types.BackupRecord) error {
	return c.putJSON(backupKey(rec.ID), rec)
}

// GetBackupRecord loads a backup record by id.
func (c *Catalog) GetBackupRecord(id string) (types.BackupRecord, error) {
	var rec types.BackupRecord
	if err := c.getJSON(backupKey(id), &rec); err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return rec, xerrors.ErrBackupNotFound
		}
		return rec, err
	}
	return rec, nil
}

// ListBackupRecords returns all backup records in id (creation) order.
func (c *Catalog) ListBackupRecords() ([]types.BackupRecord, error) {
	var recs []types.BackupRecord
	err := c.scanPrefix([]byte("backup/"), func(_, val []byte) (bool, error) {
		var rec types.BackupRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, err
		}
		recs = append(recs, rec)
		return true, nil
	})
	return recs, err
}

// HasVerifiedCovering reports whether a verified, non-safety backup record
// fully covers [startMs, endMs]. This is the retention precondition.
func (c *Catalog) HasVerifiedCovering(startMs, endMs int64) (bool, error) {
	found := false
	err := c.scanPrefix([]byte("backup/"), func(_, val []byte) (bool, error) {
		var rec types.BackupRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, err
		}
		if rec.Verified && !rec.Safety && rec.Covers(startMs, endMs) {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// ============================================================================
// Entities
// ============================================================================

// AddEntity records an entity id on first sight. Idempotent.
func (c *Catalog) AddEntity(id string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entityKey(id), nil)
	})
}

// ListEntities returns all known entity ids in lexicographic order.
func (c *Catalog) ListEntities() ([]string, error) {
	var ids []string
	err := c.scanPrefix([]byte("entity/"), func(key, _ []byte) (bool, error) {
		ids = append(ids, strings.TrimPrefix(string(key), "entity/"))
		return true, nil
	})
	return ids, err
}

// ============================================================================
// Dirty rollup buckets
// ============================================================================

// DirtyBucket identifies a rollup bucket with un-aggregated raw data.
type DirtyBucket struct {
	EntityID string
	BucketMs int64
}

// MarkDirty flags a bucket for the next rollup refresh. Idempotent.
func (c *Catalog) MarkDirty(g types.Granularity, entity string, bucketMs int64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dirtyKey(g, entity, bucketMs), nil)
	})
}

// ListDirty returns dirty buckets at the given granularity with bucket
// start >= sinceMs, ordered by entity then bucket.
func (c *Catalog) ListDirty(g types.Granularity, sinceMs int64) ([]DirtyBucket, error) {
	prefix := []byte("dirty/" + g.String() + "/")

	var out []DirtyBucket
	err := c.scanPrefix(prefix, func(key, _ []byte) (bool, error) {
		rest := strings.TrimPrefix(string(key), string(prefix))
		idx := strings.LastIndexByte(rest, '/')
		if idx < 0 {
			return true, nil
		}
		bucket, err := strconv.ParseInt(rest[idx+1:], 10, 64)
		if err != nil {
			return true, nil
		}
		if bucket < sinceMs {
			return true, nil
		}
		out = append(out, DirtyBucket{EntityID: rest[:idx], BucketMs: bucket})
		return true, nil
	})
	return out, err
}

// ClearDirty removes a dirty mark after a successful refresh.
func (c *Catalog) ClearDirty(g types.Granularity, entity string, bucketMs int64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dirtyKey(g, entity, bucketMs))
	})
}

// ============================================================================
// Lifecycle cycle records
// ============================================================================

// PutCycleRecord stores the latest cycle record for its kind.
func (c *Catalog) PutCycleRecord(rec types.CycleRecord) error {
	return c.putJSON(cycleKey(rec.Kind), rec)
}

// GetCycleRecord loads the latest cycle record for a kind.
func (c *Catalog) GetCycleRecord(kind string) (types.CycleRecord, error) {
	var rec types.CycleRecord
	err := c.getJSON(cycleKey(kind), &rec)
	return rec, err
}

// Flatten forces badger to flush and compact, used before backup of the
// catalog directory itself.
func (c *Catalog) Flatten() error {
	if err := c.db.Flatten(1); err != nil {
		log.Warn("catalog flatten", "error", err)
		return err
	}
	return nil
}
