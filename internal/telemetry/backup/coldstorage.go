// Package backup creates, verifies, and restores archives of raw
// telemetry.
//
// A backup is only trusted after verification: the archive is read back
// from cold storage, its checksum compared, and its contents decoded.
// Retention refuses to delete any chunk that is not covered by a
// verified archive, and restore always takes a safety backup of the
// target range before touching the store.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	xerrors "github.com/espwatch/espwatch/internal/errors"
)

// ColdStorage is the archive destination. The filesystem provider is the
// default; object-store providers satisfy the same interface.
type ColdStorage interface {
	// Put stores the object and returns its size in bytes.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens the object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// FSStorage stores archives in a local directory.
type FSStorage struct {
	dir string
}

// NewFSStorage creates a filesystem cold-storage provider.
func NewFSStorage(dir string) (*FSStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FSStorage{dir: dir}, nil
}

func (s *FSStorage) path(key string) string {
	return filepath.Join(s.dir, filepath.Base(key))
}

// Put implements ColdStorage. Writes go through a temp file and rename.
func (s *FSStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dst := s.path(key)
	tmp := dst + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("write archive: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("sync archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close archive: %w", err)
	}

	return n, os.Rename(tmp, dst)
}

// Get implements ColdStorage.
func (s *FSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrapf(xerrors.ErrBackupNotFound, "archive %s", key)
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return f, nil
}

// Delete implements ColdStorage.
func (s *FSStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete archive: %w", err)
	}
	return nil
}

// BreakerStorage wraps a ColdStorage in a circuit breaker so a flapping
// remote provider fails fast instead of stalling every lifecycle cycle.
type BreakerStorage struct {
	inner ColdStorage
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStorage wraps a provider with a circuit breaker.
func NewBreakerStorage(inner ColdStorage) *BreakerStorage {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cold-storage",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &BreakerStorage{inner: inner, cb: cb}
}

func (b *BreakerStorage) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Put(ctx, key, r)
	})
	if err != nil {
		return 0, breakerErr(err)
	}
	return res.(int64), nil
}

func (b *BreakerStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return res.(io.ReadCloser), nil
}

func (b *BreakerStorage) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	if err != nil {
		return breakerErr(err)
	}
	return nil
}

func breakerErr(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return xerrors.Wrap(xerrors.ErrColdStorage, err.Error())
	}
	return err
}
