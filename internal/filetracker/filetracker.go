// Package filetracker is the external collaborator the writer uses to
// obtain filenames and to account for disk usage across the full set of
// files the recorder has ever opened, not just the current one.
package filetracker

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// DiskFullError is raised when opening a new file would exceed the
// configured total-size budget across all files.
type DiskFullError struct {
	MinSizeNeeded  int64
	TotalSizeLimit int64
	CurrentTotal   int64
}

func (e *DiskFullError) Error() string {
	return fmt.Sprintf("disk full: need %d bytes but only %d remain of a %d byte budget",
		e.MinSizeNeeded, e.TotalSizeLimit-e.CurrentTotal, e.TotalSizeLimit)
}

// Tracker hands out filenames for new files and tracks the cumulative size
// of everything written so far, so the writer can enforce a total-size
// ceiling spanning file rollovers.
type Tracker interface {
	// NewFile allocates a filename for a file requiring at least minSize
	// bytes of headroom against the total budget. Returns DiskFullError if
	// the budget cannot accommodate it.
	NewFile(minSize int64) (path string, err error)
	// CurrentFilename returns the path most recently returned by NewFile.
	CurrentFilename() string
	// SetCurrentFileSize updates the tracked size of the current file
	// before it's closed, so GetTotalSize reflects the final size.
	SetCurrentFileSize(size int64) error
	// CloseFile finalizes accounting for the current file.
	CloseFile() error
	// GetTotalSize returns the cumulative size of all files tracked so far.
	GetTotalSize() (int64, error)
	Close() error
}

var (
	bucketFiles        = []byte("files")
	keyTotalSize       = []byte("total_size")
	keyCurrentFilename = []byte("current_filename")
	keyCurrentSize     = []byte("current_size")
)

// BoltFileTracker is the default Tracker: filenames are
// "<prefix>_<uuid>.mcap" under outputDir, and cumulative size is persisted
// in a BoltDB bucket so GetTotalSize survives a process restart.
type BoltFileTracker struct {
	db        *bbolt.DB
	logger    *zap.Logger
	outputDir string
	prefix    string
	maxTotal  int64

	currentFilename string
	currentSize     int64
}

// NewBoltFileTracker opens (or creates) the durable ledger at dbPath and
// prepares to allocate files under outputDir.
func NewBoltFileTracker(dbPath, outputDir, prefix string, maxTotal int64, logger *zap.Logger) (*BoltFileTracker, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening file tracker db: %w", err)
	}

	t := &BoltFileTracker{
		db:        db,
		logger:    logger,
		outputDir: outputDir,
		prefix:    prefix,
		maxTotal:  maxTotal,
	}

	if err := t.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketFiles)
		if err != nil {
			return err
		}
		if v := b.Get(keyCurrentFilename); v != nil {
			t.currentFilename = string(v)
		}
		if v := b.Get(keyCurrentSize); v != nil {
			t.currentSize = bytesToInt64(v)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing file tracker schema: %w", err)
	}

	return t, nil
}

func (t *BoltFileTracker) totalSizeLocked(tx *bbolt.Tx) int64 {
	b := tx.Bucket(bucketFiles)
	v := b.Get(keyTotalSize)
	if v == nil {
		return 0
	}
	return bytesToInt64(v)
}

// GetTotalSize returns the cumulative size of all closed files plus the
// current (still open) file's last reported size.
func (t *BoltFileTracker) GetTotalSize() (int64, error) {
	var total int64
	err := t.db.View(func(tx *bbolt.Tx) error {
		total = t.totalSizeLocked(tx) + t.currentSize
		return nil
	})
	return total, err
}

// NewFile allocates a new filename, verifying the total budget first.
func (t *BoltFileTracker) NewFile(minSize int64) (string, error) {
	var total int64
	err := t.db.View(func(tx *bbolt.Tx) error {
		total = t.totalSizeLocked(tx)
		return nil
	})
	if err != nil {
		return "", err
	}

	if t.maxTotal > 0 && total+minSize > t.maxTotal {
		return "", &DiskFullError{
			MinSizeNeeded:  minSize,
			TotalSizeLimit: t.maxTotal,
			CurrentTotal:   total,
		}
	}

	filename := fmt.Sprintf("%s_%s.mcap", t.prefix, uuid.New().String())
	path := filepath.Join(t.outputDir, filename)

	if err := t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.Put(keyCurrentFilename, []byte(path))
	}); err != nil {
		return "", fmt.Errorf("recording current filename: %w", err)
	}

	t.currentFilename = path
	t.currentSize = 0

	if t.logger != nil {
		t.logger.Debug("allocated mcap file", zap.String("path", path), zap.Int64("min_size", minSize))
	}

	return path, nil
}

// CurrentFilename returns the path most recently returned by NewFile.
func (t *BoltFileTracker) CurrentFilename() string {
	return t.currentFilename
}

// SetCurrentFileSize updates the tracked size of the file still open.
func (t *BoltFileTracker) SetCurrentFileSize(size int64) error {
	t.currentSize = size
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.Put(keyCurrentSize, int64ToBytes(size))
	})
}

// CloseFile folds the current file's size into the durable running total
// and clears current-file state.
func (t *BoltFileTracker) CloseFile() error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		total := t.totalSizeLocked(tx) + t.currentSize
		if err := b.Put(keyTotalSize, int64ToBytes(total)); err != nil {
			return err
		}
		if err := b.Delete(keyCurrentFilename); err != nil {
			return err
		}
		if err := b.Delete(keyCurrentSize); err != nil {
			return err
		}
		t.currentFilename = ""
		t.currentSize = 0
		return nil
	})
}

// Close releases the underlying BoltDB handle.
func (t *BoltFileTracker) Close() error {
	return t.db.Close()
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
