package shard

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/inventory"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
)

// ErrRollover wraps directory and file creation failures during rollover.
// It aborts the owning work unit.
var ErrRollover = errors.New("shard rollover failed")

// ShardExt is the extension of shard files.
const ShardExt = ".csv"

const writeBufferSize = 64 * 1024

// Stats counts what a Writer produced.
type Stats struct {
	Records  int
	Shards   int
	Sidecars int
}

// Writer appends records to shard files. A Writer owns its State and must be
// used by a single goroutine, normally the one processing a directory unit.
type Writer struct {
	root       string
	maxEntries int
	logger     *slog.Logger

	state State
	file  *os.File
	buf   *bufio.Writer
	stats Stats

	newName func() string
}

// NewWriter returns a Writer placing shards under root/processedReports.
func NewWriter(root string, maxEntries int, logger *slog.Logger) *Writer {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		root:       root,
		maxEntries: maxEntries,
		logger:     logger,
		newName:    func() string { return uuid.NewString() + ShardExt },
	}
}

// State returns a copy of the current rollover state.
func (w *Writer) State() State { return w.state }

// Stats returns the writer's counters.
func (w *Writer) Stats() Stats { return w.stats }

// Write routes rec to its shard, rolling over first when needed.
func (w *Writer) Write(rec inventory.Record) error {
	key, err := KeyFor(rec)
	if err != nil {
		return err
	}
	destDir := key.Dir(w.root)

	if Decide(destDir, w.state, w.maxEntries) == Rollover {
		if err := w.rollover(destDir, rec); err != nil {
			return err
		}
	}

	if _, err := w.buf.WriteString(rec.RawLine); err != nil {
		return fmt.Errorf("append to %s: %w", w.state.ActivePath, err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("append to %s: %w", w.state.ActivePath, err)
	}

	w.state.EntryCount++
	w.stats.Records++
	if m := metrics.Get(); m != nil {
		m.RecordsRouted.Inc()
	}
	return nil
}

func (w *Writer) rollover(destDir string, rec inventory.Record) error {
	if err := w.closeActive(); err != nil {
		return fmt.Errorf("%w: %w", ErrRollover, err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrRollover, destDir, err)
	}

	// The sidecar goes first so a failed rollover never leaves a shard the
	// archive phase cannot resolve.
	written, err := WriteSidecar(destDir, Sidecar{Bucket: rec.Bucket, Prefix: ArchivePrefix(rec)})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRollover, err)
	}
	if written {
		w.stats.Sidecars++
		if m := metrics.Get(); m != nil {
			m.SidecarsWritten.Inc()
		}
		w.logger.Debug("Wrote archive destination sidecar", "dir", destDir)
	}

	path := filepath.Join(destDir, w.newName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrRollover, path, err)
	}

	w.file = f
	w.buf = bufio.NewWriterSize(f, writeBufferSize)
	w.state = State{ActivePath: path}
	w.stats.Shards++
	if m := metrics.Get(); m != nil {
		m.ShardsCreated.Inc()
	}

	w.logger.Debug("Started shard", "path", path)
	return nil
}

func (w *Writer) closeActive() error {
	if w.file == nil {
		return nil
	}
	f, buf := w.file, w.buf
	w.file, w.buf = nil, nil

	if err := buf.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Name(), err)
	}
	return nil
}

// Close flushes and closes the active shard. The Writer can keep writing
// afterwards; the next record starts a new shard.
func (w *Writer) Close() error {
	err := w.closeActive()
	w.state = State{}
	return err
}
