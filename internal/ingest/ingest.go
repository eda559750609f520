// Package ingest shards inventory manifests into the processedReports tree.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/inventory"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/logging"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/walker"
)

// Phase is the phase label used in logs, metrics and summaries.
const Phase = "ingest"

// Config configures an ingest run.
type Config struct {
	Root       string
	Workers    int
	MaxEntries int // per shard, default shard.DefaultMaxEntries
}

// Result summarises an ingest run.
type Result struct {
	Walk      walker.Stats
	Files     int64
	Skipped   int64 // unsupported or unreadable files
	Records   int64
	Malformed int64
	Shards    int64
	Sidecars  int64
	Duration  time.Duration
}

// Ingester shards manifests one directory unit at a time. Each unit gets its
// own shard.Writer, so no shard state is shared between goroutines.
type Ingester struct {
	root       string
	maxEntries int

	files, skipped, records, malformed, shards, sidecars atomic.Int64
}

// New creates an Ingester writing under root.
func New(root string, maxEntries int) *Ingester {
	if maxEntries <= 0 {
		maxEntries = shard.DefaultMaxEntries
	}
	return &Ingester{root: root, maxEntries: maxEntries}
}

// Run walks cfg.Root and shards every manifest found outside processedReports.
func Run(ctx context.Context, cfg Config) (Result, error) {
	log := logging.Component(Phase)
	start := time.Now()

	in := New(cfg.Root, cfg.MaxEntries)
	w := walker.New(cfg.Root, walker.Options{
		Phase:    Phase,
		Workers:  cfg.Workers,
		SkipDirs: []string{shard.ReservedDir},
	})

	log.Info("Starting ingest",
		"root", cfg.Root,
		"workers", w.Workers(),
		"max_entries_per_file", in.maxEntries,
	)

	walkStats, err := w.Walk(ctx, in.ProcessUnit)
	res := in.Result()
	res.Walk = walkStats
	res.Duration = time.Since(start)

	log.Info("Ingest complete",
		"units", walkStats.Units,
		"failed_units", walkStats.Failed,
		"files", res.Files,
		"records", res.Records,
		"malformed", res.Malformed,
		"shards", res.Shards,
		"duration", res.Duration,
	)
	return res, err
}

// Result returns the counters accumulated so far.
func (in *Ingester) Result() Result {
	return Result{
		Files:     in.files.Load(),
		Skipped:   in.skipped.Load(),
		Records:   in.records.Load(),
		Malformed: in.malformed.Load(),
		Shards:    in.shards.Load(),
		Sidecars:  in.sidecars.Load(),
	}
}

// ProcessUnit shards every manifest of u in name order. A rollover failure
// aborts the unit; an unreadable file is logged and the next file is read.
func (in *Ingester) ProcessUnit(ctx context.Context, u walker.Unit) error {
	log := logging.UnitLogger(ctx, Phase, u.Dir)
	w := shard.NewWriter(in.root, in.maxEntries, log)
	defer func() {
		st := w.Stats()
		in.records.Add(int64(st.Records))
		in.shards.Add(int64(st.Shards))
		in.sidecars.Add(int64(st.Sidecars))
	}()

	var readErrs []error
	for _, path := range u.Files {
		format := inventory.DetectFormat(path)
		if format == inventory.FormatUnsupported {
			in.skip(log, path, "unsupported")
			continue
		}

		err := in.processFile(ctx, w, log, path)
		switch {
		case err == nil:
			in.files.Add(1)
		case errors.Is(err, shard.ErrRollover), ctx.Err() != nil:
			w.Close()
			return err
		default:
			in.skip(log, path, "unreadable")
			readErrs = append(readErrs, err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close shard: %w", err)
	}
	if len(readErrs) > 0 {
		return fmt.Errorf("%d of %d files unreadable: %w", len(readErrs), len(u.Files), errors.Join(readErrs...))
	}
	return nil
}

func (in *Ingester) processFile(ctx context.Context, w *shard.Writer, log *slog.Logger, path string) error {
	log.Info("Processing file", "file", filepath.Base(path))

	var malformed int64
	err := inventory.ReadLines(ctx, path, func(line string) error {
		rec, err := inventory.ParseLine(line)
		if err == nil {
			err = w.Write(rec)
		}
		if errors.Is(err, inventory.ErrMalformedRecord) {
			malformed++
			log.Debug("Skipping malformed record", "file", filepath.Base(path), "error", err)
			return nil
		}
		return err
	})

	in.malformed.Add(malformed)
	if m := metrics.Get(); m != nil {
		m.RecordsMalformed.Add(float64(malformed))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func (in *Ingester) skip(log *slog.Logger, path, reason string) {
	in.skipped.Add(1)
	if m := metrics.Get(); m != nil {
		m.IncFilesSkipped(reason)
	}
	log.Warn("Skipping file", "file", filepath.Base(path), "reason", reason)
}
