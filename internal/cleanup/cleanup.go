// Package cleanup deletes the source objects listed in archived shards and
// then removes the shards themselves.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/inventory"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/logging"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/objectstore"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/retry"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/walker"
)

// Phase is the phase label used in logs, metrics and summaries.
const Phase = "cleanup"

// DefaultBatchSize is the most keys sent in one delete request.
const DefaultBatchSize = 250

// ErrBatchFailed is returned when a delete batch exhausts its retries. The
// manifest is kept so the next run redoes every batch.
var ErrBatchFailed = errors.New("delete batch failed")

// Config configures a cleanup run.
type Config struct {
	Root      string
	Workers   int
	BatchSize int
	Policy    retry.Policy

	// RequestsPerSecond limits delete requests across all workers; 0 = unlimited.
	RequestsPerSecond float64
	Burst             int
}

// Result summarises a cleanup run.
type Result struct {
	Walk             walker.Stats
	ManifestsDeleted int64
	ManifestsKept    int64
	Batches          int64
	FailedBatches    int64
	ObjectsDeleted   int64
	Malformed        int64
	Duration         time.Duration
}

// Cleaner deletes objects batch by batch. It is safe for concurrent use by
// walker units.
type Cleaner struct {
	cfg     Config
	store   objectstore.Store
	retrier *retry.Retrier
	limiter *rate.Limiter

	deleted, kept, batches, failedBatches, objects, malformed atomic.Int64
}

// New creates a Cleaner. A nil sleep uses retry.Sleep.
func New(cfg Config, store objectstore.Store, sleep retry.Sleeper) *Cleaner {
	if cfg.BatchSize <= 0 || cfg.BatchSize > DefaultBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DeletePolicy
	}

	c := &Cleaner{
		cfg:     cfg,
		store:   store,
		retrier: retry.New(cfg.Policy, sleep, logging.Component(Phase)),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Run cleans every processed shard under cfg.Root/processedReports.
func Run(ctx context.Context, cfg Config, store objectstore.Store) (Result, error) {
	log := logging.Component(Phase)
	start := time.Now()

	info, err := os.Stat(cfg.Root)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", walker.ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("%w: %s is not a directory", walker.ErrInvalidRoot, cfg.Root)
	}
	shardRoot := filepath.Join(cfg.Root, shard.ReservedDir)
	if _, err := os.Stat(shardRoot); os.IsNotExist(err) {
		log.Info("Nothing to clean up", "root", cfg.Root)
		return Result{}, nil
	}

	c := New(cfg, store, nil)
	w := walker.New(shardRoot, walker.Options{
		Phase:   Phase,
		Workers: cfg.Workers,
		Include: shard.IsProcessedShard,
		Abort:   command.IsFatal,
	})

	log.Info("Starting cleanup",
		"root", shardRoot,
		"workers", w.Workers(),
		"batch_size", c.cfg.BatchSize,
		"max_attempts", c.cfg.Policy.MaxAttempts,
		"retry_intervals", c.cfg.Policy.Intervals(),
	)

	walkStats, err := w.Walk(ctx, c.ProcessUnit)
	res := c.Result()
	res.Walk = walkStats
	res.Duration = time.Since(start)

	log.Info("Cleanup complete",
		"units", walkStats.Units,
		"manifests_deleted", res.ManifestsDeleted,
		"manifests_kept", res.ManifestsKept,
		"objects_deleted", res.ObjectsDeleted,
		"duration", res.Duration,
	)
	return res, err
}

// Result returns the counters accumulated so far.
func (c *Cleaner) Result() Result {
	return Result{
		ManifestsDeleted: c.deleted.Load(),
		ManifestsKept:    c.kept.Load(),
		Batches:          c.batches.Load(),
		FailedBatches:    c.failedBatches.Load(),
		ObjectsDeleted:   c.objects.Load(),
		Malformed:        c.malformed.Load(),
	}
}

// ProcessUnit cleans the processed shards of one directory in order. A fatal
// error stops the unit; any other failure keeps that manifest and moves on.
func (c *Cleaner) ProcessUnit(ctx context.Context, u walker.Unit) error {
	log := logging.UnitLogger(ctx, Phase, u.Dir)

	var failed []error
	for _, path := range u.Files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.CleanManifest(ctx, log, path); err != nil {
			if command.IsFatal(err) {
				return err
			}
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d manifests kept: %w", len(failed), len(u.Files), errors.Join(failed...))
	}
	return nil
}

type batch struct {
	bucket string
	keys   []string
}

// CleanManifest deletes the objects listed in path and removes path once every
// batch has succeeded. It returns the number of successful batches.
func (c *Cleaner) CleanManifest(ctx context.Context, log *slog.Logger, path string) (int, error) {
	log = log.With("manifest", filepath.Base(path))
	log.Info("Cleaning up manifest")

	f, err := os.Open(path)
	if err != nil {
		c.kept.Add(1)
		return 0, fmt.Errorf("open manifest: %w", err)
	}

	var (
		b    batch
		done int
	)
	flush := func() error {
		if len(b.keys) == 0 {
			return nil
		}
		if err := c.deleteBatch(ctx, log, b, done+1); err != nil {
			return err
		}
		done++
		b.keys = nil
		return nil
	}

	err = inventory.ScanLines(ctx, f, func(line string) error {
		rec, err := inventory.ParseLine(line)
		if err != nil {
			c.malformed.Add(1)
			log.Debug("Skipping malformed manifest line", "error", err)
			return nil
		}
		if rec.Bucket != b.bucket {
			if err := flush(); err != nil {
				return err
			}
			b.bucket = rec.Bucket
		}
		b.keys = append(b.keys, rec.Key)
		if len(b.keys) >= c.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	f.Close()

	if err != nil {
		c.kept.Add(1)
		log.Warn("Keeping manifest", "batches_done", done, "error", err)
		return done, err
	}

	if err := os.Remove(path); err != nil {
		c.kept.Add(1)
		return done, fmt.Errorf("remove manifest: %w", err)
	}
	c.deleted.Add(1)
	log.Info("Manifest cleaned up", "batches", done)
	return done, nil
}

func (c *Cleaner) deleteBatch(ctx context.Context, log *slog.Logger, b batch, n int) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	log.Debug("Deleting batch", "batch", n, "bucket", b.bucket, "keys", len(b.keys))
	st := c.retrier.Do(ctx, "delete", func(ctx context.Context) error {
		return c.store.DeleteObjects(ctx, b.bucket, b.keys)
	})

	m := metrics.Get()
	if m != nil {
		m.IncDeleteBatches(st.Outcome.String())
	}

	switch st.Outcome {
	case retry.Succeeded:
		c.batches.Add(1)
		c.objects.Add(int64(len(b.keys)))
		if m != nil {
			m.ObjectsDeleted.Add(float64(len(b.keys)))
		}
		return nil
	case retry.Fatal:
		c.failedBatches.Add(1)
		log.Error("Fatal delete failure", "batch", n, "error", st.Err)
		return st.Err
	default:
		c.failedBatches.Add(1)
		return fmt.Errorf("%w: batch %d after %d attempts: %w", ErrBatchFailed, n, st.Attempt, st.Err)
	}
}
