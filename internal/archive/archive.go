// Package archive consolidates each shard into one archive object by driving
// an external archiver, then marks the shard processed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/logging"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/objectstore"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/retry"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/walker"
)

// Phase is the phase label used in logs, metrics and summaries.
const Phase = "archive"

// ArchiveExt is the extension of archive objects.
const ArchiveExt = ".tar"

// Config configures an archive run.
type Config struct {
	Root         string
	Workers      int
	ArchiverPath string
	Region       string
	StorageClass string
	Policy       retry.Policy

	// Verify checks that the archive object exists before marking the shard.
	Verify bool
	// Tags are applied to each archive object after it is created.
	Tags map[string]string
}

// Job is one shard being archived.
type Job struct {
	Shard  string
	Dest   string // s3:// URI of the archive object
	Key    string // archive object key within Bucket
	Bucket string
	retry.State
}

// Result summarises an archive run.
type Result struct {
	Walk      walker.Stats
	Succeeded int64
	Skipped   int64
	Pending   int64
	Fatal     int64
	Duration  time.Duration
}

// Archiver runs archive jobs. It is safe for concurrent use by walker units.
type Archiver struct {
	cfg     Config
	runner  command.Runner
	store   objectstore.Store // optional, used for Verify and Tags
	retrier *retry.Retrier
	newName func() string

	succeeded, skipped, pending, fatal atomic.Int64
}

// New creates an Archiver. store may be nil when neither verification nor
// tagging is configured. A nil sleep uses retry.Sleep.
func New(cfg Config, runner command.Runner, store objectstore.Store, sleep retry.Sleeper) *Archiver {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.ArchivePolicy
	}
	return &Archiver{
		cfg:     cfg,
		runner:  runner,
		store:   store,
		retrier: retry.New(cfg.Policy, sleep, logging.Component(Phase)),
		newName: func() string { return uuid.NewString() + ArchiveExt },
	}
}

// Run archives every pending shard under cfg.Root/processedReports. It returns
// an error wrapping command.ErrFatal when a fatal failure stopped the run.
func Run(ctx context.Context, cfg Config, runner command.Runner, store objectstore.Store) (Result, error) {
	log := logging.Component(Phase)
	start := time.Now()

	if err := checkRoot(cfg.Root); err != nil {
		return Result{}, err
	}
	shardRoot := filepath.Join(cfg.Root, shard.ReservedDir)
	if _, err := os.Stat(shardRoot); os.IsNotExist(err) {
		log.Info("Nothing to archive", "root", cfg.Root)
		return Result{}, nil
	}

	a := New(cfg, runner, store, nil)
	w := walker.New(shardRoot, walker.Options{
		Phase:   Phase,
		Workers: cfg.Workers,
		Include: shard.IsPendingShard,
		Abort:   command.IsFatal,
	})

	log.Info("Starting archive",
		"root", shardRoot,
		"workers", w.Workers(),
		"archiver", cfg.ArchiverPath,
		"storage_class", cfg.StorageClass,
		"max_attempts", a.cfg.Policy.MaxAttempts,
		"retry_intervals", a.cfg.Policy.Intervals(),
	)

	walkStats, err := w.Walk(ctx, a.ProcessUnit)
	res := a.Result()
	res.Walk = walkStats
	res.Duration = time.Since(start)

	log.Info("Archive complete",
		"units", walkStats.Units,
		"succeeded", res.Succeeded,
		"skipped", res.Skipped,
		"pending", res.Pending,
		"duration", res.Duration,
	)
	return res, err
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %w", walker.ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", walker.ErrInvalidRoot, root)
	}
	return nil
}

// Result returns the job counters accumulated so far.
func (a *Archiver) Result() Result {
	return Result{
		Succeeded: a.succeeded.Load(),
		Skipped:   a.skipped.Load(),
		Pending:   a.pending.Load(),
		Fatal:     a.fatal.Load(),
	}
}

// ProcessUnit archives the shards of one destination directory in order.
// The sidecar is read once for the whole directory.
func (a *Archiver) ProcessUnit(ctx context.Context, u walker.Unit) error {
	log := logging.UnitLogger(ctx, Phase, u.Dir)

	sidecar, err := shard.ReadSidecar(u.Dir)
	if err != nil {
		a.pending.Add(int64(len(u.Files)))
		return fmt.Errorf("read sidecar: %w", err)
	}

	var pending int
	for _, path := range u.Files {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job := a.RunJob(ctx, log, sidecar, path)
		switch job.Outcome {
		case retry.Fatal:
			return job.Err
		case retry.Pending:
			pending++
		}
	}

	if pending > 0 {
		return fmt.Errorf("%d of %d shards left pending", pending, len(u.Files))
	}
	return nil
}

// Args returns the archiver arguments for one job.
func (a *Archiver) Args(dest, shardPath string) []string {
	args := make([]string, 0, 11)
	if a.cfg.Region != "" {
		args = append(args, "--region", a.cfg.Region)
	}
	if a.cfg.StorageClass != "" {
		args = append(args, "--storage-class", a.cfg.StorageClass)
	}
	return append(args,
		"--urldecode",
		"--concat-in-memory",
		"-cvf", dest,
		"-m", shardPath,
	)
}

// RunJob archives one shard and records the outcome.
func (a *Archiver) RunJob(ctx context.Context, log *slog.Logger, sidecar shard.Sidecar, shardPath string) Job {
	name := a.newName()
	job := Job{
		Shard:  shardPath,
		Dest:   sidecar.ArchiveURI(name),
		Key:    sidecar.ArchiveKey(name),
		Bucket: sidecar.Bucket,
	}
	log = log.With("shard", filepath.Base(shardPath), "dest", job.Dest)
	log.Info("Archiving shard")

	job.State = a.retrier.Do(ctx, Phase, func(ctx context.Context) error {
		res, err := a.runner.Run(ctx, a.cfg.ArchiverPath, a.Args(job.Dest, shardPath)...)
		if err := command.Check(Phase, res, err); err != nil {
			return err
		}
		return a.verify(ctx, job)
	})

	if job.Outcome == retry.Succeeded {
		a.tag(ctx, log, job)
		if err := os.Rename(shardPath, shard.ProcessedPath(shardPath)); err != nil {
			job.Outcome = retry.Pending
			job.Err = fmt.Errorf("mark processed: %w", err)
		}
	}

	a.record(log, job)
	return job
}

func (a *Archiver) verify(ctx context.Context, job Job) error {
	if !a.cfg.Verify || a.store == nil {
		return nil
	}
	ok, err := a.store.Exists(ctx, job.Bucket, job.Key)
	if err != nil {
		return err
	}
	if !ok {
		return &command.Error{
			Op:     "verify",
			Class:  command.Transient,
			Stderr: "archive object not found: " + job.Dest,
		}
	}
	return nil
}

// tag applies the configured tags once. Failures are logged only.
func (a *Archiver) tag(ctx context.Context, log *slog.Logger, job Job) {
	if len(a.cfg.Tags) == 0 || a.store == nil {
		return
	}
	err := a.store.Tag(ctx, job.Bucket, job.Key, a.cfg.Tags)
	switch {
	case err == nil:
	case errors.Is(err, objectstore.ErrTaggingUnsupported):
		log.Debug("Tagging not supported by object store")
	default:
		log.Warn("Failed to tag archive object", "error", err)
	}
}

func (a *Archiver) record(log *slog.Logger, job Job) {
	switch job.Outcome {
	case retry.Succeeded:
		a.succeeded.Add(1)
		log.Info("Shard archived", "attempts", job.Attempt)
	case retry.Skipped:
		a.skipped.Add(1)
		log.Info("Shard skipped, too small to archive", "error", job.Err)
	case retry.Fatal:
		a.fatal.Add(1)
		log.Error("Fatal archiver failure", "error", job.Err)
	default:
		a.pending.Add(1)
		log.Warn("Shard left pending", "attempts", job.Attempt, "error", job.Err)
	}
	if m := metrics.Get(); m != nil {
		m.IncArchiveJobs(job.Outcome.String())
	}
}
