// Package walker enumerates a directory tree and processes each directory
// holding files as one unit of work on a bounded pool.
//
// The unit of concurrency is a directory, never a file: everything a unit
// writes is owned by the goroutine running it. Files directly under the root
// are processed by the calling goroutine while subdirectories are dispatched.
package walker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
)

// MaxWorkers caps the pool size to protect the storage backend from too many
// concurrent prefixes.
const MaxWorkers = 1000

// ErrInvalidRoot is returned when the root is missing or not a directory.
var ErrInvalidRoot = errors.New("invalid root directory")

// Unit is one directory's worth of files.
type Unit struct {
	Dir   string
	Files []string // full paths, sorted by name
	Root  bool     // files directly under the walk root
}

// UnitFunc processes a unit.
type UnitFunc func(ctx context.Context, u Unit) error

// Options configures a Walker.
type Options struct {
	Phase   string // label for logs and metrics
	Workers int

	// SkipDirs names directories that are never entered, at any depth.
	SkipDirs []string

	// Include selects files by base name. Nil includes every file that is
	// not platform housekeeping.
	Include func(name string) bool

	// Abort reports whether a unit error must stop the walk. Other unit
	// errors are logged and counted.
	Abort func(err error) bool
}

// Stats summarises a walk.
type Stats struct {
	Units     int64 // directory units completed, including the root unit
	Failed    int64 // units that returned an error
	RootFiles int64 // files processed by the calling goroutine
}

// Walker walks one tree.
type Walker struct {
	root   string
	opts   Options
	logger *slog.Logger
}

// New returns a Walker for root.
func New(root string, opts Options) *Walker {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	if opts.Abort == nil {
		opts.Abort = func(error) bool { return false }
	}
	return &Walker{
		root:   filepath.Clean(root),
		opts:   opts,
		logger: slog.With("component", "walker", "phase", opts.Phase),
	}
}

// Workers returns the effective pool size.
func (w *Walker) Workers() int { return w.opts.Workers }

// Walk runs fn for every unit and blocks until all of them finish. It returns
// the first aborting error, or the context error if ctx was cancelled.
func (w *Walker) Walk(ctx context.Context, fn UnitFunc) (Stats, error) {
	info, err := os.Stat(w.root)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return Stats{}, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, w.root)
	}

	rootFiles, subdirs, err := w.list(w.root)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)

	var units, failed atomic.Int64
	run := func(ctx context.Context, u Unit) error {
		err := fn(ctx, u)
		units.Add(1)
		if err == nil {
			if m := metrics.Get(); m != nil {
				m.IncUnitsProcessed(w.opts.Phase)
			}
			return nil
		}

		failed.Add(1)
		if m := metrics.Get(); m != nil {
			m.IncUnitsFailed(w.opts.Phase)
		}
		if w.opts.Abort(err) {
			w.logger.Error("Aborting walk", "dir", u.Dir, "error", err)
			return fmt.Errorf("%s: %w", u.Dir, err)
		}
		w.logger.Warn("Unit failed", "dir", u.Dir, "error", err)
		return nil
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for _, dir := range subdirs {
			w.dispatch(gctx, g, dir, run)
		}
	}()

	var stats Stats
	if len(rootFiles) > 0 {
		stats.RootFiles = int64(len(rootFiles))
		if err := run(gctx, Unit{Dir: w.root, Files: rootFiles, Root: true}); err != nil {
			cancel(err)
		}
	}

	<-dispatched
	groupErr := g.Wait()

	stats.Units = units.Load()
	stats.Failed = failed.Load()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return stats, cause
	}
	if groupErr != nil {
		return stats, groupErr
	}
	return stats, ctx.Err()
}

// dispatch submits dir as a unit if it holds files, then descends into its
// subdirectories. It stops once ctx is done.
func (w *Walker) dispatch(ctx context.Context, g *errgroup.Group, dir string, run UnitFunc) {
	if ctx.Err() != nil {
		return
	}

	files, subdirs, err := w.list(dir)
	if err != nil {
		w.logger.Warn("Cannot list directory", "dir", dir, "error", err)
		return
	}

	if len(files) > 0 {
		u := Unit{Dir: dir, Files: files}
		// Go blocks while the pool is full.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			return run(ctx, u)
		})
	}

	for _, sub := range subdirs {
		w.dispatch(ctx, g, sub, run)
	}
}

// list returns the selected files and the walkable subdirectories of dir.
func (w *Walker) list(dir string) (files, subdirs []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)

		switch {
		case e.IsDir():
			if strings.HasPrefix(name, ".") || w.skipDir(name) {
				continue
			}
			subdirs = append(subdirs, path)
		case e.Type().IsRegular():
			if IsHousekeeping(name) {
				continue
			}
			if w.opts.Include != nil && !w.opts.Include(name) {
				continue
			}
			files = append(files, path)
		}
	}
	return files, subdirs, nil
}

func (w *Walker) skipDir(name string) bool {
	for _, s := range w.opts.SkipDirs {
		if name == s {
			return true
		}
	}
	return false
}

// IsHousekeeping reports platform metadata and temporary files that are never
// treated as data.
func IsHousekeeping(name string) bool {
	switch name {
	case ".DS_Store", "Thumbs.db", "desktop.ini":
		return true
	}
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
