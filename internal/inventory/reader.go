package inventory

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxLineSize bounds a single manifest line. Inventory rows are short; this
// only guards against reading a binary file as text.
const maxLineSize = 1 << 20

// ctxCheckInterval is how many lines are read between context checks.
const ctxCheckInterval = 4096

// LineFunc receives each line of a manifest. Returning an error stops the read.
type LineFunc func(line string) error

// ReadLines streams every line of the manifest at path to fn, decoding the
// file according to its detected format.
func ReadLines(ctx context.Context, path string, fn LineFunc) error {
	format := DetectFormat(path)
	if format == FormatParquet {
		return readParquet(ctx, path, fn)
	}
	if format == FormatUnsupported {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case FormatGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip reader %s: %w", filepath.Base(path), err)
		}
		defer gz.Close()
		r = gz
	case FormatZstd:
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("zstd reader %s: %w", filepath.Base(path), err)
		}
		defer dec.Close()
		r = dec
	}

	return ScanLines(ctx, r, fn)
}

// ScanLines streams the lines of r to fn. Trailing carriage returns are
// removed and empty lines are skipped.
func ScanLines(ctx context.Context, r io.Reader, fn LineFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		n++
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan lines: %w", err)
	}
	return nil
}
