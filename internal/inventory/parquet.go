package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// parquetBatchSize is the number of rows decoded per read.
const parquetBatchSize = 512

// ParquetRow is the subset of the Parquet inventory schema that is routed.
// Columns not listed here are ignored.
type ParquetRow struct {
	Bucket string `parquet:"bucket"`
	Key    string `parquet:"key"`
	Size   *int64 `parquet:"size,optional"`
}

// CSVLine renders the row the way a CSV inventory report lists it, so that
// Parquet input produces the same shard contents as CSV input.
func (r ParquetRow) CSVLine() string {
	line := strconv.Quote(r.Bucket) + "," + strconv.Quote(encodeKey(r.Key))
	if r.Size != nil {
		line += "," + strconv.FormatInt(*r.Size, 10)
	}
	return line
}

func readParquet(ctx context.Context, path string, fn LineFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[ParquetRow](f)
	defer reader.Close()

	rows := make([]ParquetRow, parquetBatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := reader.Read(rows)
		for _, row := range rows[:n] {
			if err := fn(row.CSVLine()); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read parquet rows: %w", readErr)
		}
	}
}
