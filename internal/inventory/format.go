package inventory

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrUnsupportedFormat is returned by ReadLines for files that are not
// inventory manifests.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Format identifies how a manifest file is encoded.
type Format int

const (
	FormatUnsupported Format = iota
	FormatPlain              // .csv
	FormatGzip               // .csv.gz
	FormatZstd               // .csv.zst
	FormatParquet            // .parquet
)

func (f Format) String() string {
	switch f {
	case FormatPlain:
		return "csv"
	case FormatGzip:
		return "csv.gz"
	case FormatZstd:
		return "csv.zst"
	case FormatParquet:
		return "parquet"
	default:
		return "unsupported"
	}
}

// DetectFormat classifies a file by its name.
func DetectFormat(path string) Format {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".csv.gz"):
		return FormatGzip
	case strings.HasSuffix(name, ".csv.zst"):
		return FormatZstd
	case strings.HasSuffix(name, ".csv"):
		return FormatPlain
	case strings.HasSuffix(name, ".parquet"):
		return FormatParquet
	default:
		return FormatUnsupported
	}
}
