// Package shard routes inventory records into date/category sharded files.
//
// Shards live under root/processedReports/<year>/<eventType>/<month>/<day>/.
// Each destination directory holds any number of <uuid>.csv shard files and a
// single archiveDestinationPath.txt sidecar naming where the archiver should
// put the consolidated object.
package shard

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/inventory"
)

const (
	// ReservedDir is the output subtree. The ingest walk never descends into it.
	ReservedDir = "processedReports"

	// HourMarker ends the part of a key that becomes the archive prefix.
	HourMarker = "/hr"

	// ArchiveSuffix is appended to the archive prefix.
	ArchiveSuffix = "archivedData"

	// DefaultMaxEntries is the default shard entry ceiling.
	DefaultMaxEntries = 500000
)

// Key identifies a destination shard group.
type Key struct {
	Year      string
	EventType string
	Month     string
	Day       string
}

// KeyFor derives the shard key of a record.
func KeyFor(rec inventory.Record) (Key, error) {
	segments := rec.Segments()
	if len(segments) < inventory.MinKeySegments {
		return Key{}, fmt.Errorf("%w: key %q", inventory.ErrMalformedRecord, rec.RouteKey)
	}
	for _, s := range segments[:inventory.MinKeySegments] {
		if s == "" || s == "." || s == ".." || strings.ContainsRune(s, filepath.Separator) {
			return Key{}, fmt.Errorf("%w: invalid path segment %q in key %q",
				inventory.ErrMalformedRecord, s, rec.RouteKey)
		}
	}

	return Key{
		EventType: segments[0],
		Year:      segments[1],
		Month:     segments[2],
		Day:       segments[3],
	}, nil
}

// Dir returns the destination directory of the shard group under root.
func (k Key) Dir(root string) string {
	return filepath.Join(root, ReservedDir, k.Year, k.EventType, k.Month, k.Day)
}

// ArchivePrefix returns <bucket>/<key up to the hour marker>/archivedData/.
// Keys without an hour marker use their first four segments.
func ArchivePrefix(rec inventory.Record) string {
	prefix := rec.RouteKey
	if i := strings.Index(prefix, HourMarker); i > 0 {
		prefix = prefix[:i]
	} else {
		prefix = strings.Join(rec.Segments()[:inventory.MinKeySegments], "/")
	}
	return rec.Bucket + "/" + prefix + "/" + ArchiveSuffix + "/"
}
