package shard

import "strings"

// ProcessedSuffix marks a shard whose archive exists. The rename that adds it
// is the archive phase's durable completion marker.
const ProcessedSuffix = "_processed"

// ProcessedPath returns the marker name for a shard path.
func ProcessedPath(path string) string {
	return path + ProcessedSuffix
}

// IsPendingShard reports whether name is a shard still waiting for archiving.
func IsPendingShard(name string) bool {
	return strings.HasSuffix(name, ShardExt)
}

// IsProcessedShard reports whether name is an archived shard awaiting cleanup.
func IsProcessedShard(name string) bool {
	return strings.HasSuffix(name, ShardExt+ProcessedSuffix)
}
