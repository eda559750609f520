package shard

import "path/filepath"

// State is the rollover state of one directory work unit. It is owned by a
// single Writer and is never shared between goroutines.
type State struct {
	ActivePath string // current shard file, empty before the first record
	EntryCount int    // records written to ActivePath
}

// Decision is the routing outcome for the next record.
type Decision int

const (
	// Reuse appends to the active shard.
	Reuse Decision = iota
	// Rollover starts a new shard file.
	Rollover
)

func (d Decision) String() string {
	if d == Rollover {
		return "rollover"
	}
	return "reuse"
}

// Decide reports whether a record bound for destDir can be appended to the
// active shard. A new shard is needed when there is none yet, when the
// destination directory changes, or when the active shard is full.
func Decide(destDir string, st State, maxEntries int) Decision {
	switch {
	case st.ActivePath == "":
		return Rollover
	case filepath.Dir(st.ActivePath) != filepath.Clean(destDir):
		return Rollover
	case st.EntryCount >= maxEntries:
		return Rollover
	default:
		return Reuse
	}
}
