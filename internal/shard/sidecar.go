package shard

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SidecarName is the file holding a shard group's archive destination.
const SidecarName = "archiveDestinationPath.txt"

// ErrInvalidSidecar is returned when a sidecar is missing its bucket or prefix.
var ErrInvalidSidecar = errors.New("invalid archive destination sidecar")

// Sidecar is the archive destination of a shard group.
type Sidecar struct {
	Bucket string
	Prefix string // <bucket>/<keyPrefix>/archivedData/
}

// ArchiveURI returns the s3:// URI of an archive object named name.
func (s Sidecar) ArchiveURI(name string) string {
	return "s3://" + s.Prefix + name
}

// ArchiveKey returns the object key (without bucket) of an archive object.
func (s Sidecar) ArchiveKey(name string) string {
	return strings.TrimPrefix(s.Prefix, s.Bucket+"/") + name
}

// SidecarPath returns the sidecar location inside dir.
func SidecarPath(dir string) string {
	return filepath.Join(dir, SidecarName)
}

// WriteSidecar writes the sidecar into dir unless one already exists.
// It reports whether a file was written. The content is staged in a temp
// file and renamed into place so readers never observe a partial sidecar.
func WriteSidecar(dir string, s Sidecar) (bool, error) {
	path := SidecarPath(dir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat sidecar %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, SidecarName+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("create sidecar temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := fmt.Fprintf(tmp, "%s\n%s\n", s.Bucket, s.Prefix); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return false, fmt.Errorf("write sidecar %s: %w", tempPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return false, fmt.Errorf("close sidecar %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return false, fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return true, nil
}

// ReadSidecar reads the sidecar of dir.
//
// WriteSidecar always ends the prefix with "/". Older sidecars carry the key
// prefix alone, with neither the bucket nor the trailing slash; those are
// normalised to <bucket>/<prefix>/. The trailing slash is the only format
// marker, so a legacy prefix whose first segment equals the bucket name still
// gets the bucket prepended.
func ReadSidecar(dir string) (Sidecar, error) {
	path := SidecarPath(dir)
	f, err := os.Open(path)
	if err != nil {
		return Sidecar{}, fmt.Errorf("open sidecar: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar %s: %w", path, err)
	}
	if len(lines) < 2 {
		return Sidecar{}, fmt.Errorf("%w: %s has %d lines", ErrInvalidSidecar, path, len(lines))
	}

	s := Sidecar{Bucket: lines[0], Prefix: lines[1]}
	if !strings.HasSuffix(s.Prefix, "/") {
		s.Prefix = s.Bucket + "/" + s.Prefix + "/"
	}
	return s, nil
}
