package main

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/summary"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func TestRunUsageErrors(t *testing.T) {
	assert.Equal(t, 1, run(context.Background(), []string{"ingest"}))
	assert.Equal(t, 1, run(context.Background(), []string{"ingest", t.TempDir(), "lots"}))
	assert.Equal(t, 1, run(context.Background(), []string{"ingest", t.TempDir(), "0"}))
	assert.Equal(t, 1, run(context.Background(), []string{"nonsense"}))
}

func TestRunInvalidRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	assert.Equal(t, 1, run(context.Background(), []string{"ingest", missing, "2"}))
	assert.Equal(t, 1, run(context.Background(), []string{"archive", missing, "/bin/true", "2"}))
	assert.Equal(t, 1, run(context.Background(), []string{"cleanup", missing, "2"}))
}

func TestRunAllPhases(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "reports", "2024-03-05.csv"),
		`"b1","eu%3D1/2024/03/05/hr%3D04/file1.csv.gz",100`+"\n"+
			`"b1","eu%3D1/2024/03/05/hr%3D05/file2.csv.gz",200`+"\n", 0o644)

	bucketDir := filepath.Join(t.TempDir(), "buckets")
	writeFile(t, filepath.Join(bucketDir, "b1", "eu=1", "2024", "03", "05", "hr=04", "file1.csv.gz"), "x", 0o644)
	writeFile(t, filepath.Join(bucketDir, "b1", "eu=1", "2024", "03", "05", "hr=05", "file2.csv.gz"), "x", 0o644)

	archiver := filepath.Join(t.TempDir(), "fake-archiver")
	writeFile(t, archiver, "#!/bin/sh\nexit 0\n", 0o755)

	t.Setenv("OBJECTSTORE_BACKEND", "blob")
	t.Setenv("OBJECTSTORE_URL", "file://"+filepath.ToSlash(bucketDir)+"/{bucket}")
	t.Setenv("SUMMARY_ENABLED", "true")
	t.Setenv("ARCHIVE_VERIFY", "false")

	ctx := context.Background()
	shardDir := filepath.Join(root, shard.ReservedDir, "2024", "eu=1", "03", "05")

	require.Equal(t, 0, run(ctx, []string{"ingest", root, "2"}))
	shards, err := filepath.Glob(filepath.Join(shardDir, "*"+shard.ShardExt))
	require.NoError(t, err)
	require.Len(t, shards, 1)

	require.Equal(t, 0, run(ctx, []string{"archive", root, archiver, "2"}))
	assert.NoFileExists(t, shards[0])
	assert.FileExists(t, shard.ProcessedPath(shards[0]))

	require.Equal(t, 0, run(ctx, []string{"cleanup", root, "2"}))
	assert.NoFileExists(t, shard.ProcessedPath(shards[0]))
	assert.NoFileExists(t, filepath.Join(bucketDir, "b1", "eu=1", "2024", "03", "05", "hr=04", "file1.csv.gz"))
	assert.NoFileExists(t, filepath.Join(bucketDir, "b1", "eu=1", "2024", "03", "05", "hr=05", "file2.csv.gz"))
	assert.FileExists(t, filepath.Join(shardDir, shard.SidecarName))

	data, err := os.ReadFile(filepath.Join(root, shard.ReservedDir, "summary_ingest.json"))
	require.NoError(t, err)
	var s summary.Summary
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, "ingest", s.Phase)
	assert.Equal(t, int64(2), s.Counters["records"])
	assert.Empty(t, s.Error)
}

func TestRunArchiveFatalExitsOne(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "r", "a.csv"), `"b1","ev/2024/01/01/hr=00/x"`+"\n", 0o644)
	require.Equal(t, 0, run(context.Background(), []string{"ingest", root, "1"}))

	archiver := filepath.Join(t.TempDir(), "denied-archiver")
	writeFile(t, archiver, "#!/bin/sh\necho 'AccessDenied: no permission' >&2\nexit 1\n", 0o755)

	assert.Equal(t, 1, run(context.Background(), []string{"archive", root, archiver, "1"}))

	shards, err := filepath.Glob(filepath.Join(root, shard.ReservedDir, "2024", "ev", "01", "01", "*"+shard.ShardExt))
	require.NoError(t, err)
	assert.Len(t, shards, 1, "shard stays pending")
}
