package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command/commandtest"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/objectstore"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/retry"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/walker"
)

type deleteCall struct {
	bucket string
	keys   []string
}

// fakeStore fails delete calls according to fail, indexed from 1.
type fakeStore struct {
	objectstore.Store

	mu    sync.Mutex
	calls []deleteCall
	fail  func(n int) error
}

func (s *fakeStore) DeleteObjects(_ context.Context, bucket string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, deleteCall{bucket: bucket, keys: append([]string(nil), keys...)})
	if s.fail != nil {
		return s.fail(len(s.calls))
	}
	return nil
}

func (s *fakeStore) deleteCalls() []deleteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deleteCall(nil), s.calls...)
}

func noSleep(context.Context, time.Duration) error { return nil }

// manifest writes a processed shard listing n keys of bucket.
func manifest(t *testing.T, root, event, bucket string, n int) string {
	t.Helper()
	dir := shard.Key{Year: "2024", EventType: event, Month: "01", Day: "01"}.Dir(root)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%q,%q,%d\n", bucket, fmt.Sprintf("%s/2024/01/01/hr%%3D00/obj-%05d", event, i), i)
	}
	path := shard.ProcessedPath(filepath.Join(dir, event+shard.ShardExt))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func testConfig(root string) Config {
	return Config{
		Root:    root,
		Workers: 2,
		Policy:  retry.Policy{MaxAttempts: 5, InitialInterval: 30 * time.Second, Multiplier: 2},
	}
}

func TestCleanManifestBatchCount(t *testing.T) {
	for _, n := range []int{0, 1, 249, 250, 251, 500, 1001} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			root := t.TempDir()
			path := manifest(t, root, "clicks", "b1", n)

			store := &fakeStore{}
			c := New(testConfig(root), store, noSleep)
			batches, err := c.CleanManifest(context.Background(), slogDiscard(), path)
			require.NoError(t, err)

			want := (n + DefaultBatchSize - 1) / DefaultBatchSize
			assert.Equal(t, want, batches)
			assert.Len(t, store.deleteCalls(), want)
			assert.NoFileExists(t, path)

			total := 0
			for _, call := range store.deleteCalls() {
				assert.LessOrEqual(t, len(call.keys), DefaultBatchSize)
				assert.Equal(t, "b1", call.bucket)
				total += len(call.keys)
			}
			assert.Equal(t, n, total)
		})
	}
}

func TestCleanManifestDecodesKeys(t *testing.T) {
	root := t.TempDir()
	path := manifest(t, root, "eu%3D1", "b1", 1)

	store := &fakeStore{}
	_, err := New(testConfig(root), store, noSleep).CleanManifest(context.Background(), slogDiscard(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu=1/2024/01/01/hr=00/obj-00000"}, store.deleteCalls()[0].keys)
}

func TestCleanManifestFlushesOnBucketChange(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, shard.ReservedDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "mixed.csv_processed")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		`"a","ev/2024/01/01/k1"`,
		`"a","ev/2024/01/01/k2"`,
		`"b","ev/2024/01/01/k3"`,
		`"a","ev/2024/01/01/k4"`,
	}, "\n")+"\n"), 0o644))

	store := &fakeStore{}
	_, err := New(testConfig(root), store, noSleep).CleanManifest(context.Background(), slogDiscard(), path)
	require.NoError(t, err)
	assert.Equal(t, []deleteCall{
		{"a", []string{"ev/2024/01/01/k1", "ev/2024/01/01/k2"}},
		{"b", []string{"ev/2024/01/01/k3"}},
		{"a", []string{"ev/2024/01/01/k4"}},
	}, store.deleteCalls())
}

func TestBatchRetriedThenSucceeds(t *testing.T) {
	root := t.TempDir()
	path := manifest(t, root, "clicks", "b1", 300)

	var sleeps []time.Duration
	store := &fakeStore{fail: func(n int) error {
		if n <= 2 {
			return &command.Error{Op: "delete-objects", Class: command.Transient}
		}
		return nil
	}}
	c := New(testConfig(root), store, func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	})

	batches, err := c.CleanManifest(context.Background(), slogDiscard(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, batches)
	assert.Len(t, store.deleteCalls(), 4)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, sleeps)
	assert.NoFileExists(t, path)
}

func TestExhaustedBatchKeepsManifest(t *testing.T) {
	root := t.TempDir()
	path := manifest(t, root, "clicks", "b1", 600)

	// Batch 1 succeeds, batch 2 always fails.
	store := &fakeStore{fail: func(n int) error {
		if n == 1 {
			return nil
		}
		return &command.Error{Op: "delete-objects", Class: command.Transient}
	}}
	c := New(testConfig(root), store, noSleep)

	batches, err := c.CleanManifest(context.Background(), slogDiscard(), path)
	require.ErrorIs(t, err, ErrBatchFailed)
	assert.Equal(t, 1, batches)
	assert.Len(t, store.deleteCalls(), 1+5, "batch 3 is never attempted")
	assert.FileExists(t, path)

	res := c.Result()
	assert.Equal(t, int64(1), res.ManifestsKept)
	assert.Equal(t, int64(1), res.FailedBatches)
	assert.Equal(t, int64(250), res.ObjectsDeleted)

	// A rerun redoes every batch, including the one that already succeeded.
	store.fail = nil
	batches, err = c.CleanManifest(context.Background(), slogDiscard(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, batches)
	assert.NoFileExists(t, path)
}

func TestFatalStopsRun(t *testing.T) {
	root := t.TempDir()
	var paths []string
	for _, ev := range []string{"a", "b", "c"} {
		paths = append(paths, manifest(t, root, ev, "b1", 10))
	}

	store := &fakeStore{fail: func(int) error {
		return &command.Error{Op: "delete-objects", Class: command.Fatal, Stderr: "AccessDenied"}
	}}
	cfg := testConfig(root)
	cfg.Workers = 1

	_, err := Run(context.Background(), cfg, store)
	require.Error(t, err)
	assert.True(t, command.IsFatal(err))
	assert.Len(t, store.deleteCalls(), 1)
	for _, p := range paths {
		assert.FileExists(t, p)
	}
}

func TestRunWithBlobStore(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewBlobStore("mem://{bucket}")
	require.NoError(t, err)
	defer store.Close()

	bucket, err := store.Bucket(ctx, "b1")
	require.NoError(t, err)
	for i := 0; i < 260; i++ {
		require.NoError(t, bucket.WriteAll(ctx, fmt.Sprintf("clicks/2024/01/01/hr=00/obj-%05d", i), []byte("x"), nil))
	}
	require.NoError(t, bucket.WriteAll(ctx, "clicks/2024/01/01/hr=00/unlisted", []byte("x"), nil))

	root := t.TempDir()
	path := manifest(t, root, "clicks", "b1", 260)
	// Pending shards are not cleanup input.
	pending := filepath.Join(filepath.Dir(path), "pending"+shard.ShardExt)
	require.NoError(t, os.WriteFile(pending, []byte(`"b1","clicks/2024/01/01/hr=00/unlisted"`+"\n"), 0o644))

	cfg := testConfig(root)
	cfg.RequestsPerSecond = 1000
	res, err := Run(ctx, cfg, store)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.ManifestsDeleted)
	assert.Equal(t, int64(2), res.Batches)
	assert.Equal(t, int64(260), res.ObjectsDeleted)
	assert.NoFileExists(t, path)
	assert.FileExists(t, pending)

	ok, err := bucket.Exists(ctx, "clicks/2024/01/01/hr=00/obj-00000")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = bucket.Exists(ctx, "clicks/2024/01/01/hr=00/unlisted")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunWithCLIStore(t *testing.T) {
	root := t.TempDir()
	manifest(t, root, "clicks", "b1", 3)

	runner := &commandtest.Runner{}
	store := objectstore.NewCLIStore("/usr/bin/aws", "", "", runner)
	res, err := Run(context.Background(), testConfig(root), store)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ManifestsDeleted)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "b1", calls[0].Arg("--bucket"))
	assert.Contains(t, calls[0].File("--delete"), `"Key":"clicks/2024/01/01/hr=00/obj-00002"`)
}

func TestRunInvalidRoot(t *testing.T) {
	_, err := Run(context.Background(), testConfig(filepath.Join(t.TempDir(), "x")), &fakeStore{})
	require.ErrorIs(t, err, walker.ErrInvalidRoot)
}

func TestNewClampsBatchSize(t *testing.T) {
	assert.Equal(t, DefaultBatchSize, New(Config{BatchSize: 1000}, nil, nil).cfg.BatchSize)
	assert.Equal(t, 10, New(Config{BatchSize: 10}, nil, nil).cfg.BatchSize)
	assert.Equal(t, retry.DeletePolicy, New(Config{}, nil, nil).cfg.Policy)
}
