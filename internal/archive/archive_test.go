package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command/commandtest"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/logging"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/objectstore"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/retry"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/shard"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/walker"
)

// shardDir creates root/processedReports/2024/<event>/01/01 holding n shards
// and a sidecar, and returns the directory and shard paths.
func shardDir(t *testing.T, root, event string, n int) (string, []string) {
	t.Helper()
	dir := shard.Key{Year: "2024", EventType: event, Month: "01", Day: "01"}.Dir(root)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	written, err := shard.WriteSidecar(dir, shard.Sidecar{
		Bucket: "b1",
		Prefix: "b1/" + event + "/2024/01/01/archivedData/",
	})
	require.NoError(t, err)
	require.True(t, written)

	var shards []string
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("%02d%s", i, shard.ShardExt))
		require.NoError(t, os.WriteFile(p, []byte(`"b1","`+event+`/2024/01/01/hr=0/x"`+"\n"), 0o644))
		shards = append(shards, p)
	}
	return dir, shards
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return nil
}

func (s *recordingSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.sleeps {
		sum += d
	}
	return sum
}

func testConfig(root string) Config {
	return Config{
		Root:         root,
		Workers:      2,
		ArchiverPath: "/opt/s3tar",
		Region:       "us-east-1",
		StorageClass: "DEEP_ARCHIVE",
		Policy:       retry.Policy{MaxAttempts: 3, InitialInterval: 30 * time.Second, Multiplier: 2},
	}
}

func unit(dir string, files []string) walker.Unit {
	return walker.Unit{Dir: dir, Files: files}
}

func TestArgs(t *testing.T) {
	a := New(testConfig(t.TempDir()), nil, nil, nil)
	assert.Equal(t, []string{
		"--region", "us-east-1",
		"--storage-class", "DEEP_ARCHIVE",
		"--urldecode", "--concat-in-memory",
		"-cvf", "s3://b1/p/archivedData/x.tar",
		"-m", "/r/s.csv",
	}, a.Args("s3://b1/p/archivedData/x.tar", "/r/s.csv"))
}

func TestProcessUnitSuccess(t *testing.T) {
	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 2)

	runner := &commandtest.Runner{}
	a := New(testConfig(root), runner, nil, nil)
	require.NoError(t, a.ProcessUnit(context.Background(), unit(dir, shards)))

	for _, s := range shards {
		assert.NoFileExists(t, s)
		assert.FileExists(t, shard.ProcessedPath(s))
	}

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "/opt/s3tar", calls[0].Name)
	assert.Equal(t, shards[0], calls[0].Arg("-m"))
	assert.Regexp(t, `^s3://b1/clicks/2024/01/01/archivedData/[0-9a-f-]{36}\.tar$`, calls[0].Arg("-cvf"))
	assert.NotEqual(t, calls[0].Arg("-cvf"), calls[1].Arg("-cvf"), "each shard gets a fresh archive name")
	assert.Equal(t, Result{Succeeded: 2}, a.Result())
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	for k := 0; k < 3; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			root := t.TempDir()
			dir, shards := shardDir(t, root, "clicks", 1)

			results := make([]command.Result, 0, k+1)
			for i := 0; i < k; i++ {
				results = append(results, commandtest.Fail("RequestTimeout"))
			}
			results = append(results, command.Result{})

			runner := &commandtest.Runner{Handler: commandtest.Sequence(results...)}
			sleeper := &recordingSleeper{}
			a := New(testConfig(root), runner, nil, sleeper.sleep)

			require.NoError(t, a.ProcessUnit(context.Background(), unit(dir, shards)))
			assert.FileExists(t, shard.ProcessedPath(shards[0]))
			assert.Len(t, runner.Calls(), k+1)

			want := 30 * time.Second * time.Duration((1<<k)-1)
			assert.Equal(t, want, sleeper.total())
		})
	}
}

func TestRetriesExhaustedLeavesShardPending(t *testing.T) {
	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 1)

	runner := &commandtest.Runner{Handler: commandtest.Sequence(commandtest.Fail("InternalError"))}
	sleeper := &recordingSleeper{}
	a := New(testConfig(root), runner, nil, sleeper.sleep)

	err := a.ProcessUnit(context.Background(), unit(dir, shards))
	require.Error(t, err)
	assert.False(t, command.IsFatal(err))

	assert.FileExists(t, shards[0])
	assert.NoFileExists(t, shard.ProcessedPath(shards[0]))
	assert.Len(t, runner.Calls(), 3)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, sleeper.sleeps)
	assert.Equal(t, Result{Pending: 1}, a.Result())
}

func TestSkipIsNotRenamed(t *testing.T) {
	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 1)

	runner := &commandtest.Runner{Handler: commandtest.Sequence(commandtest.Fail("EntityTooSmall: upload smaller than minimum"))}
	a := New(testConfig(root), runner, nil, nil)

	require.NoError(t, a.ProcessUnit(context.Background(), unit(dir, shards)))
	assert.FileExists(t, shards[0])
	assert.Len(t, runner.Calls(), 1)
	assert.Equal(t, Result{Skipped: 1}, a.Result())
}

func TestFatalHaltsRun(t *testing.T) {
	root := t.TempDir()
	var all []string
	for _, ev := range []string{"a", "b", "c", "d"} {
		_, shards := shardDir(t, root, ev, 3)
		all = append(all, shards...)
	}

	runner := &commandtest.Runner{Handler: commandtest.Sequence(commandtest.Fail("ExpiredToken: the security token has expired"))}
	cfg := testConfig(root)
	cfg.Workers = 1

	res, err := Run(context.Background(), cfg, runner, nil)
	require.Error(t, err)
	assert.True(t, command.IsFatal(err))
	assert.Len(t, runner.Calls(), 1, "no job starts after a fatal failure")
	assert.Equal(t, int64(1), res.Fatal)

	for _, s := range all {
		assert.FileExists(t, s)
	}
}

func TestRunSkipsProcessedShards(t *testing.T) {
	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 2)
	require.NoError(t, os.Rename(shards[0], shard.ProcessedPath(shards[0])))

	runner := &commandtest.Runner{}
	res, err := Run(context.Background(), testConfig(root), runner, nil)
	require.NoError(t, err)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, shards[1], calls[0].Arg("-m"))
	assert.Equal(t, int64(1), res.Succeeded)
	assert.FileExists(t, filepath.Join(dir, shard.SidecarName))
}

func TestRunWithoutShards(t *testing.T) {
	res, err := Run(context.Background(), testConfig(t.TempDir()), &commandtest.Runner{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	_, err = Run(context.Background(), testConfig(filepath.Join(t.TempDir(), "missing")), &commandtest.Runner{}, nil)
	require.ErrorIs(t, err, walker.ErrInvalidRoot)
}

func TestMissingSidecarFailsUnit(t *testing.T) {
	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 1)
	require.NoError(t, os.Remove(shard.SidecarPath(dir)))

	runner := &commandtest.Runner{}
	a := New(testConfig(root), runner, nil, nil)
	err := a.ProcessUnit(context.Background(), unit(dir, shards))
	require.Error(t, err)
	assert.Empty(t, runner.Calls())
	assert.FileExists(t, shards[0])
}

func TestVerifyUsesObjectStore(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewBlobStore("mem://{bucket}")
	require.NoError(t, err)
	defer store.Close()
	bucket, err := store.Bucket(ctx, "b1")
	require.NoError(t, err)

	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 2)

	cfg := testConfig(root)
	cfg.Verify = true
	cfg.Policy.MaxAttempts = 2

	// The fake archiver uploads only the first archive.
	uploads := 0
	runner := &commandtest.Runner{Handler: func(call commandtest.Call, _ int) (command.Result, error) {
		if call.Arg("-m") == shards[0] {
			uploads++
			key := call.Arg("-cvf")[len("s3://b1/"):]
			require.NoError(t, bucket.WriteAll(ctx, key, []byte("tar"), nil))
		}
		return command.Result{}, nil
	}}
	a := New(cfg, runner, store, (&recordingSleeper{}).sleep)

	err = a.ProcessUnit(ctx, unit(dir, shards))
	require.Error(t, err)
	assert.Equal(t, 1, uploads)
	assert.FileExists(t, shard.ProcessedPath(shards[0]))
	assert.FileExists(t, shards[1])
	assert.Equal(t, Result{Succeeded: 1, Pending: 1}, a.Result())
}

type tagStore struct {
	objectstore.Store
	err    error
	tagged []string
}

func (s *tagStore) Tag(_ context.Context, bucket, key string, tags map[string]string) error {
	s.tagged = append(s.tagged, bucket+"/"+key)
	return s.err
}

func TestTaggingFailureDoesNotFailJob(t *testing.T) {
	root := t.TempDir()
	dir, shards := shardDir(t, root, "clicks", 1)

	store := &tagStore{err: errors.New("tagging throttled")}
	cfg := testConfig(root)
	cfg.Tags = map[string]string{"archived-by": "inventory-archiver"}

	runner := &commandtest.Runner{}
	a := New(cfg, runner, store, nil)
	require.NoError(t, a.ProcessUnit(context.Background(), unit(dir, shards)))

	require.Len(t, store.tagged, 1)
	assert.Regexp(t, `^b1/clicks/2024/01/01/archivedData/.+\.tar$`, store.tagged[0])
	assert.FileExists(t, shard.ProcessedPath(shards[0]))
	assert.Len(t, runner.Calls(), 1, "tagging is not retried")
}

func TestRunJobFixedName(t *testing.T) {
	root := t.TempDir()
	_, shards := shardDir(t, root, "clicks", 1)

	a := New(testConfig(root), &commandtest.Runner{}, nil, nil)
	a.newName = func() string { return "fixed.tar" }

	job := a.RunJob(context.Background(), logging.Component("test"),
		shard.Sidecar{Bucket: "b1", Prefix: "b1/clicks/2024/01/01/archivedData/"}, shards[0])
	assert.Equal(t, retry.Succeeded, job.Outcome)
	assert.Equal(t, "s3://b1/clicks/2024/01/01/archivedData/fixed.tar", job.Dest)
	assert.Equal(t, "clicks/2024/01/01/archivedData/fixed.tar", job.Key)
	assert.Equal(t, 1, job.Attempt)
}
