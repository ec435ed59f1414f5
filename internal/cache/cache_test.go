package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducksearch-labs/ducksearch/internal/testutil"
)

const testFP = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache"), Options{
		TTL:    time.Minute,
		Logger: testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeArtifact(content string) BuildFunc {
	return func(_ context.Context, tmpPath string) error {
		return os.WriteFile(tmpPath, []byte(content), 0o644)
	}
}

func TestOpen_CreatesSubdirs(t *testing.T) {
	c := openTestCache(t)
	for _, kind := range Subdirs {
		st, err := os.Stat(filepath.Join(c.root, string(kind)))
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	}
}

func TestGetOrBuild_BuildThenHit(t *testing.T) {
	c := openTestCache(t)
	var builds atomic.Int32
	c.OnBuild = func(Kind, string) { builds.Add(1) }

	path1, err := c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0, writeArtifact("one"))
	require.NoError(t, err)
	path2, err := c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0, writeArtifact("two"))
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, int32(1), builds.Load(), "second call must be a cache hit")

	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data), "hit must serve the first build's bytes")
}

func TestGetOrBuild_SingleFlight(t *testing.T) {
	c := openTestCache(t)
	var builds atomic.Int32
	c.OnBuild = func(Kind, string) { builds.Add(1) }

	gate := make(chan struct{})
	slowBuild := func(_ context.Context, tmpPath string) error {
		<-gate
		return os.WriteFile(tmpPath, []byte("shared"), 0o644)
	}

	const workers = 50
	paths := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0, slowBuild)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, int32(1), builds.Load(), "concurrent callers must share one build")
}

func TestGetOrBuild_ErrorSharedAndNothingPublished(t *testing.T) {
	c := openTestCache(t)
	boom := errors.New("engine exploded")

	_, err := c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0,
		func(context.Context, string) error { return boom })
	require.ErrorIs(t, err, boom)

	_, ok := c.Probe(KindArtifacts, testFP, 0)
	assert.False(t, ok, "failed build must not publish an artifact")

	// No tmp leftovers.
	files, err := os.ReadDir(filepath.Join(c.root, string(KindTmp)))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestProbe_TTLExpiry(t *testing.T) {
	c := openTestCache(t)
	path, err := c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0, writeArtifact("x"))
	require.NoError(t, err)

	_, ok := c.Probe(KindArtifacts, testFP, time.Minute)
	assert.True(t, ok)

	// Age the file beyond a tiny TTL.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	_, ok = c.Probe(KindArtifacts, testFP, time.Second)
	assert.False(t, ok, "expired artifact must be a miss")
}

func TestGetOrBuildStale_ServesExpiredAndRevalidates(t *testing.T) {
	c := openTestCache(t)
	path, err := c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0, writeArtifact("v1"))
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	rebuilt := make(chan struct{})
	got, err := c.GetOrBuildStale(context.Background(), KindArtifacts, testFP, time.Second,
		func(_ context.Context, tmpPath string) error {
			defer close(rebuilt)
			return os.WriteFile(tmpPath, []byte("v2"), 0o644)
		})
	require.NoError(t, err)
	assert.Equal(t, path, got, "stale artifact is served immediately")

	select {
	case <-rebuilt:
	case <-time.After(5 * time.Second):
		t.Fatal("background revalidation never ran")
	}
}

func TestLock_SecondOwnerFailsFast(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	c1, err := Open(root, Options{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	defer func() { _ = c1.Close() }()

	_, err = Open(root, Options{Logger: testutil.NewTestLogger(t)})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "locked"), "got %v", err)
}

func TestLock_StaleLockReclaimed(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.MkdirAll(root, 0o755))
	// A pid that cannot be running.
	require.NoError(t, os.WriteFile(filepath.Join(root, "lock"), []byte("999999999\n"), 0o644))

	c, err := Open(root, Options{Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	_ = c.Close()
}

func TestSweep_EvictsLRUButNotHeld(t *testing.T) {
	c := openTestCache(t)
	c.opts.MaxBytes = 10 // force eviction

	fpB := strings.Repeat("b", 64)
	pathA, err := c.GetOrBuild(context.Background(), KindArtifacts, testFP, 0, writeArtifact("aaaaaaaaaa"))
	require.NoError(t, err)
	pathB, err := c.GetOrBuild(context.Background(), KindArtifacts, fpB, 0, writeArtifact("bbbbbbbbbb"))
	require.NoError(t, err)

	c.Acquire(pathB)
	defer c.Release(pathB)
	c.mu.Lock()
	c.access[pathA] = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	c.sweepOnce()

	_, errA := os.Stat(pathA)
	assert.True(t, os.IsNotExist(errA), "oldest unheld artifact should be evicted")
	_, errB := os.Stat(pathB)
	assert.NoError(t, errB, "held artifact must survive eviction")
}
