// Package cache owns the content-addressed Parquet store under
// <root>/cache. All mutation goes through one owner: builds are
// single-flight per fingerprint, publishes are tmp-write + fsync + rename,
// and eviction runs in a background sweeper that respects ref-counts held
// by in-flight responses.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

// Kind names one cache subdirectory.
type Kind string

// Artifact kinds, one subdirectory each.
const (
	KindArtifacts      Kind = "artifacts"
	KindSlices         Kind = "slices"
	KindMaterialize    Kind = "materialize"
	KindLiteralSources Kind = "literal_sources"
	KindBindings       Kind = "bindings"
	KindFacets         Kind = "facets"
	KindCharts         Kind = "charts"
	KindManifests      Kind = "manifests"
	KindTmp            Kind = "tmp"
)

// Subdirs lists every cache child, in creation order.
var Subdirs = []Kind{
	KindArtifacts, KindSlices, KindMaterialize, KindLiteralSources,
	KindBindings, KindFacets, KindCharts, KindManifests, KindTmp,
}

// Options tunes cache behavior.
type Options struct {
	TTL           time.Duration // default freshness window
	MaxBytes      int64         // global cap, 0 = unlimited
	KindMaxBytes  map[Kind]int64
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Cache is the single owner of the artifact directory.
type Cache struct {
	root string // the cache directory itself
	opts Options
	log  *slog.Logger
	lock *processLock

	flight singleflight.Group

	mu     sync.Mutex
	refs   map[string]int       // published path -> in-flight references
	access map[string]time.Time // published path -> last access

	// OnBuild and OnHit, when set, observe builds and fresh probes.
	// Tests and metrics hook in here.
	OnBuild func(kind Kind, fp string)
	OnHit   func(kind Kind, fp string)
}

// Open prepares the cache directory, creating missing subdirectories, and
// takes the advisory single-process lock.
func Open(root string, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for _, kind := range Subdirs {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", kind, err)
		}
	}
	lock, err := acquireLock(filepath.Join(root, "lock"))
	if err != nil {
		return nil, err
	}
	return &Cache{
		root:   root,
		opts:   opts,
		log:    opts.Logger,
		lock:   lock,
		refs:   make(map[string]int),
		access: make(map[string]time.Time),
	}, nil
}

// Close releases the advisory lock.
func (c *Cache) Close() error {
	return c.lock.release()
}

// Path returns the published location for a fingerprint, whether or not it
// exists yet.
func (c *Cache) Path(kind Kind, fp string) string {
	return filepath.Join(c.root, string(kind), fp+".parquet")
}

// ManifestPath returns the location for a persisted manifest.
func (c *Cache) ManifestPath(fp string) string {
	return filepath.Join(c.root, string(KindManifests), fp+".json")
}

// Probe reports whether a fresh artifact exists for the fingerprint.
func (c *Cache) Probe(kind Kind, fp string, ttl time.Duration) (string, bool) {
	path := c.Path(kind, fp)
	if c.fresh(path, ttl) {
		c.touch(path)
		if c.OnHit != nil {
			c.OnHit(kind, fp)
		}
		return path, true
	}
	return "", false
}

func (c *Cache) fresh(path string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(st.ModTime()) < ttl
}

func (c *Cache) touch(path string) {
	c.mu.Lock()
	c.access[path] = time.Now()
	c.mu.Unlock()
}

// BuildFunc produces an artifact at tmpPath. On success the cache fsyncs
// and renames it into place.
type BuildFunc func(ctx context.Context, tmpPath string) error

// GetOrBuild returns the published path for a fingerprint, building it at
// most once across concurrent callers. Waiters receive the builder's error
// verbatim; nobody observes a partial file.
func (c *Cache) GetOrBuild(ctx context.Context, kind Kind, fp string, ttl time.Duration, build BuildFunc) (string, error) {
	if path, ok := c.Probe(kind, fp, ttl); ok {
		return path, nil
	}

	key := string(kind) + "/" + fp
	path, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-probe under the flight: a concurrent builder may have
		// published while we queued.
		if path, ok := c.Probe(kind, fp, ttl); ok {
			return path, nil
		}
		if c.OnBuild != nil {
			c.OnBuild(kind, fp)
		}
		return c.runBuild(ctx, kind, fp, build)
	})
	if err != nil {
		return "", err
	}
	p := path.(string)
	c.touch(p)
	return p, nil
}

func (c *Cache) runBuild(ctx context.Context, kind Kind, fp string, build BuildFunc) (string, error) {
	// A build may be serving waiters from other requests; the initiating
	// request's cancellation must not abort it.
	ctx = context.WithoutCancel(ctx)
	tmp := filepath.Join(c.root, string(KindTmp), fmt.Sprintf("%s.%s.parquet", fp, uuid.NewString()))
	if err := build(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	target := c.Path(kind, fp)
	if err := publish(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", errcode.New(errcode.CacheCorrupt, "publish %s: %v", fp, err)
	}
	c.log.Debug("artifact published", "kind", string(kind), "fingerprint", fp)
	return target, nil
}

// publish makes the artifact durable, then visible. The rename is the
// commit point: readers either see the whole file or nothing.
func publish(tmp, target string) error {
	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	if dir, err := os.Open(filepath.Dir(target)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// GetOrBuildStale behaves like GetOrBuild, except that when an expired
// artifact still exists on disk it is served immediately and refreshed in
// the background. Reports opt in via stale_while_revalidate in CACHE.
func (c *Cache) GetOrBuildStale(ctx context.Context, kind Kind, fp string, ttl time.Duration, build BuildFunc) (string, error) {
	if path, ok := c.Probe(kind, fp, ttl); ok {
		return path, nil
	}
	stale := c.Path(kind, fp)
	if _, err := os.Stat(stale); err == nil {
		bg := context.WithoutCancel(ctx)
		go func() {
			if _, err := c.GetOrBuild(bg, kind, fp, ttl, build); err != nil {
				c.log.Warn("background revalidation failed", "fingerprint", fp, "error", err)
			}
		}()
		c.touch(stale)
		return stale, nil
	}
	return c.GetOrBuild(ctx, kind, fp, ttl, build)
}

// Acquire pins a published artifact against eviction for the duration of a
// response. Callers must Release.
func (c *Cache) Acquire(path string) {
	c.mu.Lock()
	c.refs[path]++
	c.mu.Unlock()
}

// Release drops a pin taken by Acquire.
func (c *Cache) Release(path string) {
	c.mu.Lock()
	if c.refs[path] > 1 {
		c.refs[path]--
	} else {
		delete(c.refs, path)
	}
	c.mu.Unlock()
}

// Sweep runs the eviction loop until ctx is done.
func (c *Cache) Sweep(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

type entry struct {
	path   string
	size   int64
	access time.Time
}

// sweepOnce enforces the per-kind and global byte caps, oldest access
// first, skipping artifacts held by in-flight responses.
func (c *Cache) sweepOnce() {
	var total int64
	all := make([]entry, 0, 64)
	for _, kind := range Subdirs {
		if kind == KindTmp {
			continue
		}
		entries, size := c.scanKind(kind)
		total += size
		if limit, ok := c.opts.KindMaxBytes[kind]; ok && limit > 0 && size > limit {
			total -= c.evict(entries, size-limit)
		}
		all = append(all, entries...)
	}
	if c.opts.MaxBytes > 0 && total > c.opts.MaxBytes {
		c.evict(all, total-c.opts.MaxBytes)
	}
	c.cleanTmp()
}

func (c *Cache) scanKind(kind Kind) ([]entry, int64) {
	dir := filepath.Join(c.root, string(kind))
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0
	}
	var out []entry
	var total int64
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, f.Name())
		access, ok := c.access[path]
		if !ok {
			access = info.ModTime()
		}
		out = append(out, entry{path: path, size: info.Size(), access: access})
		total += info.Size()
	}
	return out, total
}

func (c *Cache) evict(entries []entry, need int64) int64 {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].access.Before(entries[j].access)
	})
	var freed int64
	for _, e := range entries {
		if freed >= need {
			break
		}
		c.mu.Lock()
		held := c.refs[e.path] > 0
		c.mu.Unlock()
		if held {
			continue
		}
		if err := os.Remove(e.path); err == nil {
			freed += e.size
			c.mu.Lock()
			delete(c.access, e.path)
			c.mu.Unlock()
			c.log.Debug("artifact evicted", "path", e.path, "bytes", e.size)
		}
	}
	return freed
}

// cleanTmp drops abandoned tmp files older than an hour.
func (c *Cache) cleanTmp() {
	dir := filepath.Join(c.root, string(KindTmp))
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > time.Hour {
			_ = os.Remove(filepath.Join(dir, f.Name()))
		}
	}
}
