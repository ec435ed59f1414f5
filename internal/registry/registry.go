// Package registry discovers report files under <root>/reports and exposes
// them by canonical id. Readers take an immutable snapshot; the dev-mode
// watcher publishes replacement snapshots atomically, so in-flight requests
// holding an older IR complete undisturbed.
package registry

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

// Record is one discovered report file. The parsed IR is built lazily and
// cached until a watch cycle observes an mtime or size change.
type Record struct {
	ID    string
	Path  string
	MTime time.Time
	Size  int64

	mu sync.Mutex
	ir *report.Report
}

// Parsed returns the cached IR, parsing on first use.
func (rec *Record) Parsed() (*report.Report, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ir != nil {
		return rec.ir, nil
	}
	ir, err := report.ParseFile(rec.ID, rec.Path)
	if err != nil {
		return nil, err
	}
	rec.ir = ir
	return ir, nil
}

// Snapshot is an immutable view of the reports tree.
type Snapshot struct {
	Records map[string]*Record
}

// IDs returns every canonical report id, sorted.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry watches a reports root.
type Registry struct {
	root     string // the reports directory
	interval time.Duration
	log      *slog.Logger
	snap     atomic.Pointer[Snapshot]
}

// New builds a registry over <reportsDir> and performs the initial walk.
func New(reportsDir string, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		root:     reportsDir,
		interval: time.Second,
		log:      log,
	}
	if err := r.Rebuild(); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Lookup resolves a report id, accepting both the canonical form and the
// .sql-suffixed form used in URLs.
func (r *Registry) Lookup(id string) (*Record, bool) {
	rec, ok := r.Snapshot().Records[CanonicalID(id)]
	return rec, ok
}

// Parsed implements plan.Lookup.
func (r *Registry) Parsed(id string) (*report.Report, error) {
	rec, ok := r.Lookup(id)
	if !ok {
		return nil, errcode.New(errcode.ReportNotFound, "report %s not found", id)
	}
	return rec.Parsed()
}

// CanonicalID normalizes a report reference: forward slashes, no .sql
// suffix.
func CanonicalID(id string) string {
	id = filepath.ToSlash(id)
	return strings.TrimSuffix(id, ".sql")
}

// Rebuild walks the reports tree and publishes a fresh snapshot. Records
// whose mtime and size are unchanged keep their parsed IR.
func (r *Registry) Rebuild() error {
	prev := r.snap.Load()
	next := &Snapshot{Records: make(map[string]*Record)}

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		id := CanonicalID(rel)

		if prev != nil {
			if old, ok := prev.Records[id]; ok && old.MTime.Equal(info.ModTime()) && old.Size == info.Size() {
				next.Records[id] = old
				return nil
			}
		}
		next.Records[id] = &Record{
			ID:    id,
			Path:  path,
			MTime: info.ModTime(),
			Size:  info.Size(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.snap.Store(next)
	return nil
}

// Watch polls mtime and size at a modest cadence; dev mode only. A change
// invalidates the affected record in the next snapshot while requests
// holding the previous snapshot finish on the old IR.
func (r *Registry) Watch(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Rebuild(); err != nil {
				r.log.Warn("report rescan failed", "error", err)
			}
		}
	}
}
