// Package server is the public surface: the dispatcher that turns
// (report_id, raw_params) into a manifest of artifact URLs, and the HTTP
// transport that serves manifests, cached Parquet bytes, and the jailed
// filestore. The server never renders data; the browser runtime does.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/cache"
	"github.com/ducksearch-labs/ducksearch/internal/engine"
	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/params"
	"github.com/ducksearch-labs/ducksearch/internal/parquet"
	"github.com/ducksearch-labs/ducksearch/internal/plan"
	"github.com/ducksearch-labs/ducksearch/internal/registry"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

// Manifest is the response contract consumed by the browser runtime. Every
// artifact is referenced by its content-addressed URL under /cache/.
type Manifest struct {
	Report         string                          `json:"report"`
	BaseParquet    string                          `json:"base_parquet"`
	Materialize    map[string]string               `json:"materialize"`
	LiteralSources map[string]string               `json:"literal_sources"`
	Bindings       map[string]string               `json:"bindings"`
	ClientParams   map[string][]string             `json:"client_params"`
	TTLSeconds     int                             `json:"ttl_seconds"`
	Schema         []parquet.Column                `json:"schema"`
	DerivedParams  map[string]*report.DerivedParam `json:"derived_params,omitempty"`
	Table          *report.TableSpec               `json:"table,omitempty"`
	Search         *report.SearchSpec              `json:"search,omitempty"`
	Facets         []report.FacetSpec              `json:"facets,omitempty"`
	Charts         []report.ChartSpec              `json:"charts,omitempty"`
}

// Dispatcher wires the pipeline: registry lookup, parameter resolution,
// planning, cache-probed execution, manifest assembly.
type Dispatcher struct {
	Registry *registry.Registry
	Builder  *plan.Builder
	Executor *engine.Executor
	Cache    *cache.Cache
	Log      *slog.Logger
	Metrics  *Metrics
}

// Dispatch runs the full pipeline for one request.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, query url.Values) (*Manifest, error) {
	rec, ok := d.Registry.Lookup(id)
	if !ok {
		return nil, errcode.New(errcode.ReportNotFound, "report %s not found", id).WithReport(id)
	}
	r, err := rec.Parsed()
	if err != nil {
		return nil, err
	}

	rv, err := params.Resolve(r, query, d.Builder.MergedConsts(r), d.Builder.ClientCap)
	if err != nil {
		return nil, wrapReport(err, r.ID)
	}

	p, err := d.Builder.Build(r, rv)
	if err != nil {
		return nil, wrapReport(err, r.ID)
	}

	res, err := d.Executor.Execute(ctx, p)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.BuildFailures.Inc()
		}
		return nil, wrapReport(err, r.ID)
	}
	defer d.Executor.ReleaseAll(res)

	m := &Manifest{
		Report:         r.ID,
		BaseParquet:    d.cacheURL(res.BasePath),
		Materialize:    make(map[string]string, len(res.Materialize)),
		LiteralSources: make(map[string]string, len(res.LiteralSources)),
		Bindings:       res.Bindings,
		ClientParams:   rv.Client,
		TTLSeconds:     int(p.TTL.Seconds()),
		Schema:         res.Schema,
		DerivedParams:  r.Meta.DerivedParams,
		Table:          r.Meta.Table,
		Search:         r.Meta.Search,
		Facets:         r.Meta.Facets,
		Charts:         r.Meta.Charts,
	}
	for name, path := range res.Materialize {
		m.Materialize[name] = d.cacheURL(path)
	}
	for name, path := range res.LiteralSources {
		m.LiteralSources[name] = d.cacheURL(path)
	}

	d.persistManifest(res.BaseFP, m)
	return m, nil
}

// cacheURL rewrites an absolute artifact path into its /cache/ URL.
func (d *Dispatcher) cacheURL(path string) string {
	if path == "" {
		return ""
	}
	dir, file := filepath.Split(path)
	kind := filepath.Base(filepath.Clean(dir))
	return "/cache/" + kind + "/" + file
}

// persistManifest writes the manifest to cache/manifests/<base fp>.json,
// next to the artifacts. Dispatch does not read it back; every request is
// planned afresh.
func (d *Dispatcher) persistManifest(baseFP string, m *Manifest) {
	if baseFP == "" {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	path := d.Cache.ManifestPath(baseFP)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		d.Log.Warn("manifest persist failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		d.Log.Warn("manifest persist failed", "error", err)
	}
}

func wrapReport(err error, id string) error {
	if e, ok := err.(*errcode.Error); ok && e.Report == "" {
		return e.WithReport(id)
	}
	return err
}

// ReproductionURL strips client-only params from the original request so
// an error body can carry a URL that reproduces the failure server-side.
func ReproductionURL(path string, query url.Values) string {
	out := url.Values{}
	for k, vals := range query {
		if strings.HasPrefix(k, "__client__") {
			continue
		}
		out[k] = vals
	}
	if len(out) == 0 {
		return path
	}
	return path + "?" + out.Encode()
}
