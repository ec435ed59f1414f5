package engine

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ducksearch-labs/ducksearch/internal/cache"
	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/parquet"
	"github.com/ducksearch-labs/ducksearch/internal/plan"
	"github.com/ducksearch-labs/ducksearch/internal/secrets"
)

// Executor runs a plan node-by-node, handing each artifact to the cache
// for single-flight building and atomic publish.
type Executor struct {
	Pool   *Pool
	Cache  *cache.Cache
	Vault  *secrets.Vault
	Consts map[string]string
	Soft   time.Duration // exceeded: logged, build continues
	Hard   time.Duration // exceeded: build aborted with BuildTimeout
	Log    *slog.Logger
}

// Result is the artifact set produced by one plan execution.
type Result struct {
	BasePath       string
	BaseFP         string
	Materialize    map[string]string // cte name -> path
	LiteralSources map[string]string // id -> path
	Bindings       map[string]string // id -> resolved value
	Schema         []parquet.Column
	// Paths lists every artifact pinned for the response; callers release
	// them once the manifest is written out.
	Paths []string
}

// CacheKindFor maps plan node kinds to cache subdirectories.
func CacheKindFor(kind plan.NodeKind) cache.Kind {
	switch kind {
	case plan.NodeMaterialize:
		return cache.KindMaterialize
	case plan.NodeLiteralSource:
		return cache.KindLiteralSources
	case plan.NodeSlice:
		return cache.KindSlices
	default:
		return cache.KindArtifacts
	}
}

// Execute walks the plan in order. Within one plan execution, each node
// observes the artifacts of everything upstream of it.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*Result, error) {
	st := newBuildState()
	res := &Result{
		Materialize:    make(map[string]string),
		LiteralSources: make(map[string]string),
		Bindings:       make(map[string]string),
	}

	for _, n := range p.Nodes {
		switch n.Kind {
		case plan.NodeImport:
			// Alias for the child's base artifact, built by earlier nodes.
			st.artifacts[n.Key] = st.artifacts[n.ImportBaseKey]

		case plan.NodeBinding:
			value, err := e.resolveBinding(n, st)
			if err != nil {
				return nil, err
			}
			st.bindings[n.Report.ID+":"+n.Name] = value
			if n.Report == p.Report {
				res.Bindings[n.Name] = value
			}

		default:
			path, err := e.buildNode(ctx, p, n, st)
			if err != nil {
				return nil, err
			}
			st.artifacts[n.Key] = path
			e.Cache.Acquire(path)
			res.Paths = append(res.Paths, path)

			if n.Report != p.Report {
				continue
			}
			switch n.Kind {
			case plan.NodeMaterialize:
				res.Materialize[n.Name] = path
			case plan.NodeLiteralSource:
				res.LiteralSources[n.Name] = path
			case plan.NodeBase:
				res.BasePath = path
				res.BaseFP = n.FP.Hex()
			}
		}
	}

	if res.BasePath != "" {
		schema, err := parquet.Schema(res.BasePath)
		if err != nil {
			return nil, errcode.New(errcode.CacheCorrupt, "read base schema: %v", err)
		}
		res.Schema = schema
	}
	return res, nil
}

// ReleaseAll drops the eviction pins taken during Execute.
func (e *Executor) ReleaseAll(res *Result) {
	for _, p := range res.Paths {
		e.Cache.Release(p)
	}
}

func (e *Executor) buildNode(ctx context.Context, p *plan.Plan, n *plan.Node, st *buildState) (string, error) {
	stmt, err := e.nodeSQL(n, st)
	if err != nil {
		return "", err
	}
	kind := CacheKindFor(n.Kind)
	build := func(ctx context.Context, tmpPath string) error {
		return e.runCopy(ctx, n, stmt, tmpPath)
	}
	if c := n.Report.Meta.Cache; c != nil && c.StaleWhileRevalidate {
		return e.Cache.GetOrBuildStale(ctx, kind, n.FP.Hex(), p.TTL, build)
	}
	return e.Cache.GetOrBuild(ctx, kind, n.FP.Hex(), p.TTL, build)
}

// nodeSQL produces the COPY statement for a buildable node, minus the
// output path which is only known at build time.
func (e *Executor) nodeSQL(n *plan.Node, st *buildState) (string, error) {
	r := n.Report
	switch n.Kind {
	case plan.NodeMaterialize:
		prefix, err := e.resolvePrefix(n, st, n.CTE.End)
		if err != nil {
			return "", err
		}
		return prefix + " SELECT * FROM " + n.CTE.Name, nil

	case plan.NodeLiteralSource:
		prefix, err := e.resolvePrefix(n, st, n.CTE.End)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s SELECT DISTINCT %s FROM %s ORDER BY 1",
			prefix, n.Literal.Column, n.Literal.From), nil

	case plan.NodeBase:
		return e.resolvePrefix(n, st, len(r.SQL))

	default:
		return "", errcode.New(errcode.InvalidPlaceholder, "node kind %s is not buildable", n.Kind)
	}
}

// runCopy wraps the resolved SQL in COPY ... TO and executes it with the
// node timeouts and one retry on transient engine failures.
func (e *Executor) runCopy(ctx context.Context, n *plan.Node, stmt, tmpPath string) error {
	query := fmt.Sprintf("COPY (%s) TO '%s' (FORMAT PARQUET)", stmt, strings.ReplaceAll(tmpPath, "'", "''"))

	hard := e.Hard
	if hard <= 0 {
		hard = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	soft := e.Soft
	if soft <= 0 {
		soft = 30 * time.Second
	}
	softTimer := time.AfterFunc(soft, func() {
		e.Log.Warn("build exceeding soft timeout",
			"report", n.Report.ID, "node", n.Name, "soft_timeout", soft)
	})
	defer softTimer.Stop()

	backoff := retry.WithMaxRetries(1, retry.NewConstant(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := e.Pool.Exec(ctx, query)
		if err == nil {
			return nil
		}
		if transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	return e.classify(ctx, n, err)
}

func (e *Executor) classify(ctx context.Context, n *plan.Node, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errcode.New(errcode.BuildTimeout, "build timed out").
			WithReport(n.Report.ID).WithDetail("node %s", n.Name)
	}
	msg := e.Vault.RedactNamed(err.Error(), n.Report.Meta.Secrets)
	if transient(err) {
		return errcode.New(errcode.EngineUnavailable, "engine unavailable: %s", firstLine(msg)).
			WithReport(n.Report.ID).WithDetail("node %s", n.Name)
	}
	// User-caused: surface report, node, and the engine's first error line.
	// The resolved SQL itself is never attached.
	return errcode.New(errcode.SqlExecutionError, "%s", firstLine(msg)).
		WithReport(n.Report.ID).WithDetail("node %s", n.Name)
}

func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "database is locked")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// resolveBinding looks up the binding value from its source
// materialization's Parquet artifact.
func (e *Executor) resolveBinding(n *plan.Node, st *buildState) (string, error) {
	b := n.Binding
	srcKey := string(plan.NodeMaterialize) + ":" + n.Report.ID + ":" + b.Source
	srcPath, ok := st.artifacts[srcKey]
	if !ok {
		return "", errcode.New(errcode.UndeclaredName,
			"binding %s: source %s has no artifact", n.Name, b.Source).WithReport(n.Report.ID)
	}

	keyValue := ""
	if v, ok := n.Params.Server[b.KeyParam]; ok && !v.Absent && len(v.Raw) > 0 {
		keyValue = v.Raw[0]
	}

	value, found, err := parquet.LookupValue(srcPath, b.KeyColumn, keyValue, b.ValueColumn)
	if err != nil {
		return "", errcode.New(errcode.CacheCorrupt, "binding %s lookup: %v", n.Name, err).WithReport(n.Report.ID)
	}
	if !found {
		return "", errcode.New(errcode.SqlExecutionError,
			"binding %s: no row where %s = %q", n.Name, b.KeyColumn, keyValue).WithReport(n.Report.ID)
	}
	return value, nil
}
