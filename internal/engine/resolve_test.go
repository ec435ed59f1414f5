package engine

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducksearch-labs/ducksearch/internal/params"
	"github.com/ducksearch-labs/ducksearch/internal/plan"
	"github.com/ducksearch-labs/ducksearch/internal/report"
	"github.com/ducksearch-labs/ducksearch/internal/secrets"
	"github.com/ducksearch-labs/ducksearch/internal/testutil"
)

type fakeRegistry map[string]*report.Report

func (f fakeRegistry) Parsed(id string) (*report.Report, error) {
	return f[id], nil
}

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	vault, err := secrets.Load(testutil.NewTestLogger(t))
	require.NoError(t, err)
	return &Executor{
		Vault:  vault,
		Consts: map[string]string{"DATA_ROOT": "/data"},
		Log:    testutil.NewTestLogger(t),
	}
}

func planFor(t *testing.T, src string, query url.Values) *plan.Plan {
	t.Helper()
	r, err := report.Parse("t/demo", src)
	require.NoError(t, err)
	b := &plan.Builder{
		DeploymentID: "test",
		Consts:       map[string]string{"DATA_ROOT": "/data"},
		Registry:     fakeRegistry{},
		ClientCap:    256,
	}
	rv, err := params.Resolve(r, query, b.MergedConsts(r), 256)
	require.NoError(t, err)
	p, err := b.Build(r, rv)
	require.NoError(t, err)
	return p
}

func TestResolvePrefix_ParamSubstitution(t *testing.T) {
	src := `/***PARAMS
Region:
  type: str
  scope: data
Missing:
  type: Optional[int]
***/
SELECT * FROM t WHERE r = {{param Region}} AND m = {{param Missing}}
`
	p := planFor(t, src, url.Values{"Region": {"north"}})
	e := testExecutor(t)

	sql, err := e.resolvePrefix(p.Base(), newBuildState(), len(p.Report.SQL))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE r = 'north' AND m = NULL", sql)
	assert.NotContains(t, sql, "{{", "every placeholder position must be substituted")
}

func TestResolvePrefix_MaterializeKeywordStripped(t *testing.T) {
	src := `/***PARAMS
Seg:
  type: str
  scope: data
***/
WITH lookup AS MATERIALIZE_CLOSED (
    SELECT 1 AS k
),
win AS MATERIALIZE (
    SELECT * FROM lookup WHERE k = {{param Seg}}
)
SELECT * FROM win
`
	p := planFor(t, src, url.Values{"Seg": {"a"}})
	e := testExecutor(t)

	sql, err := e.resolvePrefix(p.Base(), newBuildState(), len(p.Report.SQL))
	require.NoError(t, err)
	assert.NotContains(t, sql, "MATERIALIZE")
	assert.Contains(t, sql, "lookup AS (")
	assert.Contains(t, sql, "win AS (")
}

func TestNodeSQL_MaterializePrefix(t *testing.T) {
	src := `WITH a AS MATERIALIZE (
    SELECT 1 AS n
),
b AS (
    SELECT * FROM a
)
SELECT * FROM b
`
	p := planFor(t, src, url.Values{})
	e := testExecutor(t)

	var matNode *plan.Node
	for _, n := range p.Nodes {
		if n.Kind == plan.NodeMaterialize {
			matNode = n
		}
	}
	require.NotNil(t, matNode)

	sql, err := e.nodeSQL(matNode, newBuildState())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "WITH a AS ("), "got %q", sql)
	assert.True(t, strings.HasSuffix(sql, "SELECT * FROM a"), "got %q", sql)
	assert.NotContains(t, sql, "b AS", "prefix must stop at the target CTE")
}

func TestResolveSpan_ConfigAndPath(t *testing.T) {
	src := `/***SOURCES
events: /srv/events.parquet
***/
SELECT * FROM parquet_scan('{{config DATA_ROOT}}/x.parquet'), '{{path events}}'
`
	p := planFor(t, src, url.Values{})
	e := testExecutor(t)

	sql, err := e.resolvePrefix(p.Base(), newBuildState(), len(p.Report.SQL))
	require.NoError(t, err)
	assert.Contains(t, sql, "parquet_scan('/data/x.parquet')")
	assert.Contains(t, sql, "'/srv/events.parquet'")
}

func TestResolveSpan_MatPathSplice(t *testing.T) {
	src := `WITH seg AS MATERIALIZE (
    SELECT 1 AS n
)
SELECT * FROM '{{mat seg}}'
`
	p := planFor(t, src, url.Values{})
	e := testExecutor(t)

	st := newBuildState()
	st.artifacts["materialize:t/demo:seg"] = "/cache/materialize/abc.parquet"
	sql, err := e.resolvePrefix(p.Base(), st, len(p.Report.SQL))
	require.NoError(t, err)
	assert.Contains(t, sql, "FROM '/cache/materialize/abc.parquet'")
}

func TestRenderBinding(t *testing.T) {
	src := `/***PARAMS
K:
  type: str
  scope: data
***/
/***BINDINGS
label:
  source: seg
  key_param: K
  key_column: k
  value_column: v
ident_col:
  source: seg
  key_param: K
  key_column: k
  value_column: col
  kind: identifier
***/
WITH seg AS MATERIALIZE_CLOSED (
    SELECT 'a' AS k, 'Fast lane' AS v, 'n' AS col
)
SELECT {{bind label}} AS label, {{bind ident_col}} FROM seg WHERE k = {{param K}}
`
	p := planFor(t, src, url.Values{"K": {"a"}})
	e := testExecutor(t)

	st := newBuildState()
	st.artifacts["materialize:t/demo:seg"] = "/x.parquet"
	st.bindings["t/demo:label"] = "Fast lane"
	st.bindings["t/demo:ident_col"] = "n"

	sql, err := e.resolvePrefix(p.Base(), st, len(p.Report.SQL))
	require.NoError(t, err)
	assert.Contains(t, sql, "'Fast lane' AS label", "literal bindings are quoted")
	assert.Contains(t, sql, ", n FROM seg", "identifier bindings splice verbatim")
}

func TestClassify_RedactsSecrets(t *testing.T) {
	t.Setenv("API_TOKEN", "hunter2")
	e := testExecutor(t)

	src := `/***SECRETS
- API_TOKEN
***/
SELECT * FROM remote WHERE token = {{secret API_TOKEN}}
`
	p := planFor(t, src, url.Values{})

	err := e.classify(context.Background(), p.Base(), assertErr("query failed near hunter2"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "[redacted]")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
