package plan

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/params"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

type fakeRegistry map[string]*report.Report

func (f fakeRegistry) Parsed(id string) (*report.Report, error) {
	r, ok := f[canonicalID(id)]
	if !ok {
		return nil, errcode.New(errcode.ReportNotFound, "report %s not found", id)
	}
	return r, nil
}

func newBuilder(reg fakeRegistry) *Builder {
	return &Builder{
		DeploymentID: "test",
		Consts:       map[string]string{},
		Registry:     reg,
		ClientCap:    256,
		DefaultTTL:   300 * time.Second,
	}
}

func buildPlan(t *testing.T, b *Builder, r *report.Report, query url.Values) *Plan {
	t.Helper()
	rv, err := params.Resolve(r, query, b.MergedConsts(r), b.ClientCap)
	require.NoError(t, err)
	p, err := b.Build(r, rv)
	require.NoError(t, err)
	return p
}

const segmentReport = `/***PARAMS
Segment:
  type: str
  scope: data
Shard:
  type: Optional[int]
  scope: hybrid
***/

/***BINDINGS
segment_label:
  source: segments
  key_param: Segment
  key_column: segment
  value_column: label
***/

/***LITERAL_SOURCES
segment_picker:
  from: segments
  column: segment
***/

WITH segments AS MATERIALIZE_CLOSED (
    SELECT segment, label, shard FROM all_segments
),
focused AS MATERIALIZE (
    SELECT * FROM segments WHERE segment = {{param Segment}}
)
SELECT f.*, {{bind segment_label}} AS segment_label
FROM focused f
WHERE shard = {{param Shard}}
`

func TestBuild_NodeOrdering(t *testing.T) {
	r, err := report.Parse("deep_demos/bindings/segment_focus", segmentReport)
	require.NoError(t, err)

	b := newBuilder(fakeRegistry{})
	p := buildPlan(t, b, r, url.Values{"Segment": {"alpha"}})

	var kinds []NodeKind
	for _, n := range p.Nodes {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []NodeKind{
		NodeMaterialize, NodeMaterialize, NodeBinding, NodeLiteralSource, NodeBase,
	}, kinds)

	assert.Equal(t, "segments", p.Nodes[0].Name)
	assert.Equal(t, "focused", p.Nodes[1].Name)
	assert.Equal(t, "segment_label", p.Nodes[2].Name)
	require.NotNil(t, p.Base())

	// The binding depends on its source materialization.
	assert.Contains(t, p.Nodes[2].Upstream, p.Nodes[0].Key)
}

func TestBuild_ClosedMaterializationIgnoresDownstreamParams(t *testing.T) {
	r, err := report.Parse("t/seg", segmentReport)
	require.NoError(t, err)
	b := newBuilder(fakeRegistry{})

	p1 := buildPlan(t, b, r, url.Values{"Segment": {"alpha"}})
	p2 := buildPlan(t, b, r, url.Values{"Segment": {"beta"}})

	// segments is closed and references no params: identical across values.
	assert.Equal(t, p1.Nodes[0].FP, p2.Nodes[0].FP)
	// focused is open and filters on Segment: must differ.
	assert.NotEqual(t, p1.Nodes[1].FP, p2.Nodes[1].FP)
	// base differs.
	assert.NotEqual(t, p1.Base().FP, p2.Base().FP)
}

func TestBuild_ClientRoutedHybridKeepsBaseFingerprint(t *testing.T) {
	r, err := report.Parse("t/seg", segmentReport)
	require.NoError(t, err)
	b := newBuilder(fakeRegistry{})

	plain := buildPlan(t, b, r, url.Values{"Segment": {"alpha"}})
	hinted := buildPlan(t, b, r, url.Values{"Segment": {"alpha"}, "__client__Shard": {"2"}})

	assert.Equal(t, plain.Base().FP, hinted.Base().FP,
		"client-only hint must not change the base fingerprint")
}

func TestBuild_ServerShardChangesBaseOnly(t *testing.T) {
	r, err := report.Parse("t/seg", segmentReport)
	require.NoError(t, err)
	b := newBuilder(fakeRegistry{})

	p1 := buildPlan(t, b, r, url.Values{"Segment": {"alpha"}})
	p2 := buildPlan(t, b, r, url.Values{"Segment": {"alpha"}, "__server__Shard": {"2"}})

	assert.Equal(t, p1.Nodes[0].FP, p2.Nodes[0].FP, "closed lookup unchanged")
	assert.NotEqual(t, p1.Base().FP, p2.Base().FP, "server-routed shard changes the base")
}

func TestBuild_BindingRequiresMaterializedSource(t *testing.T) {
	src := `/***PARAMS
K:
  type: str
  scope: data
***/
/***BINDINGS
x:
  source: lookup
  key_param: K
  key_column: k
  value_column: v
***/
WITH lookup AS (SELECT 1 AS k, 2 AS v)
SELECT {{bind x}} FROM lookup WHERE k = {{param K}}
`
	r, err := report.Parse("t/bad", src)
	require.NoError(t, err)
	b := newBuilder(fakeRegistry{})
	rv, err := params.Resolve(r, url.Values{"K": {"1"}}, nil, 256)
	require.NoError(t, err)

	_, err = b.Build(r, rv)
	assert.True(t, errcode.Is(err, errcode.UndeclaredName), "got %v", err)
}

const childReport = `/***PARAMS
Topic:
  type: str
  scope: data
***/
SELECT topic, story FROM stories WHERE topic = {{param Topic}}
`

const parentReport = `/***PARAMS
Topic:
  type: str
  scope: data
FocusVariant:
  type: str
  scope: data
***/
/***IMPORTS
stories:
  report: deep_demos/imports/shared_base.sql
  pass_params: [Topic]
***/
SELECT * FROM '{{import stories}}' WHERE variant = {{param FocusVariant}}
`

func TestBuild_ImportExpansion(t *testing.T) {
	child, err := report.Parse("deep_demos/imports/shared_base", childReport)
	require.NoError(t, err)
	parent, err := report.Parse("deep_demos/imports/topic_drilldown", parentReport)
	require.NoError(t, err)

	b := newBuilder(fakeRegistry{child.ID: child})
	p := buildPlan(t, b, parent, url.Values{"Topic": {"routing"}, "FocusVariant": {"beta"}})

	// Child base first, then the import alias, then the parent base.
	require.Len(t, p.Nodes, 3)
	assert.Equal(t, NodeBase, p.Nodes[0].Kind)
	assert.Equal(t, child.ID, p.Nodes[0].Report.ID)
	assert.Equal(t, NodeImport, p.Nodes[1].Kind)
	assert.Equal(t, NodeBase, p.Nodes[2].Kind)
	assert.Equal(t, parent.ID, p.Nodes[2].Report.ID)

	// The import aliases the child's base fingerprint.
	assert.Equal(t, p.Nodes[0].FP, p.Nodes[1].FP)

	// Passing a different Topic changes the child base; a different
	// FocusVariant does not.
	p2 := buildPlan(t, b, parent, url.Values{"Topic": {"storage"}, "FocusVariant": {"beta"}})
	assert.NotEqual(t, p.Nodes[0].FP, p2.Nodes[0].FP)

	p3 := buildPlan(t, b, parent, url.Values{"Topic": {"routing"}, "FocusVariant": {"gamma"}})
	assert.Equal(t, p.Nodes[0].FP, p3.Nodes[0].FP)
	assert.NotEqual(t, p.Base().FP, p3.Base().FP)
}

func TestBuild_ImportCycleRejected(t *testing.T) {
	a, err := report.Parse("cycle/a", `/***IMPORTS
other:
  report: cycle/b
***/
SELECT * FROM '{{import other}}'
`)
	require.NoError(t, err)
	bRep, err := report.Parse("cycle/b", `/***IMPORTS
other:
  report: cycle/a
***/
SELECT * FROM '{{import other}}'
`)
	require.NoError(t, err)

	builder := newBuilder(fakeRegistry{a.ID: a, bRep.ID: bRep})
	rv, err := params.Resolve(a, url.Values{}, nil, 256)
	require.NoError(t, err)

	_, err = builder.Build(a, rv)
	assert.True(t, errcode.Is(err, errcode.ImportCycle), "got %v", err)
}

func TestBuild_TTLFromCacheBlock(t *testing.T) {
	src := `/***CACHE
ttl_seconds: 42
***/
SELECT 1
`
	r, err := report.Parse("t/ttl", src)
	require.NoError(t, err)
	b := newBuilder(fakeRegistry{})
	p := buildPlan(t, b, r, url.Values{})
	assert.Equal(t, 42*time.Second, p.TTL)
}
