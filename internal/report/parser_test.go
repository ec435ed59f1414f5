package report

import (
	"strings"
	"testing"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

const demoReport = `/***PARAMS
Region:
  type: str
  scope: data
DayWindow:
  type: Optional[int]
  default: 2
Pick:
  type: Literal[alpha, beta]
  scope: view
***/

/***CACHE
ttl_seconds: 120
***/

WITH base AS MATERIALIZE (
    SELECT region, day, avg(latency_ms) AS avg_latency
    FROM events
    WHERE region = {{param Region}}
    GROUP BY region, day
),
lookup AS MATERIALIZE_CLOSED (
    SELECT code, label FROM codes
)
SELECT b.*, l.label
FROM base b
JOIN lookup l ON l.code = b.region
WHERE b.day >= {{param DayWindow}}
`

func TestParse_DemoReport(t *testing.T) {
	r, err := Parse("deep_demos/speed/rolling_latency", demoReport)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(r.Meta.Params) != 3 {
		t.Fatalf("expected 3 params, got %d", len(r.Meta.Params))
	}
	region := r.Meta.Params["Region"]
	if region.Scope != ScopeData {
		t.Errorf("expected Region scope data, got %s", region.Scope)
	}
	day := r.Meta.Params["DayWindow"]
	if !day.HasDefault || day.Default != "2" {
		t.Errorf("expected DayWindow default 2, got %q", day.Default)
	}
	if day.Type.Kind != TypeOptional || day.Type.Inner.Kind != TypeInt {
		t.Errorf("expected Optional[int], got %s", day.Type)
	}

	if r.Meta.Cache == nil || r.Meta.Cache.TTLSeconds != 120 {
		t.Errorf("expected CACHE ttl_seconds 120")
	}

	if len(r.CTEs) != 2 {
		t.Fatalf("expected 2 CTEs, got %d", len(r.CTEs))
	}
	if r.CTEs[0].Name != "base" || r.CTEs[0].Materialize != MatOpen {
		t.Errorf("expected base MATERIALIZE, got %s %v", r.CTEs[0].Name, r.CTEs[0].Materialize)
	}
	if r.CTEs[1].Name != "lookup" || r.CTEs[1].Materialize != MatClosed {
		t.Errorf("expected lookup MATERIALIZE_CLOSED, got %s %v", r.CTEs[1].Name, r.CTEs[1].Materialize)
	}

	var paramSpans int
	for _, s := range r.Spans {
		if s.Kind == KindParam {
			paramSpans++
		}
	}
	if paramSpans != 2 {
		t.Errorf("expected 2 param spans, got %d", paramSpans)
	}
	if strings.Contains(r.SQL, "/***") {
		t.Error("metadata blocks leaked into SQL body")
	}
}

func TestParse_ScopeInference(t *testing.T) {
	src := `/***PARAMS
Used:
  type: str
Unused:
  type: str
***/
SELECT * FROM t WHERE c = {{param Used}}
`
	r, err := Parse("x", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Meta.Params["Used"].Scope != ScopeData {
		t.Errorf("referenced param should infer data scope")
	}
	if r.Meta.Params["Unused"].Scope != ScopeView {
		t.Errorf("unreferenced param should infer view scope")
	}
}

func TestParse_ViewParamReferenced(t *testing.T) {
	src := `/***PARAMS
P:
  type: str
  scope: view
***/
SELECT * FROM t WHERE c = {{param P}}
`
	_, err := Parse("x", src)
	if !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock, got %v", err)
	}
}

func TestParse_DuplicateBlock(t *testing.T) {
	src := "/***PARAMS\nA:\n  type: str\n***/\n\n/***PARAMS\nB:\n  type: str\n***/\nSELECT 1"
	_, err := Parse("x", src)
	if !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock, got %v", err)
	}
}

func TestParse_UnsupportedBlock(t *testing.T) {
	_, err := Parse("x", "/***BOGUS\nfoo: 1\n***/\nSELECT 1")
	if !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock, got %v", err)
	}
}

func TestParse_UnknownParamKey(t *testing.T) {
	src := `/***PARAMS
A:
  type: str
  wat: true
***/
SELECT 1
`
	_, err := Parse("x", src)
	if !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock for unknown key, got %v", err)
	}
}

func TestParse_DuplicateParamCasing(t *testing.T) {
	src := `/***PARAMS
Region:
  type: str
region:
  type: str
***/
SELECT 1
`
	_, err := Parse("x", src)
	if !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock for case collision, got %v", err)
	}
}

func TestParse_ForbiddenKeywords(t *testing.T) {
	cases := []string{
		"CREATE TABLE t AS SELECT 1",
		"INSERT INTO t VALUES (1)",
		"DELETE FROM t",
		"PRAGMA version",
		"SET threads = 4",
		"ATTACH 'other.db'",
	}
	for _, sql := range cases {
		if _, err := Parse("x", sql); !errcode.Is(err, errcode.ForbiddenSqlConstruct) {
			t.Errorf("%q: expected ForbiddenSqlConstruct, got %v", sql, err)
		}
	}
}

func TestParse_KeywordInStringAllowed(t *testing.T) {
	if _, err := Parse("x", "SELECT 'please do not DELETE me' AS note"); err != nil {
		t.Fatalf("keyword inside string literal should pass, got %v", err)
	}
}

func TestParse_MultipleStatements(t *testing.T) {
	_, err := Parse("x", "SELECT 1; SELECT 2")
	if !errcode.Is(err, errcode.ForbiddenSqlConstruct) {
		t.Fatalf("expected ForbiddenSqlConstruct, got %v", err)
	}
}

func TestParse_TrailingSemicolonAllowed(t *testing.T) {
	if _, err := Parse("x", "SELECT 1;\n"); err != nil {
		t.Fatalf("trailing semicolon should pass, got %v", err)
	}
}

func TestParse_InvalidPlaceholder(t *testing.T) {
	cases := []string{
		"SELECT {{frob X}}",
		"SELECT {{param }}",
		"SELECT {{param 1abc}}",
		"SELECT {{param X",
	}
	for _, sql := range cases {
		if _, err := Parse("x", sql); !errcode.Is(err, errcode.InvalidPlaceholder) {
			t.Errorf("%q: expected InvalidPlaceholder, got %v", sql, err)
		}
	}
}

func TestParse_PlaceholderInCommentIsLiteral(t *testing.T) {
	r, err := Parse("x", "SELECT 1 -- {{param X}}\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Spans) != 0 {
		t.Errorf("comment placeholder should not produce spans")
	}
}

func TestParse_PathPlaceholderInString(t *testing.T) {
	src := `/***SOURCES
events: /data/events.parquet
***/
SELECT * FROM '{{path events}}'
`
	r, err := Parse("x", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Spans) != 1 || r.Spans[0].Kind != KindPath || !r.Spans[0].InString {
		t.Fatalf("expected one in-string path span, got %+v", r.Spans)
	}
}

func TestParse_IllegalScanPathConcat(t *testing.T) {
	src := `/***CONFIG
DATA_ROOT: /data
***/
/***BINDINGS
x:
  source: lookup
  key_param: K
  key_column: k
  value_column: v
***/
/***PARAMS
K:
  type: str
  scope: data
***/
WITH lookup AS MATERIALIZE_CLOSED (SELECT 1 AS k, 2 AS v)
SELECT * FROM parquet_scan('{{config DATA_ROOT}}/' || {{bind x}} || '.parquet')
`
	_, err := Parse("x", src)
	if !errcode.Is(err, errcode.IllegalScanPath) {
		t.Fatalf("expected IllegalScanPath, got %v", err)
	}
}

func TestParse_LegalScanPath(t *testing.T) {
	src := `/***CONFIG
DATA_ROOT: /data
***/
SELECT * FROM parquet_scan('{{config DATA_ROOT}}/events.parquet')
`
	r, err := Parse("x", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.Spans) != 1 || !r.Spans[0].InScanPath {
		t.Fatalf("expected config span marked InScanPath, got %+v", r.Spans)
	}
}

func TestParse_ScanPathMustBeQuoted(t *testing.T) {
	_, err := Parse("x", "SELECT * FROM parquet_scan(some_expr)")
	if !errcode.Is(err, errcode.IllegalScanPath) {
		t.Fatalf("expected IllegalScanPath, got %v", err)
	}
}

func TestParse_AppliesToWrapper(t *testing.T) {
	src := `/***PARAMS
Shard:
  type: int
  scope: hybrid
  applies_to:
    cte: win
    mode: wrapper
***/
WITH win_base AS (SELECT 1 AS n),
win AS (SELECT * FROM win_base WHERE n = {{param Shard}})
SELECT * FROM win
`
	if _, err := Parse("x", src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := strings.Replace(src, "win_base AS (SELECT 1 AS n),\nwin", "win", 1)
	missing = strings.Replace(missing, "FROM win_base", "FROM t", 1)
	if _, err := Parse("x", missing); !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock for missing wrapper base, got %v", err)
	}
}

func TestParse_CanonicalFixedPoint(t *testing.T) {
	r1, err := Parse("x", demoReport)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := Parse("x", r1.Canonical)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if r1.Canonical != r2.Canonical {
		t.Error("canonical form is not a fixed point")
	}
	if r1.SourceFP != r2.SourceFP {
		t.Error("source fingerprint changed across reparse")
	}
}

func TestParse_MetadataBlockInString(t *testing.T) {
	src := "SELECT '\n/***PARAMS\nfoo\n***/\n' AS s"
	if _, err := Parse("x", src); !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock, got %v", err)
	}
}

func TestParse_BlocksSeparatedBySQL(t *testing.T) {
	src := "/***PARAMS\nA:\n  type: str\n***/\nSELECT 1 FROM t WHERE 1=1\n/***CACHE\nttl_seconds: 5\n***/"
	if _, err := Parse("x", src); !errcode.Is(err, errcode.InvalidMetadataBlock) {
		t.Fatalf("expected InvalidMetadataBlock for SQL between blocks, got %v", err)
	}
}

func TestCTERefs(t *testing.T) {
	src := `WITH a AS (SELECT 1 AS n),
b AS (SELECT * FROM a),
c AS (SELECT * FROM b)
SELECT * FROM c
`
	r, err := Parse("x", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := r.CTEByName("c")
	refs := r.CTERefs(c)
	if len(refs) != 1 || refs[0] != "b" {
		t.Fatalf("expected c to reference b, got %v", refs)
	}
}
