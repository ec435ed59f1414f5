// Package report parses ducksearch report files: SQL annotated with
// /***NAME ... ***/ YAML metadata islands. Parsing produces an immutable
// intermediate representation holding the single SQL body, a span list for
// every placeholder occurrence, the CTE layout, and the typed metadata
// blocks. The IR is created once per file version and never mutated.
package report

import (
	"github.com/ducksearch-labs/ducksearch/internal/fingerprint"
)

// Scope classifies where a parameter is applied.
type Scope string

// Parameter scopes.
const (
	ScopeData   Scope = "data"
	ScopeView   Scope = "view"
	ScopeHybrid Scope = "hybrid"
)

// PlaceholderKind identifies the token after {{.
type PlaceholderKind string

// Placeholder kinds. The set is closed; anything else is InvalidPlaceholder.
const (
	KindParam  PlaceholderKind = "param"
	KindIdent  PlaceholderKind = "ident"
	KindPath   PlaceholderKind = "path"
	KindBind   PlaceholderKind = "bind"
	KindMat    PlaceholderKind = "mat"
	KindImport PlaceholderKind = "import"
	KindConfig PlaceholderKind = "config"
	KindSecret PlaceholderKind = "secret"
)

// Span records one placeholder occurrence in the SQL body.
// Start/End are byte offsets into Report.SQL covering the whole {{...}}.
type Span struct {
	Start, End int
	Kind       PlaceholderKind
	Name       string
	InString   bool // inside a single-quoted SQL string literal
	InScanPath bool // inside a parquet_scan()/read_parquet() argument
}

// MatKind describes how a CTE is materialized.
type MatKind int

// Materialization kinds.
const (
	MatNone MatKind = iota
	MatOpen
	MatClosed
)

func (m MatKind) String() string {
	switch m {
	case MatOpen:
		return "open"
	case MatClosed:
		return "closed"
	default:
		return "none"
	}
}

// CTE records one top-level common table expression in the WITH clause.
// KeywordStart/KeywordEnd cover the MATERIALIZE/MATERIALIZE_CLOSED marker
// plus trailing whitespace, so the executor can splice it away; both are
// zero when the CTE carries no marker.
type CTE struct {
	Name                     string
	BodyStart, BodyEnd       int // inside the parentheses
	End                      int // offset just past the closing paren
	Materialize              MatKind
	KeywordStart, KeywordEnd int
}

// AppliesTo routes a parameter into a specific CTE.
type AppliesTo struct {
	CTE  string `yaml:"cte"`
	Mode string `yaml:"mode"` // wrapper or inline
}

// ParamSpec is one declared parameter.
type ParamSpec struct {
	Name       string // canonical case
	Type       *ParamType
	Scope      Scope
	Default    string
	HasDefault bool
	AppliesTo  *AppliesTo
}

// LiteralSource produces a small Parquet of distinct column values for the
// browser's filter pickers.
type LiteralSource struct {
	ID     string
	From   string `yaml:"from"`
	Column string `yaml:"column"`
}

// BindingKind restricts where a binding value may be spliced.
type BindingKind string

// Binding kinds.
const (
	BindPartition  BindingKind = "partition"
	BindDemo       BindingKind = "demo"
	BindIdentifier BindingKind = "identifier"
	BindLiteral    BindingKind = "literal"
)

// Binding resolves to a single literal by looking up ValueColumn in the
// Parquet materialization of Source where KeyColumn equals the key param.
type Binding struct {
	ID          string
	Source      string      `yaml:"source"`
	KeyParam    string      `yaml:"key_param"`
	KeyColumn   string      `yaml:"key_column"`
	ValueColumn string      `yaml:"value_column"`
	Kind        BindingKind `yaml:"kind"`
}

// ImportSpec references another report whose base artifact is reused.
type ImportSpec struct {
	ID         string
	Report     string   `yaml:"report"`
	PassParams []string `yaml:"pass_params"`
}

// DerivedParam is evaluated by the browser runtime, never by the server.
type DerivedParam struct {
	Type string `yaml:"type"`
	Expr string `yaml:"expr"`
}

// CacheSpec overrides artifact cache behavior per report.
type CacheSpec struct {
	TTLSeconds           int  `yaml:"ttl_seconds"`
	StaleWhileRevalidate bool `yaml:"stale_while_revalidate"`
}

// TableSpec, SearchSpec, FacetSpec, and ChartSpec are view-layer hints
// passed through to the browser runtime via the manifest.
type TableSpec struct {
	Columns     []string `yaml:"columns"`
	DefaultSort string   `yaml:"default_sort"`
}

type SearchSpec struct {
	Columns []string `yaml:"columns"`
}

type FacetSpec struct {
	Column string `yaml:"column"`
	Label  string `yaml:"label"`
	Limit  int    `yaml:"limit"`
}

type ChartSpec struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	X     string `yaml:"x"`
	Y     string `yaml:"y"`
	Title string `yaml:"title"`
}

// Metadata holds every parsed block. A block missing from the file leaves
// the corresponding field nil/empty.
type Metadata struct {
	Params         map[string]*ParamSpec
	ParamOrder     []string // declaration order
	Config         map[string]string
	Sources        map[string]string
	Cache          *CacheSpec
	Table          *TableSpec
	Search         *SearchSpec
	Facets         []FacetSpec
	Charts         []ChartSpec
	DerivedParams  map[string]*DerivedParam
	LiteralSources map[string]*LiteralSource
	Bindings       map[string]*Binding
	Imports        map[string]*ImportSpec
	Secrets        []string
}

// Report is the immutable IR for one parsed report file.
type Report struct {
	ID        string // repo-relative path without the .sql suffix
	Path      string // absolute source path, empty for in-memory parses
	SQL       string // the single SQL body, metadata blocks stripped
	Spans     []Span
	CTEs      []CTE
	WithEnd   int // offset just past the WITH clause, 0 when there is none
	Meta      *Metadata
	SourceFP  fingerprint.Fingerprint
	Canonical string // CRLF-normalized source; reparse is a fixed point
}

// Param returns the spec for a canonical name.
func (r *Report) Param(name string) (*ParamSpec, bool) {
	p, ok := r.Meta.Params[name]
	return p, ok
}

// CTEByName returns the CTE with the given name.
func (r *Report) CTEByName(name string) (*CTE, bool) {
	for i := range r.CTEs {
		if r.CTEs[i].Name == name {
			return &r.CTEs[i], true
		}
	}
	return nil, false
}

// Materializations returns the CTEs declared MATERIALIZE or
// MATERIALIZE_CLOSED, in declaration order.
func (r *Report) Materializations() []CTE {
	var out []CTE
	for _, c := range r.CTEs {
		if c.Materialize != MatNone {
			out = append(out, c)
		}
	}
	return out
}

// SpansByKind returns spans of one kind in position order.
func (r *Report) SpansByKind(kind PlaceholderKind) []Span {
	var out []Span
	for _, s := range r.Spans {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// ReferencesParam reports whether a param name occurs as {{param X}} or
// {{ident X}} anywhere in the body.
func (r *Report) ReferencesParam(name string) bool {
	for _, s := range r.Spans {
		if (s.Kind == KindParam || s.Kind == KindIdent) && s.Name == name {
			return true
		}
	}
	return false
}
