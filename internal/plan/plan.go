// Package plan turns a parsed report plus resolved parameters into an
// ordered list of build nodes, each carrying the fingerprint that names its
// artifact. Imports are expanded recursively so a parent plan contains the
// child's nodes ahead of its own.
package plan

import (
	"net/url"
	"sort"
	"time"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/fingerprint"
	"github.com/ducksearch-labs/ducksearch/internal/params"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

// NodeKind enumerates plan node variants.
type NodeKind string

// Plan node kinds. Slice exists for on-demand slicing; v1 plans always end
// at the base node.
const (
	NodeMaterialize   NodeKind = "materialize"
	NodeBinding       NodeKind = "binding"
	NodeLiteralSource NodeKind = "literal_source"
	NodeImport        NodeKind = "import"
	NodeBase          NodeKind = "base"
	NodeSlice         NodeKind = "slice"
)

// Node is one unit of work. Kind decides which payload is set: CTE for
// materialize nodes, Literal plus the source CTE for literal-source nodes,
// Binding for binding nodes, Import for import nodes; Base nodes set none.
type Node struct {
	Kind     NodeKind
	Name     string // cte name, binding id, literal source id, import id, or "base"
	Key      string // unique within the plan: kind:report_id:name
	Report   *report.Report
	Params   *params.Resolved // resolved in Report's own param space
	FP       fingerprint.Fingerprint
	Upstream []string // keys of nodes this one consumes

	CTE     *report.CTE
	Binding *report.Binding
	Literal *report.LiteralSource
	Import  *report.ImportSpec
	// ImportBaseKey names the imported report's base node, whose artifact
	// this import node aliases.
	ImportBaseKey string
}

// Plan is the ordered node list for one dispatch.
type Plan struct {
	Report *report.Report
	Params *params.Resolved
	Nodes  []*Node
	ByKey  map[string]*Node
	TTL    time.Duration
}

// Base returns the plan's base node.
func (p *Plan) Base() *Node {
	for i := len(p.Nodes) - 1; i >= 0; i-- {
		if p.Nodes[i].Kind == NodeBase && p.Nodes[i].Report == p.Report {
			return p.Nodes[i]
		}
	}
	return nil
}

// Lookup resolves report ids for import expansion.
type Lookup interface {
	Parsed(id string) (*report.Report, error)
}

// Builder carries the per-process inputs every plan shares.
type Builder struct {
	DeploymentID string
	Consts       map[string]string // root config constants
	Registry     Lookup
	ClientCap    int
	DefaultTTL   time.Duration
}

// MergedConsts overlays a report's CONFIG block on the root constants.
func (b *Builder) MergedConsts(r *report.Report) map[string]string {
	out := make(map[string]string, len(b.Consts)+len(r.Meta.Config))
	for k, v := range b.Consts {
		out[k] = v
	}
	for k, v := range r.Meta.Config {
		out[k] = v
	}
	return out
}

// Build produces the execution plan for one request.
func (b *Builder) Build(r *report.Report, rv *params.Resolved) (*Plan, error) {
	p := &Plan{
		Report: r,
		Params: rv,
		ByKey:  make(map[string]*Node),
		TTL:    b.DefaultTTL,
	}
	if r.Meta.Cache != nil && r.Meta.Cache.TTLSeconds > 0 {
		p.TTL = time.Duration(r.Meta.Cache.TTLSeconds) * time.Second
	}
	if err := b.build(p, r, rv, map[string]bool{r.ID: true}); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) add(n *Node) {
	p.Nodes = append(p.Nodes, n)
	p.ByKey[n.Key] = n
}

func nodeKey(kind NodeKind, reportID, name string) string {
	return string(kind) + ":" + reportID + ":" + name
}

// build appends r's nodes to p. visiting guards against runtime import
// cycles that slipped past lint.
func (b *Builder) build(p *Plan, r *report.Report, rv *params.Resolved, visiting map[string]bool) error {
	consts := b.MergedConsts(r)

	// Imports first: each contributes the child's whole plan plus an alias
	// node for {{import X}} resolution.
	for _, id := range sortedKeys(r.Meta.Imports) {
		imp := r.Meta.Imports[id]
		target := canonicalID(imp.Report)
		if visiting[target] {
			return errcode.New(errcode.ImportCycle,
				"import %s forms a cycle through %s", id, target).WithReport(r.ID)
		}
		child, err := b.Registry.Parsed(imp.Report)
		if err != nil {
			return err
		}

		childRv, err := params.Resolve(child, url.Values(passQuery(imp, rv)), b.MergedConsts(child), b.ClientCap)
		if err != nil {
			return err
		}

		sub := &Plan{Report: child, Params: childRv, ByKey: make(map[string]*Node)}
		visiting[target] = true
		if err := b.build(sub, child, childRv, visiting); err != nil {
			return err
		}
		delete(visiting, target)

		// Merge the child plan. A report imported twice with identical
		// passed params coalesces; conflicting params are rejected so node
		// keys stay unambiguous.
		for _, n := range sub.Nodes {
			if exist, ok := p.ByKey[n.Key]; ok {
				if exist.FP != n.FP {
					return errcode.New(errcode.BadParamType,
						"import %s resolves %s with conflicting parameters", id, child.ID).WithReport(r.ID)
				}
				continue
			}
			p.add(n)
		}

		baseKey := nodeKey(NodeBase, child.ID, "base")
		base := p.ByKey[baseKey]
		p.add(&Node{
			Kind:          NodeImport,
			Name:          id,
			Key:           nodeKey(NodeImport, r.ID, id),
			Report:        r,
			Params:        rv,
			FP:            base.FP,
			Upstream:      []string{baseKey},
			Import:        imp,
			ImportBaseKey: baseKey,
		})
	}

	// Materializations in CTE declaration order.
	for i := range r.CTEs {
		cte := &r.CTEs[i]
		if cte.Materialize == report.MatNone {
			continue
		}
		n := &Node{
			Kind:   NodeMaterialize,
			Name:   cte.Name,
			Key:    nodeKey(NodeMaterialize, r.ID, cte.Name),
			Report: r,
			Params: rv,
			CTE:    cte,
		}
		inputs, upstream := b.matInputs(p, r, rv, consts, cte)
		n.Upstream = upstream
		n.FP = fingerprint.Node(b.DeploymentID, r.SourceFP.Hex(),
			string(NodeMaterialize), cte.Name, upstreamFPs(p, upstream), inputs)
		p.add(n)
	}

	// Bindings read from materializations, so they follow all of them.
	for _, id := range sortedKeys(r.Meta.Bindings) {
		bd := r.Meta.Bindings[id]
		srcKey := nodeKey(NodeMaterialize, r.ID, bd.Source)
		if _, ok := p.ByKey[srcKey]; !ok {
			return errcode.New(errcode.UndeclaredName,
				"binding %s reads from %s, which is not materialized", id, bd.Source).WithReport(r.ID)
		}
		inputs := map[string]string{
			"key_column":   bd.KeyColumn,
			"value_column": bd.ValueColumn,
			"kind":         string(bd.Kind),
		}
		for k, v := range rv.FingerprintInputs([]string{bd.KeyParam}) {
			inputs[k] = v
		}
		upstream := []string{srcKey}
		p.add(&Node{
			Kind:     NodeBinding,
			Name:     id,
			Key:      nodeKey(NodeBinding, r.ID, id),
			Report:   r,
			Params:   rv,
			Binding:  bd,
			Upstream: upstream,
			FP: fingerprint.Node(b.DeploymentID, r.SourceFP.Hex(),
				string(NodeBinding), id, upstreamFPs(p, upstream), inputs),
		})
	}

	// Literal sources.
	for _, id := range sortedKeys(r.Meta.LiteralSources) {
		ls := r.Meta.LiteralSources[id]
		cte, ok := r.CTEByName(ls.From)
		if !ok {
			return errcode.New(errcode.UndeclaredName,
				"literal source %s reads from undefined CTE %s", id, ls.From).WithReport(r.ID)
		}
		inputs := rv.FingerprintInputs(b.prefixParams(r, cte))
		inputs["column"] = ls.Column
		upstream := b.prefixUpstream(p, r, cte)
		p.add(&Node{
			Kind:     NodeLiteralSource,
			Name:     id,
			Key:      nodeKey(NodeLiteralSource, r.ID, id),
			Report:   r,
			Params:   rv,
			Literal:  ls,
			CTE:      cte,
			Upstream: upstream,
			FP: fingerprint.Node(b.DeploymentID, r.SourceFP.Hex(),
				string(NodeLiteralSource), id, upstreamFPs(p, upstream), inputs),
		})
	}

	// The base node consumes everything that can change its bytes.
	baseInputs := rv.FingerprintInputs(dataParamNames(r))
	addConstInputs(baseInputs, r, consts, 0, len(r.SQL))
	for _, s := range r.Meta.Secrets {
		baseInputs["secret:"+s] = ""
	}
	var baseUpstream []string
	for _, n := range p.Nodes {
		if n.Report != r {
			continue
		}
		switch n.Kind {
		case NodeMaterialize, NodeBinding, NodeImport:
			baseUpstream = append(baseUpstream, n.Key)
		}
	}
	p.add(&Node{
		Kind:     NodeBase,
		Name:     "base",
		Key:      nodeKey(NodeBase, r.ID, "base"),
		Report:   r,
		Params:   rv,
		Upstream: baseUpstream,
		FP: fingerprint.Node(b.DeploymentID, r.SourceFP.Hex(),
			string(NodeBase), "base", upstreamFPs(p, baseUpstream), baseInputs),
	})
	return nil
}

// matInputs computes the fingerprint inputs for a materialization. Closed
// materializations see only params referenced in their own body and the
// bodies of CTEs they transitively reference; open ones see every param
// that reaches the WITH prefix up to them, plus applies_to routing.
func (b *Builder) matInputs(p *Plan, r *report.Report, rv *params.Resolved, consts map[string]string, cte *report.CTE) (map[string]string, []string) {
	var names []string
	var start, end int

	if cte.Materialize == report.MatClosed {
		regions := closedRegions(r, cte)
		names = paramsInRegions(r, regions)
		inputs := rv.FingerprintInputs(names)
		for _, reg := range regions {
			addConstInputs(inputs, r, consts, reg[0], reg[1])
		}
		return inputs, b.regionsUpstream(p, r, regions)
	}

	start, end = 0, cte.End
	names = paramsInRegions(r, [][2]int{{start, end}})
	for _, pn := range r.Meta.ParamOrder {
		spec := r.Meta.Params[pn]
		if spec.AppliesTo == nil {
			continue
		}
		if spec.AppliesTo.CTE == cte.Name || upstreamCTE(r, cte, spec.AppliesTo.CTE) {
			names = append(names, pn)
		}
	}
	inputs := rv.FingerprintInputs(names)
	addConstInputs(inputs, r, consts, start, end)
	return inputs, b.regionsUpstream(p, r, [][2]int{{start, end}})
}

// closedRegions is the span set a closed materialization may observe.
func closedRegions(r *report.Report, cte *report.CTE) [][2]int {
	include := map[string]bool{cte.Name: true}
	// Transitive closure over textual references to earlier CTEs.
	queue := []*report.CTE{cte}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, ref := range r.CTERefs(cur) {
			if include[ref] {
				continue
			}
			include[ref] = true
			if c, ok := r.CTEByName(ref); ok {
				queue = append(queue, c)
			}
		}
	}
	var regions [][2]int
	for i := range r.CTEs {
		if include[r.CTEs[i].Name] {
			regions = append(regions, [2]int{r.CTEs[i].BodyStart, r.CTEs[i].BodyEnd})
		}
	}
	return regions
}

func upstreamCTE(r *report.Report, cte *report.CTE, name string) bool {
	for i := range r.CTEs {
		if r.CTEs[i].Name == cte.Name {
			return false
		}
		if r.CTEs[i].Name == name {
			return true
		}
	}
	return false
}

func paramsInRegions(r *report.Report, regions [][2]int) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range r.Spans {
		if s.Kind != report.KindParam && s.Kind != report.KindIdent {
			continue
		}
		if !inRegions(s, regions) || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		names = append(names, s.Name)
	}
	return names
}

func inRegions(s report.Span, regions [][2]int) bool {
	for _, reg := range regions {
		if s.Start >= reg[0] && s.End <= reg[1] {
			return true
		}
	}
	return false
}

// addConstInputs folds config and path placeholder values in [start,end)
// into the input map.
func addConstInputs(inputs map[string]string, r *report.Report, consts map[string]string, start, end int) {
	for _, s := range r.Spans {
		if s.Start < start || s.End > end {
			continue
		}
		switch s.Kind {
		case report.KindConfig:
			inputs["config:"+s.Name] = consts[s.Name]
		case report.KindPath:
			inputs["path:"+s.Name] = r.Meta.Sources[s.Name]
		}
	}
}

// regionsUpstream finds the mat/import nodes referenced by {{mat}} and
// {{import}} spans inside the given regions.
func (b *Builder) regionsUpstream(p *Plan, r *report.Report, regions [][2]int) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, s := range r.Spans {
		if !inRegions(s, regions) {
			continue
		}
		var key string
		switch s.Kind {
		case report.KindMat:
			key = nodeKey(NodeMaterialize, r.ID, s.Name)
		case report.KindImport:
			key = nodeKey(NodeImport, r.ID, s.Name)
		case report.KindBind:
			key = nodeKey(NodeBinding, r.ID, s.Name)
		default:
			continue
		}
		if _, ok := p.ByKey[key]; ok && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// prefixParams and prefixUpstream cover the WITH prefix through a CTE,
// which is what a literal source observes.
func (b *Builder) prefixParams(r *report.Report, cte *report.CTE) []string {
	return paramsInRegions(r, [][2]int{{0, cte.End}})
}

func (b *Builder) prefixUpstream(p *Plan, r *report.Report, cte *report.CTE) []string {
	return b.regionsUpstream(p, r, [][2]int{{0, cte.End}})
}

func upstreamFPs(p *Plan, keys []string) []string {
	fps := make([]string, 0, len(keys))
	for _, k := range keys {
		if n, ok := p.ByKey[k]; ok {
			fps = append(fps, n.FP.Hex())
		}
	}
	return fps
}

// dataParamNames lists every declared data/hybrid param name.
func dataParamNames(r *report.Report) []string {
	var names []string
	for _, n := range r.Meta.ParamOrder {
		if r.Meta.Params[n].Scope != report.ScopeView {
			names = append(names, n)
		}
	}
	return names
}

// passQuery projects the parent's resolved values onto an import's
// pass_params, in the child's parameter space.
func passQuery(imp *report.ImportSpec, rv *params.Resolved) map[string][]string {
	q := make(map[string][]string)
	for _, name := range imp.PassParams {
		if v, ok := rv.Server[name]; ok && !v.Absent && len(v.Raw) > 0 {
			q[name] = v.Raw
		}
	}
	return q
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// canonicalID strips the .sql suffix from a report reference.
func canonicalID(id string) string {
	const suffix = ".sql"
	if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
		return id[:len(id)-len(suffix)]
	}
	return id
}
