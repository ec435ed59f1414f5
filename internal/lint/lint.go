// Package lint statically validates a reports tree: placeholder references,
// entity declarations, import resolution and acyclicity, binding sources,
// and everything the parser rejects (forbidden SQL, malformed metadata,
// illegal scan paths) surfaced as findings instead of hard errors.
package lint

import (
	"sort"

	"github.com/ducksearch-labs/ducksearch/internal/dag"
	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/registry"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

// Diagnostic is one lint finding.
type Diagnostic struct {
	Report  string
	Rule    string
	Code    errcode.Code
	Message string
}

// Context is what a rule sees for one report.
type Context struct {
	Report   *report.Report
	Snapshot *registry.Snapshot
	Consts   map[string]string // root config constants
}

// Rule checks one report.
type Rule interface {
	ID() string
	Description() string
	Check(ctx *Context) []Diagnostic
}

// rules is the default rule set, in execution order.
var rules = []Rule{
	paramRefsRule{},
	entityRefsRule{},
	bindingSourceRule{},
	literalSourceRule{},
	importTargetRule{},
	secretRefsRule{},
}

// Linter runs the rule set over a registry snapshot.
type Linter struct {
	Registry *registry.Registry
	Consts   map[string]string
}

// Run lints every report plus the cross-report import graph. Findings come
// back sorted by report id for stable CLI output.
func (l *Linter) Run() []Diagnostic {
	snap := l.Registry.Snapshot()
	var out []Diagnostic
	parsed := make(map[string]*report.Report)

	for _, id := range snap.IDs() {
		r, err := snap.Records[id].Parsed()
		if err != nil {
			code := errcode.CodeOf(err)
			if code == "" {
				code = errcode.InvalidMetadataBlock
			}
			out = append(out, Diagnostic{Report: id, Rule: "parse", Code: code, Message: err.Error()})
			continue
		}
		parsed[id] = r

		ctx := &Context{Report: r, Snapshot: snap, Consts: l.Consts}
		for _, rule := range rules {
			out = append(out, rule.Check(ctx)...)
		}
	}

	out = append(out, checkImportGraph(parsed)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Report != out[j].Report {
			return out[i].Report < out[j].Report
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// checkImportGraph rejects cycles across the whole snapshot.
func checkImportGraph(parsed map[string]*report.Report) []Diagnostic {
	g := dag.New()
	for id := range parsed {
		g.AddNode(id)
	}
	for id, r := range parsed {
		for _, imp := range r.Meta.Imports {
			target := registry.CanonicalID(imp.Report)
			if _, ok := parsed[target]; !ok {
				continue // unresolved targets are reported per-report
			}
			if err := g.AddEdge(target, id); err != nil {
				return []Diagnostic{{
					Report:  id,
					Rule:    "import-cycle",
					Code:    errcode.ImportCycle,
					Message: err.Error(),
				}}
			}
		}
	}
	if has, cycle := g.HasCycle(); has {
		return []Diagnostic{{
			Report:  cycle[0],
			Rule:    "import-cycle",
			Code:    errcode.ImportCycle,
			Message: "import cycle: " + joinCycle(cycle),
		}}
	}
	return nil
}

func joinCycle(cycle []string) string {
	out := ""
	for i, c := range cycle {
		if i > 0 {
			out += " -> "
		}
		out += c
	}
	return out
}
