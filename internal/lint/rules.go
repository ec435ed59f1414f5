package lint

import (
	"fmt"
	"sort"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/registry"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

func finding(ctx *Context, rule string, code errcode.Code, format string, args ...any) Diagnostic {
	return Diagnostic{
		Report:  ctx.Report.ID,
		Rule:    rule,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// paramRefsRule: every {{param X}}/{{ident X}} names a declared param with
// data or hybrid scope.
type paramRefsRule struct{}

func (paramRefsRule) ID() string          { return "param-refs" }
func (paramRefsRule) Description() string { return "placeholder params are declared and data-scoped" }

func (rl paramRefsRule) Check(ctx *Context) []Diagnostic {
	var out []Diagnostic
	r := ctx.Report
	for _, s := range r.Spans {
		if s.Kind != report.KindParam && s.Kind != report.KindIdent {
			continue
		}
		spec, ok := r.Param(s.Name)
		if !ok {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"{{%s %s}} references an undeclared parameter", s.Kind, s.Name))
			continue
		}
		if spec.Scope == report.ScopeView {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"parameter %s has view scope but appears in the SQL body", s.Name))
		}
		if s.Kind == report.KindIdent {
			if k := spec.Type.Elem().Kind; k != report.TypeInjectedIdent && k != report.TypeInjectedPath {
				out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
					"{{ident %s}} requires an injected identifier or path parameter", s.Name))
			}
		}
	}
	return out
}

// entityRefsRule: bind/mat/path/config placeholders reference declared
// entities.
type entityRefsRule struct{}

func (entityRefsRule) ID() string          { return "entity-refs" }
func (entityRefsRule) Description() string { return "placeholders reference declared entities" }

func (rl entityRefsRule) Check(ctx *Context) []Diagnostic {
	var out []Diagnostic
	r := ctx.Report
	for _, s := range r.Spans {
		switch s.Kind {
		case report.KindBind:
			if _, ok := r.Meta.Bindings[s.Name]; !ok {
				out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
					"{{bind %s}} references an undeclared binding", s.Name))
			}
		case report.KindMat:
			cte, ok := r.CTEByName(s.Name)
			if !ok || cte.Materialize == report.MatNone {
				out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
					"{{mat %s}} does not name a materialized CTE", s.Name))
			}
		case report.KindImport:
			if _, ok := r.Meta.Imports[s.Name]; !ok {
				out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
					"{{import %s}} references an undeclared import", s.Name))
			}
		case report.KindPath:
			if _, ok := r.Meta.Sources[s.Name]; !ok {
				out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
					"{{path %s}} references an undeclared source", s.Name))
			}
		case report.KindConfig:
			if _, inReport := r.Meta.Config[s.Name]; !inReport {
				if _, inRoot := ctx.Consts[s.Name]; !inRoot {
					out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
						"{{config %s}} is defined in neither the report nor config.toml", s.Name))
				}
			}
		}
	}
	return out
}

// bindingSourceRule: bindings read from materialized CTEs and key off
// declared params.
type bindingSourceRule struct{}

func (bindingSourceRule) ID() string          { return "binding-sources" }
func (bindingSourceRule) Description() string { return "bindings read from materialized CTEs" }

func (rl bindingSourceRule) Check(ctx *Context) []Diagnostic {
	var out []Diagnostic
	r := ctx.Report
	for _, id := range sortedBindingIDs(r) {
		b := r.Meta.Bindings[id]
		cte, ok := r.CTEByName(b.Source)
		if !ok {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"binding %s reads from undefined CTE %s", id, b.Source))
			continue
		}
		if cte.Materialize == report.MatNone {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"binding %s requires CTE %s to be MATERIALIZE or MATERIALIZE_CLOSED", id, b.Source))
		}
		if _, ok := r.Param(b.KeyParam); !ok {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"binding %s keys off undeclared parameter %s", id, b.KeyParam))
		}
	}
	return out
}

// literalSourceRule: literal sources read from CTEs that exist.
type literalSourceRule struct{}

func (literalSourceRule) ID() string          { return "literal-sources" }
func (literalSourceRule) Description() string { return "literal sources read from defined CTEs" }

func (rl literalSourceRule) Check(ctx *Context) []Diagnostic {
	var out []Diagnostic
	r := ctx.Report
	for id, ls := range r.Meta.LiteralSources {
		if _, ok := r.CTEByName(ls.From); !ok {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"literal source %s reads from undefined CTE %s", id, ls.From))
		}
	}
	return out
}

// importTargetRule: import targets resolve in the registry snapshot.
type importTargetRule struct{}

func (importTargetRule) ID() string          { return "import-targets" }
func (importTargetRule) Description() string { return "imports resolve to registered reports" }

func (rl importTargetRule) Check(ctx *Context) []Diagnostic {
	var out []Diagnostic
	for id, imp := range ctx.Report.Meta.Imports {
		target := registry.CanonicalID(imp.Report)
		if _, ok := ctx.Snapshot.Records[target]; !ok {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"import %s targets unknown report %s", id, imp.Report))
		}
	}
	return out
}

// secretRefsRule: every {{secret X}} is declared in the SECRETS block.
type secretRefsRule struct{}

func (secretRefsRule) ID() string          { return "secret-refs" }
func (secretRefsRule) Description() string { return "secret placeholders are declared" }

func (rl secretRefsRule) Check(ctx *Context) []Diagnostic {
	declared := make(map[string]bool)
	for _, s := range ctx.Report.Meta.Secrets {
		declared[s] = true
	}
	var out []Diagnostic
	for _, s := range ctx.Report.Spans {
		if s.Kind == report.KindSecret && !declared[s.Name] {
			out = append(out, finding(ctx, rl.ID(), errcode.UndeclaredName,
				"{{secret %s}} is not declared in the SECRETS block", s.Name))
		}
	}
	return out
}

func sortedBindingIDs(r *report.Report) []string {
	ids := make([]string, 0, len(r.Meta.Bindings))
	for id := range r.Meta.Bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
