package engine

import (
	"sort"
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/params"
	"github.com/ducksearch-labs/ducksearch/internal/plan"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

// buildState carries what earlier plan nodes produced: published artifact
// paths by node key and resolved binding values by binding id.
type buildState struct {
	artifacts map[string]string
	bindings  map[string]string
}

func newBuildState() *buildState {
	return &buildState{
		artifacts: make(map[string]string),
		bindings:  make(map[string]string),
	}
}

type replacement struct {
	start, end int
	text       string
}

// splice rebuilds src with the given position-based substitutions. This is
// the only transformation ever applied to report SQL.
func splice(src string, reps []replacement) string {
	sort.Slice(reps, func(i, j int) bool { return reps[i].start < reps[j].start })
	var b strings.Builder
	prev := 0
	for _, rep := range reps {
		if rep.start < prev {
			continue
		}
		b.WriteString(src[prev:rep.start])
		b.WriteString(rep.text)
		prev = rep.end
	}
	b.WriteString(src[prev:])
	return b.String()
}

// resolvePrefix resolves all placeholders in r.SQL[:end] (the whole body
// when end == len(r.SQL)) and strips materialization markers, returning
// engine-ready SQL text.
func (e *Executor) resolvePrefix(n *plan.Node, st *buildState, end int) (string, error) {
	r := n.Report
	reps := make([]replacement, 0, len(r.Spans)+len(r.CTEs))

	for i := range r.CTEs {
		cte := &r.CTEs[i]
		if cte.Materialize != report.MatNone && cte.KeywordEnd <= end {
			reps = append(reps, replacement{start: cte.KeywordStart, end: cte.KeywordEnd})
		}
	}

	consts := e.consts(r)
	for _, s := range r.Spans {
		if s.End > end {
			continue
		}
		text, err := e.resolveSpan(n, st, consts, s)
		if err != nil {
			return "", err
		}
		reps = append(reps, replacement{start: s.Start, end: s.End, text: text})
	}
	return splice(r.SQL[:end], reps), nil
}

func (e *Executor) consts(r *report.Report) map[string]string {
	out := make(map[string]string, len(e.Consts)+len(r.Meta.Config))
	for k, v := range e.Consts {
		out[k] = v
	}
	for k, v := range r.Meta.Config {
		out[k] = v
	}
	return out
}

func (e *Executor) resolveSpan(n *plan.Node, st *buildState, consts map[string]string, s report.Span) (string, error) {
	r := n.Report
	switch s.Kind {
	case report.KindParam, report.KindIdent:
		if v, ok := n.Params.Server[s.Name]; ok {
			return v.SQL, nil
		}
		// Client-routed or undeclared-in-query values never reach SQL.
		return "NULL", nil

	case report.KindConfig:
		v, ok := consts[s.Name]
		if !ok {
			return "", errcode.New(errcode.UndeclaredName, "config constant %s is not defined", s.Name).WithReport(r.ID)
		}
		return v, nil

	case report.KindPath:
		v, ok := r.Meta.Sources[s.Name]
		if !ok {
			return "", errcode.New(errcode.UndeclaredName, "source %s is not declared", s.Name).WithReport(r.ID)
		}
		return v, nil

	case report.KindBind:
		v, ok := st.bindings[r.ID+":"+s.Name]
		if !ok {
			return "", errcode.New(errcode.UndeclaredName, "binding %s has no resolved value", s.Name).WithReport(r.ID)
		}
		return renderBinding(r, s, v), nil

	case report.KindMat:
		key := string(plan.NodeMaterialize) + ":" + r.ID + ":" + s.Name
		path, ok := st.artifacts[key]
		if !ok {
			return "", errcode.New(errcode.UndeclaredName, "materialization %s has no artifact", s.Name).WithReport(r.ID)
		}
		return path, nil

	case report.KindImport:
		key := string(plan.NodeImport) + ":" + r.ID + ":" + s.Name
		path, ok := st.artifacts[key]
		if !ok {
			return "", errcode.New(errcode.UndeclaredName, "import %s has no artifact", s.Name).WithReport(r.ID)
		}
		return path, nil

	case report.KindSecret:
		v, ok := e.Vault.Resolve(s.Name)
		if !ok {
			return "", errcode.New(errcode.UndeclaredName, "secret %s is not available", s.Name).WithReport(r.ID)
		}
		return params.QuoteString(v), nil
	}
	return "", errcode.New(errcode.InvalidPlaceholder, "unhandled placeholder kind %s", s.Kind)
}

// renderBinding picks the textual form for a binding value based on where
// it lands: raw inside quoted paths and for identifier bindings, a SQL
// string literal elsewhere.
func renderBinding(r *report.Report, s report.Span, value string) string {
	if s.InString || s.InScanPath {
		return value
	}
	if b, ok := r.Meta.Bindings[s.Name]; ok && b.Kind == report.BindIdentifier {
		return value
	}
	return params.QuoteString(value)
}
