// Package params turns a raw URL query into typed parameter values split
// between server-side (artifact-affecting) and client-side (view-only)
// bags. Case folding, prefix routing, type coercion, and hybrid scope
// eligibility all happen here; nothing downstream ever sees a raw query.
package params

import (
	"net/url"
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

const (
	clientPrefix   = "__client__"
	serverPrefix   = "__server__"
	forceServerKey = "__force_server"
)

// Keys consumed by the HTTP layer, never treated as parameters.
var reservedKeys = map[string]bool{
	"report": true,
	"format": true,
}

// Value is one resolved server-side parameter.
type Value struct {
	Spec      *report.ParamSpec
	Raw       []string
	Absent    bool
	SQL       string // literal token the executor splices; "NULL" when absent
	Canonical string // canonical form for fingerprints
}

// Resolved is the outcome of parameter resolution for one request.
type Resolved struct {
	// Server holds data/hybrid values routed server-side, keyed by
	// canonical name. Every data param and every hybrid param not routed
	// client-side has an entry, absent ones included; names missing here
	// splice as NULL.
	Server map[string]*Value
	// Client holds values the browser applies after artifact fetch. These
	// never reach a build and never enter a fingerprint.
	Client map[string][]string
	// ForceServer mirrors the __force_server=1 global.
	ForceServer bool
}

// FingerprintInputs returns the canonical name→value pairs for the given
// subset of server params. Absent values contribute an explicit marker.
func (rv *Resolved) FingerprintInputs(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := rv.Server[n]
		if !ok || v.Absent {
			// Client-routed hybrid values and absent values fingerprint
			// identically: neither touches artifact bytes.
			out["param:"+n] = "absent"
			continue
		}
		out["param:"+n] = v.Canonical
	}
	return out
}

// ServerNames returns the canonical names of all server-routed params.
func (rv *Resolved) ServerNames() []string {
	names := make([]string, 0, len(rv.Server))
	for n := range rv.Server {
		names = append(names, n)
	}
	return names
}

type incoming struct {
	canonical string // declared name
	rawKey    string // key as received, prefix stripped
	values    []string
	client    bool // __client__ prefix
	server    bool // __server__ prefix
}

// Resolve classifies and coerces the query against the report's declared
// params. consts feeds InjectedPathStr values; clientCap bounds the number
// of values a hybrid param may carry and still stay client-side.
func Resolve(r *report.Report, query url.Values, consts map[string]string, clientCap int) (*Resolved, error) {
	rv := &Resolved{
		Server: make(map[string]*Value),
		Client: make(map[string][]string),
	}

	byParam := make(map[string][]*incoming)
	for rawKey, vals := range query {
		if reservedKeys[rawKey] {
			continue
		}
		key := rawKey
		in := &incoming{values: vals}
		switch {
		case key == forceServerKey:
			rv.ForceServer = len(vals) > 0 && vals[len(vals)-1] == "1"
			continue
		case strings.HasPrefix(key, clientPrefix):
			in.client = true
			key = key[len(clientPrefix):]
		case strings.HasPrefix(key, serverPrefix):
			in.server = true
			key = key[len(serverPrefix):]
		}
		in.rawKey = key

		spec := lookupFolded(r, key)
		if spec == nil {
			return nil, errcode.New(errcode.BadParamType, "unknown parameter %q", key)
		}
		in.canonical = spec.Name
		byParam[spec.Name] = append(byParam[spec.Name], in)
	}

	for name, ins := range byParam {
		spec := r.Meta.Params[name]

		// Two incoming keys folding to the same scalar param with
		// differing case is ambiguous and rejected outright.
		if len(ins) > 1 && spec.Type.Elem().Kind != report.TypeList {
			return nil, errcode.New(errcode.DuplicateParamCasing,
				"parameter %s supplied under multiple spellings", name)
		}

		var raw []string
		client, server := false, false
		for _, in := range ins {
			raw = append(raw, in.values...)
			client = client || in.client
			server = server || in.server
		}

		if err := route(r, rv, spec, raw, client, server, clientCap); err != nil {
			return nil, err
		}
	}

	// Fill defaults and absent markers for undeclared-in-query params.
	for _, name := range r.Meta.ParamOrder {
		spec := r.Meta.Params[name]
		if _, done := rv.Server[name]; done {
			continue
		}
		if _, done := rv.Client[name]; done {
			continue
		}
		if err := fillUnsupplied(rv, spec, consts); err != nil {
			return nil, err
		}
	}

	return rv, nil
}

func lookupFolded(r *report.Report, key string) *report.ParamSpec {
	if spec, ok := r.Meta.Params[key]; ok {
		return spec
	}
	folded := strings.ToLower(key)
	for name, spec := range r.Meta.Params {
		if strings.ToLower(name) == folded {
			return spec
		}
	}
	return nil
}

func route(r *report.Report, rv *Resolved, spec *report.ParamSpec, raw []string, client, server bool, clientCap int) error {
	if rv.ForceServer {
		client, server = false, true
	}

	switch spec.Scope {
	case report.ScopeData:
		if client {
			return errcode.New(errcode.BadScopeRouting,
				"parameter %s has data scope and cannot be client-only", spec.Name)
		}
		return addServer(rv, spec, raw)

	case report.ScopeView:
		if server {
			return errcode.New(errcode.BadScopeRouting,
				"parameter %s has view scope and cannot be forced server-side", spec.Name)
		}
		rv.Client[spec.Name] = raw
		return nil

	case report.ScopeHybrid:
		if client || (!server && hybridClientEligible(r, spec, raw, clientCap)) {
			rv.Client[spec.Name] = raw
			return nil
		}
		return addServer(rv, spec, raw)
	}
	return errcode.New(errcode.BadScopeRouting, "parameter %s has no scope", spec.Name)
}

func addServer(rv *Resolved, spec *report.ParamSpec, raw []string) error {
	rnd, err := coerce(spec, raw)
	if err != nil {
		return err
	}
	rv.Server[spec.Name] = &Value{Spec: spec, Raw: raw, SQL: rnd.sql, Canonical: rnd.canonical}
	return nil
}

func fillUnsupplied(rv *Resolved, spec *report.ParamSpec, consts map[string]string) error {
	if spec.Type.Elem().Kind == report.TypeInjectedPath {
		// Config-only: resolved from the constant of the same name.
		if v, ok := consts[spec.Name]; ok {
			rv.Server[spec.Name] = &Value{Spec: spec, SQL: v, Canonical: "p:" + v}
		} else {
			rv.Server[spec.Name] = &Value{Spec: spec, Absent: true, SQL: "NULL", Canonical: ""}
		}
		return nil
	}

	if spec.HasDefault {
		if spec.Scope == report.ScopeView {
			rv.Client[spec.Name] = []string{spec.Default}
			return nil
		}
		return addServer(rv, spec, []string{spec.Default})
	}

	if spec.Scope == report.ScopeView {
		return nil
	}
	rv.Server[spec.Name] = &Value{Spec: spec, Absent: true, SQL: "NULL", Canonical: ""}
	return nil
}

// hybridClientEligible decides whether a hybrid value may stay client-side.
// Anything that could change artifact bytes pins the param to the server:
// a reference inside a materialized CTE, a binding key, an import pass-through,
// a scan-path position, or a LIMIT in the base SQL (client filtering would
// alter top-N semantics). Oversized value sets also go server-side.
func hybridClientEligible(r *report.Report, spec *report.ParamSpec, raw []string, clientCap int) bool {
	// A bare value for a param the SQL body consumes routes server-side;
	// only an explicit __client__ prefix overrides that.
	if r.ReferencesParam(spec.Name) {
		return false
	}
	if clientCap > 0 && countValues(raw) > clientCap {
		return false
	}
	if r.ContainsKeyword("LIMIT") {
		return false
	}
	return !ParamPinnedServer(r, spec.Name)
}

func countValues(raw []string) int {
	n := 0
	for _, v := range raw {
		n += strings.Count(v, ",") + 1
	}
	return n
}

// ParamPinnedServer reports whether a param is structurally tied to artifact
// construction: referenced in a materialized CTE body, used as a binding
// key, passed to an import, targeted at a materialized CTE via applies_to,
// or present in a scan path.
func ParamPinnedServer(r *report.Report, name string) bool {
	for _, b := range r.Meta.Bindings {
		if b.KeyParam == name {
			return true
		}
	}
	for _, imp := range r.Meta.Imports {
		for _, p := range imp.PassParams {
			if p == name {
				return true
			}
		}
	}
	spec := r.Meta.Params[name]
	if spec != nil && spec.AppliesTo != nil {
		if cte, ok := r.CTEByName(spec.AppliesTo.CTE); ok && cte.Materialize != report.MatNone {
			return true
		}
	}
	for _, s := range r.Spans {
		if (s.Kind != report.KindParam && s.Kind != report.KindIdent) || s.Name != name {
			continue
		}
		if s.InScanPath {
			return true
		}
		for _, cte := range r.CTEs {
			if cte.Materialize != report.MatNone && s.Start >= cte.BodyStart && s.End <= cte.BodyEnd {
				return true
			}
		}
	}
	return false
}
