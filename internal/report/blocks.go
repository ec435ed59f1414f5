package report

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

// The closed set of metadata block names.
var supportedBlocks = map[string]bool{
	"PARAMS":          true,
	"CONFIG":          true,
	"SOURCES":         true,
	"CACHE":           true,
	"TABLE":           true,
	"SEARCH":          true,
	"FACETS":          true,
	"CHARTS":          true,
	"DERIVED_PARAMS":  true,
	"LITERAL_SOURCES": true,
	"BINDINGS":        true,
	"IMPORTS":         true,
	"SECRETS":         true,
}

type rawBlock struct {
	name       string
	yamlText   string
	start, end int // span in the normalized source
}

func blockErr(name, format string, args ...any) error {
	return errcode.New(errcode.InvalidMetadataBlock, format, args...).WithDetail("block %s", name)
}

// decodeBlocks turns raw YAML islands into typed metadata. Unknown keys and
// shape mismatches are errors; a repo of reports should fail loudly at parse
// time, not at query time.
func decodeBlocks(blocks []rawBlock) (*Metadata, error) {
	meta := &Metadata{}
	for _, b := range blocks {
		var root yaml.Node
		if err := yaml.Unmarshal([]byte(b.yamlText), &root); err != nil {
			return nil, blockErr(b.name, "invalid YAML: %v", err)
		}
		var node *yaml.Node
		if len(root.Content) > 0 {
			node = root.Content[0]
		}
		if node == nil {
			return nil, blockErr(b.name, "block is empty")
		}

		var err error
		switch b.name {
		case "PARAMS":
			err = decodeParams(meta, node)
		case "CONFIG":
			meta.Config, err = decodeScalarMap(node, b.name)
		case "SOURCES":
			meta.Sources, err = decodeScalarMap(node, b.name)
		case "CACHE":
			meta.Cache = &CacheSpec{}
			err = decodeStruct(node, b.name, meta.Cache, "ttl_seconds", "stale_while_revalidate")
		case "TABLE":
			meta.Table = &TableSpec{}
			err = decodeStruct(node, b.name, meta.Table, "columns", "default_sort")
		case "SEARCH":
			meta.Search = &SearchSpec{}
			err = decodeStruct(node, b.name, meta.Search, "columns")
		case "FACETS":
			err = decodeSequence(node, b.name, &meta.Facets, "column", "label", "limit")
		case "CHARTS":
			err = decodeSequence(node, b.name, &meta.Charts, "id", "kind", "x", "y", "title")
		case "DERIVED_PARAMS":
			err = decodeDerivedParams(meta, node)
		case "LITERAL_SOURCES":
			err = decodeLiteralSources(meta, node)
		case "BINDINGS":
			err = decodeBindings(meta, node)
		case "IMPORTS":
			err = decodeImports(meta, node)
		case "SECRETS":
			err = decodeSecrets(meta, node)
		}
		if err != nil {
			return nil, err
		}
	}
	return meta, nil
}

type mapEntry struct {
	key   string
	value *yaml.Node
}

func mappingEntries(node *yaml.Node, block string) ([]mapEntry, error) {
	if node.Kind != yaml.MappingNode {
		return nil, blockErr(block, "expected a YAML mapping")
	}
	entries := make([]mapEntry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		entries = append(entries, mapEntry{key: node.Content[i].Value, value: node.Content[i+1]})
	}
	return entries, nil
}

func checkKeys(entries []mapEntry, block string, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	for _, e := range entries {
		if !ok[e.key] {
			return blockErr(block, "unknown key %q", e.key)
		}
	}
	return nil
}

// decodeStruct decodes a mapping node into out after rejecting unknown keys.
func decodeStruct(node *yaml.Node, block string, out any, allowed ...string) error {
	entries, err := mappingEntries(node, block)
	if err != nil {
		return err
	}
	if err := checkKeys(entries, block, allowed...); err != nil {
		return err
	}
	if err := node.Decode(out); err != nil {
		return blockErr(block, "%v", err)
	}
	return nil
}

// decodeSequence decodes a sequence of mappings into out ([]T) with
// unknown-key checking on each element.
func decodeSequence[T any](node *yaml.Node, block string, out *[]T, allowed ...string) error {
	if node.Kind != yaml.SequenceNode {
		return blockErr(block, "expected a YAML sequence")
	}
	for _, item := range node.Content {
		entries, err := mappingEntries(item, block)
		if err != nil {
			return err
		}
		if err := checkKeys(entries, block, allowed...); err != nil {
			return err
		}
		var v T
		if err := item.Decode(&v); err != nil {
			return blockErr(block, "%v", err)
		}
		*out = append(*out, v)
	}
	return nil
}

func decodeScalarMap(node *yaml.Node, block string) (map[string]string, error) {
	entries, err := mappingEntries(node, block)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.value.Kind != yaml.ScalarNode {
			return nil, blockErr(block, "value for %q must be a scalar", e.key)
		}
		out[e.key] = e.value.Value
	}
	return out, nil
}

func decodeParams(meta *Metadata, node *yaml.Node) error {
	entries, err := mappingEntries(node, "PARAMS")
	if err != nil {
		return err
	}
	meta.Params = make(map[string]*ParamSpec, len(entries))
	seenFolded := make(map[string]string, len(entries))
	for _, e := range entries {
		name := e.key
		folded := strings.ToLower(name)
		if prev, dup := seenFolded[folded]; dup {
			return blockErr("PARAMS", "parameter names %q and %q differ only by case", prev, name)
		}
		seenFolded[folded] = name

		sub, err := mappingEntries(e.value, "PARAMS")
		if err != nil {
			return blockErr("PARAMS", "parameter %s must be a mapping", name)
		}
		if err := checkKeys(sub, "PARAMS", "type", "scope", "default", "description", "applies_to"); err != nil {
			return err
		}

		spec := &ParamSpec{Name: name}
		for _, f := range sub {
			switch f.key {
			case "type":
				t, err := ParseParamType(f.value.Value)
				if err != nil {
					return fmt.Errorf("parameter %s: %w", name, err)
				}
				spec.Type = t
			case "scope":
				s := Scope(f.value.Value)
				if s != ScopeData && s != ScopeView && s != ScopeHybrid {
					return blockErr("PARAMS", "invalid scope %q for parameter %s", f.value.Value, name)
				}
				spec.Scope = s
			case "default":
				if f.value.Kind != yaml.ScalarNode {
					return blockErr("PARAMS", "default for %s must be a scalar", name)
				}
				spec.Default = f.value.Value
				spec.HasDefault = true
			case "applies_to":
				at := &AppliesTo{}
				if err := decodeStruct(f.value, "PARAMS", at, "cte", "mode"); err != nil {
					return err
				}
				if at.CTE == "" || at.Mode == "" {
					return blockErr("PARAMS", "applies_to on %s requires cte and mode", name)
				}
				if at.Mode != "wrapper" && at.Mode != "inline" {
					return blockErr("PARAMS", "applies_to mode on %s must be wrapper or inline", name)
				}
				spec.AppliesTo = at
			}
		}
		if spec.Type == nil {
			return blockErr("PARAMS", "parameter %s is missing a type", name)
		}
		if spec.Type.Elem().Kind == TypeInjectedPath && spec.Scope != "" && spec.Scope != ScopeData {
			return blockErr("PARAMS", "InjectedPathStr parameter %s must have data scope", name)
		}
		meta.Params[name] = spec
		meta.ParamOrder = append(meta.ParamOrder, name)
	}
	return nil
}

func decodeDerivedParams(meta *Metadata, node *yaml.Node) error {
	entries, err := mappingEntries(node, "DERIVED_PARAMS")
	if err != nil {
		return err
	}
	meta.DerivedParams = make(map[string]*DerivedParam, len(entries))
	for _, e := range entries {
		dp := &DerivedParam{}
		if err := decodeStruct(e.value, "DERIVED_PARAMS", dp, "type", "expr"); err != nil {
			return err
		}
		if dp.Expr == "" {
			return blockErr("DERIVED_PARAMS", "derived param %s requires expr", e.key)
		}
		meta.DerivedParams[e.key] = dp
	}
	return nil
}

func decodeLiteralSources(meta *Metadata, node *yaml.Node) error {
	entries, err := mappingEntries(node, "LITERAL_SOURCES")
	if err != nil {
		return err
	}
	meta.LiteralSources = make(map[string]*LiteralSource, len(entries))
	for _, e := range entries {
		ls := &LiteralSource{ID: e.key}
		if err := decodeStruct(e.value, "LITERAL_SOURCES", ls, "from", "column"); err != nil {
			return err
		}
		if ls.From == "" || ls.Column == "" {
			return blockErr("LITERAL_SOURCES", "literal source %s requires from and column", e.key)
		}
		meta.LiteralSources[e.key] = ls
	}
	return nil
}

var bindingKinds = map[BindingKind]bool{
	BindPartition:  true,
	BindDemo:       true,
	BindIdentifier: true,
	BindLiteral:    true,
}

func decodeBindings(meta *Metadata, node *yaml.Node) error {
	entries, err := mappingEntries(node, "BINDINGS")
	if err != nil {
		return err
	}
	meta.Bindings = make(map[string]*Binding, len(entries))
	for _, e := range entries {
		b := &Binding{ID: e.key}
		if err := decodeStruct(e.value, "BINDINGS", b,
			"source", "key_param", "key_column", "value_column", "kind"); err != nil {
			return err
		}
		if b.Source == "" || b.KeyParam == "" || b.KeyColumn == "" || b.ValueColumn == "" {
			return blockErr("BINDINGS",
				"binding %s requires source, key_param, key_column and value_column", e.key)
		}
		if b.Kind == "" {
			b.Kind = BindLiteral
		}
		if !bindingKinds[b.Kind] {
			return blockErr("BINDINGS", "binding %s has unknown kind %q", e.key, b.Kind)
		}
		meta.Bindings[e.key] = b
	}
	return nil
}

func decodeImports(meta *Metadata, node *yaml.Node) error {
	entries, err := mappingEntries(node, "IMPORTS")
	if err != nil {
		return err
	}
	meta.Imports = make(map[string]*ImportSpec, len(entries))
	for _, e := range entries {
		imp := &ImportSpec{ID: e.key}
		if err := decodeStruct(e.value, "IMPORTS", imp, "report", "pass_params"); err != nil {
			return err
		}
		if imp.Report == "" {
			return blockErr("IMPORTS", "import %s requires report", e.key)
		}
		meta.Imports[e.key] = imp
	}
	return nil
}

func decodeSecrets(meta *Metadata, node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return blockErr("SECRETS", "expected a YAML sequence of names")
	}
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode || item.Value == "" {
			return blockErr("SECRETS", "secret names must be non-empty scalars")
		}
		meta.Secrets = append(meta.Secrets, item.Value)
	}
	return nil
}
