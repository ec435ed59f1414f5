package report

import (
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

// TypeKind is the closed set of parameter type constructors.
type TypeKind string

// Parameter type kinds.
const (
	TypeInt           TypeKind = "int"
	TypeFloat         TypeKind = "float"
	TypeBool          TypeKind = "bool"
	TypeDate          TypeKind = "date"
	TypeDatetime      TypeKind = "datetime"
	TypeStr           TypeKind = "str"
	TypeInjectedStr   TypeKind = "InjectedStr"
	TypeInjectedIdent TypeKind = "InjectedIdentLiteral"
	TypeInjectedPath  TypeKind = "InjectedPathStr"
	TypeLiteral       TypeKind = "Literal"
	TypeList          TypeKind = "List"
	TypeOptional      TypeKind = "Optional"
)

// ParamType is a parsed type expression such as Optional[List[int]] or
// Literal[alpha, beta]. Literals holds the allowed values for Literal and
// InjectedIdentLiteral types, in their canonical string form.
type ParamType struct {
	Kind     TypeKind
	Inner    *ParamType
	Literals []string
}

// Optional reports whether absence is allowed at the top level.
func (t *ParamType) Optional() bool {
	return t.Kind == TypeOptional
}

// Elem unwraps Optional to the underlying type.
func (t *ParamType) Elem() *ParamType {
	if t.Kind == TypeOptional && t.Inner != nil {
		return t.Inner
	}
	return t
}

// Injected reports whether the (Optional-unwrapped) type is InjectedStr,
// InjectedIdentLiteral or InjectedPathStr.
func (t *ParamType) Injected() bool {
	k := t.Elem().Kind
	return k == TypeInjectedStr || k == TypeInjectedIdent || k == TypeInjectedPath
}

func (t *ParamType) String() string {
	switch t.Kind {
	case TypeOptional, TypeList:
		return string(t.Kind) + "[" + t.Inner.String() + "]"
	case TypeLiteral:
		return "Literal[" + strings.Join(t.Literals, ", ") + "]"
	case TypeInjectedIdent:
		return "InjectedIdentLiteral[{" + strings.Join(t.Literals, ", ") + "}]"
	default:
		return string(t.Kind)
	}
}

var primitiveKinds = map[string]TypeKind{
	"int":             TypeInt,
	"float":           TypeFloat,
	"bool":            TypeBool,
	"date":            TypeDate,
	"datetime":        TypeDatetime,
	"str":             TypeStr,
	"InjectedStr":     TypeInjectedStr,
	"InjectedPathStr": TypeInjectedPath,
}

// ParseParamType parses a type expression from a PARAMS block.
func ParseParamType(spec string) (*ParamType, error) {
	text := strings.TrimSpace(spec)

	if inner, ok := bracketed(text, "Optional["); ok {
		t, err := ParseParamType(inner)
		if err != nil {
			return nil, err
		}
		return &ParamType{Kind: TypeOptional, Inner: t}, nil
	}
	if inner, ok := bracketed(text, "List["); ok {
		t, err := ParseParamType(inner)
		if err != nil {
			return nil, err
		}
		return &ParamType{Kind: TypeList, Inner: t}, nil
	}
	if inner, ok := bracketed(text, "Literal["); ok {
		vals, err := parseLiteralValues(inner)
		if err != nil {
			return nil, err
		}
		return &ParamType{Kind: TypeLiteral, Literals: vals}, nil
	}
	if inner, ok := bracketed(text, "InjectedIdentLiteral["); ok {
		inner = strings.TrimSpace(inner)
		// The allowlist form is InjectedIdentLiteral[{A, B, C}].
		if strings.HasPrefix(inner, "{") && strings.HasSuffix(inner, "}") {
			inner = inner[1 : len(inner)-1]
		}
		vals, err := parseLiteralValues(inner)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, errcode.New(errcode.InvalidMetadataBlock, "InjectedIdentLiteral requires a non-empty allowlist")
		}
		return &ParamType{Kind: TypeInjectedIdent, Literals: vals}, nil
	}

	if kind, ok := primitiveKinds[text]; ok {
		return &ParamType{Kind: kind}, nil
	}
	return nil, errcode.New(errcode.InvalidMetadataBlock, "unsupported parameter type %q", spec)
}

func bracketed(text, prefix string) (string, bool) {
	if strings.HasPrefix(text, prefix) && strings.HasSuffix(text, "]") {
		return text[len(prefix) : len(text)-1], true
	}
	return "", false
}

// parseLiteralValues splits a comma-separated literal list, honoring single
// and double quotes. Quoted values are unquoted; all values keep their
// canonical string form for membership checks.
func parseLiteralValues(body string) ([]string, error) {
	var vals []string
	var cur strings.Builder
	var quote byte

	flush := func() error {
		v := strings.TrimSpace(cur.String())
		cur.Reset()
		if v == "" {
			return errcode.New(errcode.InvalidMetadataBlock, "empty literal value")
		}
		if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		vals = append(vals, v)
		return nil
	}

	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case quote != 0:
			cur.WriteByte(ch)
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
			cur.WriteByte(ch)
		case ch == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if quote != 0 {
		return nil, errcode.New(errcode.InvalidMetadataBlock, "unterminated quote in literal list")
	}
	if strings.TrimSpace(cur.String()) != "" {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return vals, nil
}
