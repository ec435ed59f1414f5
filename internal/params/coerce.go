package params

import (
	"strconv"
	"strings"
	"time"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/report"
)

const (
	dateLayout        = "2006-01-02"
	datetimeLayout    = "2006-01-02 15:04:05"
	datetimeAltLayout = time.RFC3339
)

// QuoteString renders a SQL string literal with single-quote doubling.
func QuoteString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// rendered is one coerced value: the SQL token to splice and a canonical
// form that feeds fingerprints.
type rendered struct {
	sql       string
	canonical string
}

func badType(spec *report.ParamSpec, format string, args ...any) error {
	return errcode.New(errcode.BadParamType, format, args...).WithDetail("parameter %s", spec.Name)
}

// coerce parses raw URL values into the declared type and renders the SQL
// token. List values arrive either as repeated keys or comma-separated.
func coerce(spec *report.ParamSpec, raw []string) (rendered, error) {
	t := spec.Type.Elem()

	if t.Kind == report.TypeList {
		var flat []string
		for _, r := range raw {
			for _, part := range strings.Split(r, ",") {
				part = strings.TrimSpace(part)
				if part != "" {
					flat = append(flat, part)
				}
			}
		}
		if len(flat) == 0 {
			return rendered{}, badType(spec, "empty list value")
		}
		sqls := make([]string, len(flat))
		canons := make([]string, len(flat))
		for i, v := range flat {
			r, err := coerceScalar(spec, t.Inner, v)
			if err != nil {
				return rendered{}, err
			}
			sqls[i] = r.sql
			canons[i] = r.canonical
		}
		return rendered{
			sql:       "(" + strings.Join(sqls, ", ") + ")",
			canonical: "l:[" + strings.Join(canons, ",") + "]",
		}, nil
	}

	if len(raw) != 1 {
		return rendered{}, badType(spec, "expected a single value, got %d", len(raw))
	}
	return coerceScalar(spec, t, raw[0])
}

func coerceScalar(spec *report.ParamSpec, t *report.ParamType, v string) (rendered, error) {
	switch t.Kind {
	case report.TypeInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return rendered{}, badType(spec, "invalid int %q", v)
		}
		s := strconv.FormatInt(n, 10)
		return rendered{sql: s, canonical: "i:" + s}, nil

	case report.TypeFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rendered{}, badType(spec, "invalid float %q", v)
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		return rendered{sql: s, canonical: "f:" + s}, nil

	case report.TypeBool:
		switch strings.ToLower(v) {
		case "true", "1":
			return rendered{sql: "TRUE", canonical: "b:true"}, nil
		case "false", "0":
			return rendered{sql: "FALSE", canonical: "b:false"}, nil
		}
		return rendered{}, badType(spec, "invalid bool %q", v)

	case report.TypeDate:
		d, err := time.Parse(dateLayout, v)
		if err != nil {
			return rendered{}, badType(spec, "invalid date %q, expected YYYY-MM-DD", v)
		}
		s := d.Format(dateLayout)
		return rendered{sql: "DATE '" + s + "'", canonical: "d:" + s}, nil

	case report.TypeDatetime:
		d, err := time.Parse(datetimeLayout, v)
		if err != nil {
			d, err = time.Parse(datetimeAltLayout, v)
		}
		if err != nil {
			return rendered{}, badType(spec, "invalid datetime %q", v)
		}
		s := d.UTC().Format(datetimeLayout)
		return rendered{sql: "TIMESTAMP '" + s + "'", canonical: "t:" + s}, nil

	case report.TypeStr, report.TypeInjectedStr:
		return rendered{sql: QuoteString(v), canonical: "s:" + v}, nil

	case report.TypeLiteral:
		for _, allowed := range t.Literals {
			if v == allowed {
				if _, err := strconv.ParseInt(v, 10, 64); err == nil {
					return rendered{sql: v, canonical: "i:" + v}, nil
				}
				return rendered{sql: QuoteString(v), canonical: "s:" + v}, nil
			}
		}
		return rendered{}, badType(spec, "value %q not in %v", v, t.Literals)

	case report.TypeInjectedIdent:
		for _, allowed := range t.Literals {
			if v == allowed {
				// Allowlisted identifiers splice verbatim.
				return rendered{sql: v, canonical: "id:" + v}, nil
			}
		}
		return rendered{}, badType(spec, "identifier %q not in allowlist %v", v, t.Literals)

	case report.TypeInjectedPath:
		return rendered{}, badType(spec, "InjectedPathStr resolves from config only, not from the URL")
	}
	return rendered{}, badType(spec, "unsupported type %s", t)
}
