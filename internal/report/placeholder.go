package report

import (
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

// Placeholder kinds recognized inside single-quoted string literals. These
// resolve to path fragments or pre-validated tokens, so they are meaningful
// in scan paths and quoted FROM targets. {{param}} and {{secret}} inside a
// string stay literal text.
var stringKinds = map[PlaceholderKind]bool{
	KindConfig: true,
	KindPath:   true,
	KindBind:   true,
	KindIdent:  true,
	KindMat:    true,
	KindImport: true,
}

// Kinds permitted inside a parquet_scan()/read_parquet() path argument.
var scanPathKinds = map[PlaceholderKind]bool{
	KindConfig: true,
	KindBind:   true,
	KindPath:   true,
	KindIdent:  true,
}

var placeholderKinds = map[string]PlaceholderKind{
	"param":  KindParam,
	"ident":  KindIdent,
	"path":   KindPath,
	"bind":   KindBind,
	"mat":    KindMat,
	"import": KindImport,
	"config": KindConfig,
	"secret": KindSecret,
}

// Keywords that make a report non-deterministic or stateful. Rejected
// anywhere outside string literals and comments.
var forbiddenKeywords = map[string]bool{
	"CREATE":  true,
	"ATTACH":  true,
	"INSTALL": true,
	"LOAD":    true,
	"INSERT":  true,
	"UPDATE":  true,
	"DELETE":  true,
	"PRAGMA":  true,
	"SET":     true,
}

// Table functions whose path argument must resolve at bind time.
var scanFunctions = map[string]bool{
	"parquet_scan": true,
	"read_parquet": true,
}

type scanRegion struct {
	start, end int // argument region between the parens, exclusive
}

// scanResult is the outcome of the single tokenizing pass over a SQL body.
type scanResult struct {
	spans   []Span
	ctes    []CTE
	withEnd int
}

// scanSQL performs the single pass that records placeholder spans, checks
// forbidden constructs and statement count, enforces the scan-path rule,
// and maps the WITH clause.
func scanSQL(sql string) (*scanResult, error) {
	spans, regions, err := scanBody(sql)
	if err != nil {
		return nil, err
	}
	for _, reg := range regions {
		if err := checkScanPath(sql, reg, spans); err != nil {
			return nil, err
		}
	}
	ctes, withEnd, err := scanCTEs(sql)
	if err != nil {
		return nil, err
	}
	return &scanResult{spans: spans, ctes: ctes, withEnd: withEnd}, nil
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

// scanBody walks the SQL once, tracking string and comment context.
func scanBody(sql string) ([]Span, []scanRegion, error) {
	var spans []Span
	var regions []scanRegion
	var semicolon = -1

	i := 0
	for i < len(sql) {
		ch := sql[i]

		// Comments: placeholders inside are literal text.
		if ch == '-' && i+1 < len(sql) && sql[i+1] == '-' {
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			continue
		}
		if ch == '/' && i+1 < len(sql) && sql[i+1] == '*' {
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += 2 + end + 2
			}
			continue
		}

		// String literals: scan contents for path-like placeholders.
		if ch == '\'' || ch == '"' {
			end, inner, err := scanString(sql, i)
			if err != nil {
				return nil, nil, err
			}
			if ch == '\'' {
				spans = append(spans, inner...)
			}
			i = end
			continue
		}

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		if semicolon >= 0 {
			// Anything beyond a top-level terminator is a second statement.
			return nil, nil, errcode.New(errcode.ForbiddenSqlConstruct,
				"report SQL must contain exactly one statement")
		}

		if ch == ';' {
			semicolon = i
			i++
			continue
		}

		if ch == '{' && i+1 < len(sql) && sql[i+1] == '{' {
			sp, end, err := parsePlaceholder(sql, i)
			if err != nil {
				return nil, nil, err
			}
			spans = append(spans, sp)
			i = end
			continue
		}

		if isIdentStart(ch) {
			start := i
			for i < len(sql) && isIdentChar(sql[i]) {
				i++
			}
			word := sql[start:i]
			upper := strings.ToUpper(word)
			if forbiddenKeywords[upper] {
				return nil, nil, errcode.New(errcode.ForbiddenSqlConstruct,
					"forbidden SQL keyword %s", upper)
			}
			if scanFunctions[strings.ToLower(word)] {
				if reg, ok := scanArgRegion(sql, i); ok {
					regions = append(regions, reg)
				}
			}
			continue
		}

		i++
	}

	return spans, regions, nil
}

// scanString consumes a quoted literal starting at i and returns the offset
// past the closing quote, plus any placeholder spans found inside when the
// literal is single-quoted. Doubled quotes escape per SQL rules.
func scanString(sql string, i int) (int, []Span, error) {
	quote := sql[i]
	var spans []Span
	j := i + 1
	for j < len(sql) {
		if sql[j] == quote {
			if j+1 < len(sql) && sql[j+1] == quote {
				j += 2
				continue
			}
			return j + 1, spans, nil
		}
		if quote == '\'' && sql[j] == '{' && j+1 < len(sql) && sql[j+1] == '{' {
			if sp, end, err := parsePlaceholder(sql, j); err == nil && stringKinds[sp.Kind] {
				sp.InString = true
				spans = append(spans, sp)
				j = end
				continue
			}
			// Not a recognized placeholder: literal braces.
		}
		j++
	}
	return 0, nil, errcode.New(errcode.ForbiddenSqlConstruct, "unterminated string literal")
}

// parsePlaceholder parses {{kind NAME}} at offset i. The grammar is strict:
// a known kind, one run of whitespace, an identifier, optional whitespace,
// and the closing braces.
func parsePlaceholder(sql string, i int) (Span, int, error) {
	j := i + 2
	wordStart := j
	for j < len(sql) && isIdentChar(sql[j]) {
		j++
	}
	kind, ok := placeholderKinds[sql[wordStart:j]]
	if !ok {
		return Span{}, 0, errcode.New(errcode.InvalidPlaceholder,
			"unknown placeholder kind in %q", snippet(sql, i))
	}
	if j >= len(sql) || (sql[j] != ' ' && sql[j] != '\t') {
		return Span{}, 0, errcode.New(errcode.InvalidPlaceholder,
			"malformed placeholder %q", snippet(sql, i))
	}
	for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t') {
		j++
	}
	nameStart := j
	if j >= len(sql) || !isIdentStart(sql[j]) {
		return Span{}, 0, errcode.New(errcode.InvalidPlaceholder,
			"malformed placeholder %q", snippet(sql, i))
	}
	for j < len(sql) && isIdentChar(sql[j]) {
		j++
	}
	name := sql[nameStart:j]
	for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t') {
		j++
	}
	if j+1 >= len(sql) || sql[j] != '}' || sql[j+1] != '}' {
		return Span{}, 0, errcode.New(errcode.InvalidPlaceholder,
			"malformed placeholder %q", snippet(sql, i))
	}
	return Span{Start: i, End: j + 2, Kind: kind, Name: name}, j + 2, nil
}

func snippet(sql string, i int) string {
	end := i + 32
	if end > len(sql) {
		end = len(sql)
	}
	return sql[i:end]
}

// scanArgRegion locates the argument region of a scan function call whose
// name just ended at offset i.
func scanArgRegion(sql string, i int) (scanRegion, bool) {
	j := i
	for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t' || sql[j] == '\n' || sql[j] == '\r') {
		j++
	}
	if j >= len(sql) || sql[j] != '(' {
		return scanRegion{}, false
	}
	depth := 0
	for k := j; k < len(sql); k++ {
		switch sql[k] {
		case '\'', '"':
			end, _, err := scanString(sql, k)
			if err != nil {
				return scanRegion{}, false
			}
			k = end - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return scanRegion{start: j + 1, end: k}, true
			}
		}
	}
	return scanRegion{}, false
}

// checkScanPath enforces the scan-path rule inside one argument region:
// the path must be a single-quoted literal built only from literal text and
// {config, bind, path, ident} placeholders. Concatenation and expression
// operators would defer path construction to query time, which the engine
// cannot bind.
func checkScanPath(sql string, reg scanRegion, spans []Span) error {
	// The first token must open a quoted path.
	j := reg.start
	for j < reg.end && (sql[j] == ' ' || sql[j] == '\t' || sql[j] == '\n' || sql[j] == '\r') {
		j++
	}
	if j >= reg.end || sql[j] != '\'' {
		return errcode.New(errcode.IllegalScanPath,
			"scan path must be a single-quoted string literal")
	}

	for k := j; k < reg.end; k++ {
		switch sql[k] {
		case '\'', '"':
			end, _, err := scanString(sql, k)
			if err != nil {
				return err
			}
			k = end - 1
		case '|':
			if k+1 < reg.end && sql[k+1] == '|' {
				return errcode.New(errcode.IllegalScanPath,
					"scan path must not use the concatenation operator ||")
			}
		case '+', '-', '*', '/':
			return errcode.New(errcode.IllegalScanPath,
				"scan path must not contain expression operators")
		}
	}

	for idx := range spans {
		s := &spans[idx]
		if s.Start < reg.start || s.End > reg.end {
			continue
		}
		s.InScanPath = true
		if s.InString && !scanPathKinds[s.Kind] {
			return errcode.New(errcode.IllegalScanPath,
				"placeholder kind %s not allowed in a scan path", s.Kind)
		}
	}
	return nil
}
