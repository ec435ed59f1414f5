package report

import (
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

// scanCTEs maps the top-level WITH clause: each CTE's name, body span, and
// an optional MATERIALIZE / MATERIALIZE_CLOSED marker between AS and the
// opening paren. The marker is ducksearch syntax, not engine syntax; its
// span is recorded so the executor can splice it away.
func scanCTEs(sql string) ([]CTE, int, error) {
	t := &sqlTok{src: sql}
	t.skip()
	if !strings.EqualFold(t.peekWord(), "WITH") {
		return nil, 0, nil
	}
	t.word()
	t.skip()
	if strings.EqualFold(t.peekWord(), "RECURSIVE") {
		t.word()
	}

	var ctes []CTE
	for {
		t.skip()
		name := t.word()
		if name == "" {
			return nil, 0, nil
		}
		t.skip()

		// Optional column list.
		if t.peek() == '(' {
			closeIdx, err := matchParen(sql, t.i)
			if err != nil {
				return nil, 0, err
			}
			t.i = closeIdx + 1
			t.skip()
		}

		if !strings.EqualFold(t.word(), "AS") {
			return nil, 0, nil
		}
		t.skip()

		mat := MatNone
		kwStart, kwEnd := 0, 0
		switch w := t.peekWord(); {
		case strings.EqualFold(w, "MATERIALIZE_CLOSED"):
			mat = MatClosed
		case strings.EqualFold(w, "MATERIALIZE"):
			mat = MatOpen
		}
		if mat != MatNone {
			kwStart = t.i
			t.word()
			t.skip()
			kwEnd = t.i
		}

		if t.peek() != '(' {
			if mat != MatNone {
				return nil, 0, errcode.New(errcode.InvalidMetadataBlock,
					"MATERIALIZE marker on %s is not followed by a CTE body", name)
			}
			return nil, 0, nil
		}
		open := t.i
		closeIdx, err := matchParen(sql, open)
		if err != nil {
			return nil, 0, err
		}
		ctes = append(ctes, CTE{
			Name:         name,
			BodyStart:    open + 1,
			BodyEnd:      closeIdx,
			End:          closeIdx + 1,
			Materialize:  mat,
			KeywordStart: kwStart,
			KeywordEnd:   kwEnd,
		})
		t.i = closeIdx + 1
		t.skip()
		if t.peek() == ',' {
			t.i++
			continue
		}
		return ctes, closeIdx + 1, nil
	}
}

// matchParen returns the offset of the parenthesis matching the one at
// openIdx, honoring strings and comments.
func matchParen(sql string, openIdx int) (int, error) {
	depth := 0
	for k := openIdx; k < len(sql); k++ {
		switch sql[k] {
		case '\'', '"':
			end, _, err := scanString(sql, k)
			if err != nil {
				return 0, err
			}
			k = end - 1
		case '-':
			if k+1 < len(sql) && sql[k+1] == '-' {
				for k < len(sql) && sql[k] != '\n' {
					k++
				}
			}
		case '/':
			if k+1 < len(sql) && sql[k+1] == '*' {
				end := strings.Index(sql[k+2:], "*/")
				if end < 0 {
					return 0, errcode.New(errcode.ForbiddenSqlConstruct, "unterminated block comment")
				}
				k += 2 + end + 1
			}
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return k, nil
			}
		}
	}
	return 0, errcode.New(errcode.ForbiddenSqlConstruct, "unbalanced parentheses")
}

// CTERefs returns the names of earlier CTEs referenced as identifiers in
// the body of cte, in declaration order.
func (r *Report) CTERefs(cte *CTE) []string {
	earlier := make(map[string]bool)
	for i := range r.CTEs {
		if r.CTEs[i].Name == cte.Name {
			break
		}
		earlier[r.CTEs[i].Name] = true
	}
	if len(earlier) == 0 {
		return nil
	}

	found := make(map[string]bool)
	t := &sqlTok{src: r.SQL, i: cte.BodyStart}
	for t.i < cte.BodyEnd {
		t.skip()
		if t.i >= cte.BodyEnd {
			break
		}
		switch ch := t.src[t.i]; {
		case ch == '\'' || ch == '"':
			end, _, err := scanString(t.src, t.i)
			if err != nil {
				t.i = cte.BodyEnd
				continue
			}
			t.i = end
		case isIdentStart(ch):
			w := t.word()
			if earlier[w] {
				found[w] = true
			}
		default:
			t.i++
		}
	}

	var out []string
	for i := range r.CTEs {
		if found[r.CTEs[i].Name] {
			out = append(out, r.CTEs[i].Name)
		}
	}
	return out
}

// ContainsKeyword reports whether kw occurs as a bare word in the SQL body,
// outside string literals and comments.
func (r *Report) ContainsKeyword(kw string) bool {
	t := &sqlTok{src: r.SQL}
	for t.i < len(t.src) {
		t.skip()
		if t.i >= len(t.src) {
			return false
		}
		switch ch := t.src[t.i]; {
		case ch == '\'' || ch == '"':
			end, _, err := scanString(t.src, t.i)
			if err != nil {
				return false
			}
			t.i = end
		case isIdentStart(ch):
			if strings.EqualFold(t.word(), kw) {
				return true
			}
		default:
			t.i++
		}
	}
	return false
}

// sqlTok is a minimal token cursor for structural scanning.
type sqlTok struct {
	src string
	i   int
}

func (t *sqlTok) peek() byte {
	if t.i < len(t.src) {
		return t.src[t.i]
	}
	return 0
}

// skip advances past whitespace and comments.
func (t *sqlTok) skip() {
	for t.i < len(t.src) {
		ch := t.src[t.i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			t.i++
		case ch == '-' && t.i+1 < len(t.src) && t.src[t.i+1] == '-':
			for t.i < len(t.src) && t.src[t.i] != '\n' {
				t.i++
			}
		case ch == '/' && t.i+1 < len(t.src) && t.src[t.i+1] == '*':
			end := strings.Index(t.src[t.i+2:], "*/")
			if end < 0 {
				t.i = len(t.src)
			} else {
				t.i += 2 + end + 2
			}
		default:
			return
		}
	}
}

// word consumes and returns the identifier at the cursor, or "".
func (t *sqlTok) word() string {
	if t.i >= len(t.src) || !isIdentStart(t.src[t.i]) {
		return ""
	}
	start := t.i
	for t.i < len(t.src) && isIdentChar(t.src[t.i]) {
		t.i++
	}
	return t.src[start:t.i]
}

// peekWord returns the identifier at the cursor without consuming it.
func (t *sqlTok) peekWord() string {
	save := t.i
	w := t.word()
	t.i = save
	return w
}
