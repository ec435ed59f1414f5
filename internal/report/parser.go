package report

import (
	"os"
	"strings"

	"github.com/ducksearch-labs/ducksearch/internal/errcode"
	"github.com/ducksearch-labs/ducksearch/internal/fingerprint"
)

// ParseFile reads and parses a report file.
func ParseFile(id, path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Parse(id, string(data))
	if err != nil {
		return nil, err
	}
	r.Path = path
	return r, nil
}

// Parse builds the immutable IR for one report source.
func Parse(id, src string) (*Report, error) {
	canonical := canonicalize(src)

	blocks, err := extractBlocks(canonical)
	if err != nil {
		return nil, wrapWithReport(err, id)
	}

	sql := stripBlocks(canonical, blocks)
	if strings.TrimSpace(sql) == "" {
		return nil, errcode.New(errcode.InvalidMetadataBlock, "report has no SQL body").WithReport(id)
	}

	scan, err := scanSQL(sql)
	if err != nil {
		return nil, wrapWithReport(err, id)
	}

	meta, err := decodeBlocks(blocks)
	if err != nil {
		return nil, wrapWithReport(err, id)
	}

	r := &Report{
		ID:        id,
		SQL:       sql,
		Spans:     scan.spans,
		CTEs:      scan.ctes,
		WithEnd:   scan.withEnd,
		Meta:      meta,
		SourceFP:  fingerprint.Source(canonical),
		Canonical: canonical,
	}

	if err := validateParams(r); err != nil {
		return nil, wrapWithReport(err, id)
	}
	return r, nil
}

func wrapWithReport(err error, id string) error {
	if e, ok := err.(*errcode.Error); ok && e.Report == "" {
		return e.WithReport(id)
	}
	return err
}

// canonicalize normalizes line endings and trailing whitespace so that
// serialize→reparse is a fixed point.
func canonicalize(src string) string {
	s := strings.ReplaceAll(src, "\r\n", "\n")
	s = strings.TrimRight(s, " \t\n")
	return s + "\n"
}

// extractBlocks scans for /***NAME ... ***/ islands at line starts. Blocks
// inside SQL string or comment context are rejected, as are duplicate
// blocks and blocks not separated from each other by whitespace.
func extractBlocks(src string) ([]rawBlock, error) {
	var blocks []rawBlock
	seen := make(map[string]bool)

	i := 0
	lineStart := true
	for i < len(src) {
		ch := src[i]

		// Metadata block header, only recognized at a line start.
		if lineStart && strings.HasPrefix(src[i:], "/***") && i+4 < len(src) && isBlockNameChar(src[i+4]) {
			nameStart := i + 4
			j := nameStart
			for j < len(src) && isBlockNameChar(src[j]) {
				j++
			}
			name := src[nameStart:j]
			if !supportedBlocks[name] {
				return nil, errcode.New(errcode.InvalidMetadataBlock, "unsupported metadata block %s", name)
			}
			if seen[name] {
				return nil, errcode.New(errcode.InvalidMetadataBlock, "duplicate metadata block %s", name)
			}
			seen[name] = true

			term := strings.Index(src[j:], "***/")
			if term < 0 {
				return nil, errcode.New(errcode.InvalidMetadataBlock, "unterminated metadata block %s", name)
			}
			end := j + term + len("***/")

			if n := len(blocks); n > 0 {
				between := src[blocks[n-1].end:i]
				if between == "" || strings.TrimSpace(between) != "" {
					return nil, errcode.New(errcode.InvalidMetadataBlock,
						"metadata blocks must be separated by whitespace only")
				}
			}

			blocks = append(blocks, rawBlock{
				name:     name,
				yamlText: strings.TrimSpace(src[j : j+term]),
				start:    i,
				end:      end,
			})
			i = end
			lineStart = false
			continue
		}

		switch {
		case ch == '\n':
			lineStart = true
			i++
			continue
		case ch == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		case ch == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, errcode.New(errcode.ForbiddenSqlConstruct, "unterminated block comment")
			}
			body := src[i : i+2+end+2]
			if strings.Contains(body[2:], "/***") {
				return nil, errcode.New(errcode.InvalidMetadataBlock,
					"metadata block inside a SQL comment")
			}
			i += 2 + end + 2
		case ch == '\'' || ch == '"':
			end, _, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			if strings.Contains(src[i:end], "/***") {
				return nil, errcode.New(errcode.InvalidMetadataBlock,
					"metadata block inside a SQL string literal")
			}
			i = end
		default:
			i++
		}
		lineStart = false
	}

	return blocks, nil
}

func isBlockNameChar(ch byte) bool {
	return ch == '_' || (ch >= 'A' && ch <= 'Z')
}

// stripBlocks removes the metadata islands, leaving the SQL body.
func stripBlocks(src string, blocks []rawBlock) string {
	if len(blocks) == 0 {
		return strings.TrimSpace(src)
	}
	var b strings.Builder
	prev := 0
	for _, blk := range blocks {
		b.WriteString(src[prev:blk.start])
		prev = blk.end
	}
	b.WriteString(src[prev:])
	return strings.TrimSpace(b.String())
}

// validateParams enforces the scope invariants and applies_to shape against
// the scanned SQL body.
func validateParams(r *Report) error {
	for _, name := range r.Meta.ParamOrder {
		spec := r.Meta.Params[name]
		referenced := r.ReferencesParam(name)

		if spec.Scope == "" {
			// Scope inference: referenced params hold data, the rest are
			// view-only knobs for the browser runtime.
			if referenced {
				spec.Scope = ScopeData
			} else {
				spec.Scope = ScopeView
			}
		}
		if spec.Scope == ScopeView && referenced {
			return errcode.New(errcode.InvalidMetadataBlock,
				"parameter %s has scope view but is referenced in the SQL body", name)
		}

		if at := spec.AppliesTo; at != nil {
			if _, ok := r.CTEByName(at.CTE); !ok {
				return errcode.New(errcode.InvalidMetadataBlock,
					"applies_to on %s names undefined CTE %s", name, at.CTE)
			}
			if at.Mode == "wrapper" {
				base := at.CTE + "_base"
				if _, ok := r.CTEByName(base); !ok {
					return errcode.New(errcode.InvalidMetadataBlock,
						"wrapper applies_to on %s expects a %s CTE", name, base)
				}
			}
		}
	}
	return nil
}
