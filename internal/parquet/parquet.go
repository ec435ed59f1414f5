// Package parquet reads artifact metadata and small lookups straight from
// Parquet files, without holding an engine connection: column schemas for
// response manifests and single-value binding lookups from materializations.
package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// Column describes one top-level column of an artifact.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func open(path string) (*parquet.File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return pf, f, nil
}

// Schema returns the column layout of a Parquet artifact.
func Schema(path string) ([]Column, error) {
	pf, f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fields := pf.Schema().Fields()
	cols := make([]Column, 0, len(fields))
	for _, field := range fields {
		typ := "group"
		if field.Leaf() {
			typ = field.Type().String()
		}
		cols = append(cols, Column{Name: field.Name(), Type: typ})
	}
	return cols, nil
}

// LookupValue scans the file for the first row where keyColumn renders to
// keyValue and returns valueColumn's rendering. The second result is false
// when no row matches.
func LookupValue(path, keyColumn, keyValue, valueColumn string) (string, bool, error) {
	pf, f, err := open(path)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	schema := pf.Schema()
	keyCol, ok := schema.Lookup(keyColumn)
	if !ok {
		return "", false, fmt.Errorf("column %s not in %s", keyColumn, path)
	}
	valCol, ok := schema.Lookup(valueColumn)
	if !ok {
		return "", false, fmt.Errorf("column %s not in %s", valueColumn, path)
	}

	buf := make([]parquet.Row, 64)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				if match(row, keyCol.ColumnIndex, keyValue) {
					if v, found := columnValue(row, valCol.ColumnIndex); found {
						_ = rows.Close()
						return v, true, nil
					}
				}
			}
			if err != nil {
				_ = rows.Close()
				if errors.Is(err, io.EOF) {
					break
				}
				return "", false, err
			}
			if n == 0 {
				_ = rows.Close()
				break
			}
		}
	}
	return "", false, nil
}

func match(row parquet.Row, columnIndex int, want string) bool {
	v, ok := columnValue(row, columnIndex)
	return ok && v == want
}

func columnValue(row parquet.Row, columnIndex int) (string, bool) {
	for _, v := range row {
		if v.Column() != columnIndex {
			continue
		}
		if v.IsNull() {
			return "", false
		}
		return render(v), true
	}
	return "", false
}

// render produces the canonical string form used for key comparison and
// binding splicing.
func render(v parquet.Value) string {
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	default:
		return string(v.ByteArray())
	}
}
