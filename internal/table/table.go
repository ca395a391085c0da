// Package table provides the uniform tabular structure consumed by the
// ingest pipeline: ordered rows with named columns and explicit null cells.
package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Row is one record keyed by column name. Absent and null cells are both
// represented by a missing key or a nil value.
type Row map[string]any

// Has reports whether the column holds a non-nil value in this row.
func (r Row) Has(column string) bool {
	v, ok := r[column]
	return ok && v != nil
}

// Value returns the raw cell value, or nil when absent.
func (r Row) Value(column string) any {
	return r[column]
}

// String returns the cell rendered as a trimmed string, or "" when absent.
func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	if f, ok := v.(float64); ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Float parses the cell as a float64.
func (r Row) Float(column string) (float64, error) {
	v, ok := r[column]
	if !ok || v == nil {
		return 0, fmt.Errorf("column %q is empty", column)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("column %q value %q is not a number", column, t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("column %q holds non-numeric %T", column, v)
}

// Table is an ordered collection of rows with a known column list.
type Table struct {
	Columns []string
	Rows    []Row
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: columns}
}

// HasColumn reports whether the table declares the column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Append adds a row. Columns not yet declared are added to the column list.
func (t *Table) Append(row Row) {
	for column := range row {
		if !t.HasColumn(column) {
			t.Columns = append(t.Columns, column)
		}
	}
	t.Rows = append(t.Rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// AddColumn appends a column filled from values, one per row.
func (t *Table) AddColumn(name string, values []any) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("column %q has %d values for %d rows", name, len(values), len(t.Rows))
	}
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
	for i, row := range t.Rows {
		row[name] = values[i]
	}
	return nil
}

// ReplaceWithDefault fills null cells in the given columns with default
// values. Columns missing from the table are created filled entirely with
// the default.
func (t *Table) ReplaceWithDefault(defaults map[string]any) {
	for column, value := range defaults {
		if !t.HasColumn(column) {
			t.Columns = append(t.Columns, column)
		}
		for _, row := range t.Rows {
			if !row.Has(column) {
				row[column] = value
			}
		}
	}
}

// Select keeps only the given columns, in the given order.
func (t *Table) Select(columns []string) {
	t.Columns = append([]string(nil), columns...)
	for _, row := range t.Rows {
		for column := range row {
			if !t.HasColumn(column) {
				delete(row, column)
			}
		}
	}
}

// DropEmptyRows removes rows where every cell is null.
func (t *Table) DropEmptyRows() {
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		empty := true
		for _, column := range t.Columns {
			if row.Has(column) && row.String(column) != "" {
				empty = false
				break
			}
		}
		if !empty {
			kept = append(kept, row)
		}
	}
	t.Rows = kept
}
