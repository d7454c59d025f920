package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// ColumnType enumerates the value types a snapshot column may declare.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeInt64   ColumnType = "int64"
	TypeFloat64 ColumnType = "float64"
)

type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
	Repeated bool       `json:"repeated"`
}

// Table is a fully materialized snapshot table. Values are string, int64,
// float64 or nil for nullable columns with empty cells.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]interface{}
}

func (t *Table) NumRows() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// LoadCSV reads a snapshot file into memory. The header row names the
// columns; declared types come from schema when a column is present there,
// otherwise the column is treated as a string.
func LoadCSV(path, name string, schema []Column) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot header from %s: %w", path, err)
	}

	declared := make(map[string]Column, len(schema))
	for _, c := range schema {
		declared[c.Name] = c
	}

	columns := make([]Column, len(header))
	for i, h := range header {
		if c, ok := declared[h]; ok {
			columns[i] = c
		} else {
			columns[i] = Column{Name: h, Type: TypeString, Nullable: true}
		}
	}

	t := &Table{Name: name, Columns: columns}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot row from %s: %w", path, err)
		}
		row := make([]interface{}, len(columns))
		for i, cell := range record {
			v, err := parseCell(cell, columns[i])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", len(t.Rows)+2, columns[i].Name, err)
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

func parseCell(cell string, col Column) (interface{}, error) {
	if cell == "" && col.Nullable && col.Type != TypeString {
		return nil, nil
	}
	// Repeated columns keep their delimiter-joined string form.
	if col.Repeated {
		return cell, nil
	}
	switch col.Type {
	case TypeInt64:
		n, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", cell, err)
		}
		return n, nil
	case TypeFloat64:
		f, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", cell, err)
		}
		return f, nil
	default:
		return cell, nil
	}
}
