// Package columnar encodes staged chunks as Parquet and inspects staged
// schema files.
package columnar

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// textSchema builds a schema with one optional UTF-8 column per name.
// parquet.Group orders columns by name.
func textSchema(columns []string) (*parquet.Schema, error) {
	if len(columns) == 0 {
		return nil, errors.New("parquet schema needs at least one column")
	}
	g := make(parquet.Group, len(columns))
	for _, c := range columns {
		if _, dup := g[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		g[c] = parquet.Optional(parquet.String())
	}
	return parquet.NewSchema("row", g), nil
}

// EncodeRows writes rows as a snappy-compressed Parquet file. Every cell is
// text; nil cells become Parquet nulls. Each row must have one cell per
// column, in the order of columns.
func EncodeRows(w io.Writer, columns []string, rows [][]*string) error {
	schema, err := textSchema(columns)
	if err != nil {
		return err
	}
	index := make([]int, len(columns))
	for i, c := range columns {
		leaf, ok := schema.Lookup(c)
		if !ok {
			return fmt.Errorf("column %q missing from schema", c)
		}
		index[i] = leaf.ColumnIndex
	}

	pw := parquet.NewWriter(w, schema, parquet.Compression(&parquet.Snappy))
	buf := make([]parquet.Row, 0, len(rows))
	for n, cells := range rows {
		if len(cells) != len(columns) {
			return fmt.Errorf("row %d has %d cells, want %d", n, len(cells), len(columns))
		}
		row := make(parquet.Row, len(columns))
		for i, cell := range cells {
			col := index[i]
			if cell == nil {
				row[col] = parquet.NullValue().Level(0, 0, col)
			} else {
				row[col] = parquet.ByteArrayValue([]byte(*cell)).Level(0, 1, col)
			}
		}
		buf = append(buf, row)
	}
	if len(buf) > 0 {
		if _, err := pw.WriteRows(buf); err != nil {
			pw.Close()
			return fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// EncodeSchema writes a zero-row file carrying the column set.
func EncodeSchema(w io.Writer, columns []string) error {
	return EncodeRows(w, columns, nil)
}

// Kind is the logical type of a staged column as read back from a file.
type Kind string

const (
	KindString    Kind = "string"
	KindInteger   Kind = "integer"
	KindFloat     Kind = "float"
	KindBoolean   Kind = "boolean"
	KindTimestamp Kind = "timestamp"
	KindDate      Kind = "date"
	KindBinary    Kind = "binary"
	KindList      Kind = "list"
	KindRecord    Kind = "record"
)

// Field is one top-level column of a staged file.
type Field struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// ReadSchema returns the top-level fields of a Parquet file.
func ReadSchema(data []byte) ([]Field, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	var out []Field
	for _, field := range f.Schema().Fields() {
		out = append(out, Field{
			Name:     field.Name(),
			Kind:     classify(field),
			Nullable: field.Optional(),
		})
	}
	return out, nil
}

func classify(n parquet.Node) Kind {
	lt := n.Type().LogicalType()
	if lt != nil && lt.List != nil {
		return KindList
	}
	if n.Repeated() {
		return KindList
	}
	if !n.Leaf() {
		return KindRecord
	}
	if lt != nil {
		switch {
		case lt.UTF8 != nil, lt.Enum != nil, lt.Json != nil, lt.UUID != nil:
			return KindString
		case lt.Date != nil:
			return KindDate
		case lt.Timestamp != nil:
			return KindTimestamp
		case lt.Integer != nil:
			return KindInteger
		case lt.Decimal != nil:
			return KindFloat
		case lt.Time != nil:
			return KindString
		}
	}
	switch n.Type().Kind() {
	case parquet.Boolean:
		return KindBoolean
	case parquet.Int32, parquet.Int64:
		return KindInteger
	case parquet.Int96:
		return KindTimestamp
	case parquet.Float, parquet.Double:
		return KindFloat
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return KindBinary
	}
	return KindString
}

// ReadRows decodes a file written by EncodeRows into name->cell maps.
func ReadRows(data []byte) ([]map[string]*string, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	paths := f.Schema().Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p[len(p)-1]
	}

	r := parquet.NewReader(bytes.NewReader(data))
	defer r.Close()
	rows := make([]parquet.Row, f.NumRows())
	n, err := r.ReadRows(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	out := make([]map[string]*string, 0, n)
	for _, row := range rows[:n] {
		m := make(map[string]*string, len(names))
		for _, v := range row {
			name := names[v.Column()]
			if v.IsNull() {
				m[name] = nil
				continue
			}
			s := string(v.ByteArray())
			m[name] = &s
		}
		out = append(out, m)
	}
	return out, nil
}
