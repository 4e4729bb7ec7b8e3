// Package source reads partitions of relational tables for extraction.
package source

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultKeyColumn is used when a table has no declared primary key.
const DefaultKeyColumn = "id"

// Bounds are the key bounds of a table at one point in time.
type Bounds struct {
	// Numeric reports whether the key is an integer type and can be range
	// partitioned. Min and Max are meaningful only when it is set.
	Numeric bool
	Min     int64
	Max     int64
	// Empty is set when no row qualified.
	Empty bool
}

// Catalog is the metadata view the controller needs to plan a run.
type Catalog interface {
	// EstimateSize returns the table size in GiB. With after set it scales
	// the size by the fraction of rows whose key is above after.
	EstimateSize(ctx context.Context, table, keyColumn string, after *int64) (float64, error)
	PrimaryKey(ctx context.Context, table string) (string, error)
	KeyBounds(ctx context.Context, table, keyColumn string, after *int64) (Bounds, error)
}

// ChunkQuery selects one ordered page of a partition. Where uses $1..$n
// placeholders matching Args.
type ChunkQuery struct {
	Table     string
	KeyColumn string
	Where     string
	Args      []any
	Limit     int
	Offset    int
}

// Chunk is one page of rows, every value coerced to text. A nil cell is SQL
// NULL.
type Chunk struct {
	Columns []string
	Rows    [][]*string
}

// Reader is what an extraction worker reads through.
type Reader interface {
	// Columns returns the result columns of the table without reading rows.
	Columns(ctx context.Context, table string) ([]string, error)
	FetchChunk(ctx context.Context, q ChunkQuery) (*Chunk, error)
}

// QuoteIdent quotes a possibly schema-qualified name ("s.t") for SQL.
func QuoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// Qualify prefixes table with schema unless it is already qualified.
func Qualify(schema, table string) string {
	if schema == "" || strings.Contains(table, ".") {
		return table
	}
	return schema + "." + table
}
