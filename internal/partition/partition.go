// Package partition splits a table's key space into extraction partitions.
package partition

import (
	"errors"
	"fmt"
	"math"

	"github.com/me/etlorch/pkg/model"
)

// Sizing bounds the partition count derived from table size.
type Sizing struct {
	Min     int
	Max     int
	PerUnit float64 // size units (GiB) per partition
}

// DefaultSizing is one partition per 5 GiB, clamped to [1, 50].
var DefaultSizing = Sizing{Min: 1, Max: 50, PerUnit: 5}

// Count derives the partition count for a table (or incremental delta) of
// size units. It is non-decreasing in size and always within [Min, Max].
func Count(size float64, s Sizing) int {
	if s.Min < 1 {
		s.Min = 1
	}
	if s.Max < s.Min {
		s.Max = s.Min
	}
	if s.PerUnit <= 0 {
		s.PerUnit = DefaultSizing.PerUnit
	}
	if size <= 0 || math.IsNaN(size) {
		return s.Min
	}
	n := math.Ceil(size / s.PerUnit)
	if n > float64(s.Max) {
		return s.Max
	}
	if n < float64(s.Min) {
		return s.Min
	}
	return int(n)
}

// Range is the closed key interval [Lo, Hi] of one partition. Lo > Hi means
// the partition owns no keys, which happens when there are fewer keys than
// partitions.
type Range struct {
	ID int
	Lo int64
	Hi int64
}

func (r Range) Empty() bool { return r.Lo > r.Hi }

func (r Range) String() string {
	return fmt.Sprintf("%d:[%d,%d]", r.ID, r.Lo, r.Hi)
}

// Ranges divides [min, max] into p contiguous ranges of width
// floor((max-min+1)/p). The last range absorbs the remainder up to max.
func Ranges(min, max int64, p int) ([]Range, error) {
	if p < 1 {
		return nil, fmt.Errorf("partition count must be >= 1, got %d", p)
	}
	if max < min {
		return nil, fmt.Errorf("invalid key bounds [%d, %d]", min, max)
	}
	width := (max - min + 1) / int64(p)
	out := make([]Range, p)
	for i := 0; i < p; i++ {
		lo := min + int64(i)*width
		hi := lo + width - 1
		if i == p-1 {
			hi = max
		}
		out[i] = Range{ID: i, Lo: lo, Hi: hi}
	}
	return out, nil
}

// RangeFor returns partition id of Ranges(min, max, p) without building the
// whole slice.
func RangeFor(min, max int64, p, id int) (Range, error) {
	if id < 0 || id >= p {
		return Range{}, fmt.Errorf("partition %d out of range [0, %d)", id, p)
	}
	if p < 1 || max < min {
		return Range{}, fmt.Errorf("invalid partition scheme p=%d bounds [%d, %d]", p, min, max)
	}
	width := (max - min + 1) / int64(p)
	lo := min + int64(id)*width
	hi := lo + width - 1
	if id == p-1 {
		hi = max
	}
	return Range{ID: id, Lo: lo, Hi: hi}, nil
}

// Scheme is the partitioning of one run, shared by every extraction job of
// that run.
type Scheme struct {
	Mode  model.KeyMode
	Total int
	Min   int64 // range mode only
	Max   int64 // range mode only
	Empty bool  // no keys matched when bounds were taken
	After *int64
}

// SchemeFromManifest rebuilds the scheme pinned in a run manifest.
func SchemeFromManifest(m *model.RunManifest) Scheme {
	return Scheme{
		Mode:  m.KeyMode,
		Total: m.TotalPartitions,
		Min:   m.MinKey,
		Max:   m.MaxKey,
		Empty: m.Empty,
		After: m.LowerBound,
	}
}

var errNoColumn = errors.New("partition predicate: key column is required")

// Predicate renders the SQL filter selecting partition id. column must
// already be a quoted identifier. Placeholders are PostgreSQL style and
// numbered from 1.
func (s Scheme) Predicate(column string, id int) (string, []any, error) {
	if column == "" {
		return "", nil, errNoColumn
	}
	if s.Total < 1 || id < 0 || id >= s.Total {
		return "", nil, fmt.Errorf("partition %d out of range [0, %d)", id, s.Total)
	}
	if s.Empty {
		return "FALSE", nil, nil
	}

	var (
		where string
		args  []any
	)
	switch s.Mode {
	case model.KeyModeRange:
		r, err := RangeFor(s.Min, s.Max, s.Total, id)
		if err != nil {
			return "", nil, err
		}
		where = fmt.Sprintf("%s BETWEEN $1 AND $2", column)
		args = []any{r.Lo, r.Hi}
	case model.KeyModeHash:
		// The double mod keeps residues non-negative for negative hashes.
		where = fmt.Sprintf("mod(mod(hashtext(%s::text)::bigint, $1) + $1, $1) = $2", column)
		args = []any{int64(s.Total), int64(id)}
	default:
		return "", nil, fmt.Errorf("unknown key mode %q", s.Mode)
	}

	if s.After != nil {
		where += fmt.Sprintf(" AND %s > $%d", column, len(args)+1)
		args = append(args, *s.After)
	}
	return where, args, nil
}

// HashResidue mirrors the SQL residue computation for a precomputed 32-bit
// hash, so callers and tests can reason about assignments in Go.
func HashResidue(hash int32, total int) int {
	n := int64(total)
	return int(((int64(hash) % n) + n) % n)
}
