package source

import (
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type stringer struct{}

func (stringer) String() string { return "custom" }

type failingValuer struct{}

func (failingValuer) Value() (driver.Value, error) { return nil, errors.New("boom") }

type nullValuer struct{}

func (nullValuer) Value() (driver.Value, error) { return nil, nil }

func TestText(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC)
	var num pgtype.Numeric
	if err := num.Scan("12345.678"); err != nil {
		t.Fatalf("numeric scan: %v", err)
	}
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "abc", "abc"},
		{"utf8 bytes", []byte("héllo"), "héllo"},
		{"binary bytes", []byte{0xff, 0x00, 0x10}, "ff0010"},
		{"time", ts, "2024-05-06T07:08:09.123Z"},
		{"uuid", [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}, "12345678-9abc-def0-1234-56789abcdef0"},
		{"bool", true, "true"},
		{"int32", int32(-7), "-7"},
		{"int64", int64(9007199254740993), "9007199254740993"},
		{"float64", 1.5, "1.5"},
		{"float32", float32(0.25), "0.25"},
		{"numeric", num, "12345.678"},
		{"stringer", stringer{}, "custom"},
		{"map", map[string]any{"a": 1}, `{"a":1}`},
		{"slice", []any{int32(1), "x"}, `[1,"x"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Text(tt.in)
			if got == nil {
				t.Fatalf("Text(%v) = nil", tt.in)
			}
			if *got != tt.want {
				t.Errorf("Text(%v) = %q, want %q", tt.in, *got, tt.want)
			}
		})
	}
}

func TestTextNulls(t *testing.T) {
	if Text(nil) != nil {
		t.Error("nil should stay NULL")
	}
	if Text(nullValuer{}) != nil {
		t.Error("valuer returning nil should be NULL")
	}
	var invalid pgtype.Numeric
	if Text(invalid) != nil {
		t.Error("invalid numeric should be NULL")
	}
	if got := Text(failingValuer{}); got == nil || *got == "" {
		t.Error("failing valuer should fall back to a printed value")
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct{ in, want string }{
		{"orders", `"orders"`},
		{"public.orders", `"public"."orders"`},
		{`we"ird`, `"we""ird"`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if Qualify("public", "orders") != "public.orders" || Qualify("public", "s.orders") != "s.orders" || Qualify("", "t") != "t" {
		t.Error("Qualify")
	}
}

func TestChunkQuery(t *testing.T) {
	q, args := chunkQuery(ChunkQuery{
		Table:     "public.orders",
		KeyColumn: "id",
		Where:     `"id" BETWEEN $1 AND $2`,
		Args:      []any{int64(0), int64(249)},
		Limit:     1000,
		Offset:    2000,
	})
	want := `SELECT * FROM "public"."orders" WHERE "id" BETWEEN $1 AND $2 ORDER BY "id" LIMIT $3 OFFSET $4`
	if q != want {
		t.Errorf("query = %q\nwant    %q", q, want)
	}
	if len(args) != 4 || args[2] != 1000 || args[3] != 2000 {
		t.Errorf("args = %v", args)
	}

	q, args = chunkQuery(ChunkQuery{Table: "t", KeyColumn: "k", Limit: 5})
	if q != `SELECT * FROM "t" ORDER BY "k" LIMIT $1 OFFSET $2` || len(args) != 2 {
		t.Errorf("no predicate: %q %v", q, args)
	}
}

func TestBoundsQuery(t *testing.T) {
	q, args := boundsQuery("public.orders", "id", nil)
	if q != `SELECT min("id")::bigint, max("id")::bigint FROM "public"."orders"` || args != nil {
		t.Errorf("full = %q %v", q, args)
	}
	after := int64(42)
	q, args = boundsQuery("public.orders", "id", &after)
	if q != `SELECT min("id")::bigint, max("id")::bigint FROM "public"."orders" WHERE "id" > $1` || args[0] != int64(42) {
		t.Errorf("incremental = %q %v", q, args)
	}
}

func TestIsIntegerType(t *testing.T) {
	for _, typ := range []string{"integer", "bigint", "smallint", " BIGINT "} {
		if !IsIntegerType(typ) {
			t.Errorf("%q should be integer", typ)
		}
	}
	for _, typ := range []string{"uuid", "text", "numeric(10,2)", "character varying(20)"} {
		if IsIntegerType(typ) {
			t.Errorf("%q should not be integer", typ)
		}
	}
}

func TestDeltaFraction(t *testing.T) {
	tests := []struct {
		delta, total int64
		want         float64
		stale        bool
	}{
		{delta: 0, total: 100, want: 0},
		{delta: 25, total: 100, want: 0.25},
		{delta: 100, total: 100, want: 1},
		{delta: 150, total: 100, want: 1, stale: true},
		{delta: 10, total: 0, want: 1},
	}
	for _, tt := range tests {
		got, stale := deltaFraction(tt.delta, tt.total)
		if got != tt.want || stale != tt.stale {
			t.Errorf("deltaFraction(%d, %d) = %v, %v; want %v, %v", tt.delta, tt.total, got, stale, tt.want, tt.stale)
		}
	}
}
