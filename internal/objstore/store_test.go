package objstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/me/etlorch/internal/config"
)

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{ChunkKey("orders", 3, 7), "orders/3/chunk_000007.parquet"},
		{SchemaKey("orders", 0), "orders/0/schema.parquet"},
		{SuccessKey("orders", 12), "orders/12/_SUCCESS"},
		{LoadedKey("orders", 1), "orders/1/_LOADED"},
		{ManifestKey("orders"), "_manifests/orders.json"},
		{PartitionDir("orders", 2), "orders/2"},
		{TablePrefix("orders"), "orders/"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
	if strings.HasPrefix(ManifestKey("orders"), TablePrefix("orders")) {
		t.Error("manifest must live outside the table prefix")
	}
}

func TestGroupDir(t *testing.T) {
	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{"orders/0/chunk_000000.parquet", "orders/0", true},
		{"orders/0/nested/file", "orders/0", true},
		{"orders/0", "", false},
		{"orders", "", false},
		{"/0/x", "", false},
	}
	for _, tt := range tests {
		got, ok := GroupDir(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("GroupDir(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
	if BaseName("orders/0/_SUCCESS") != "_SUCCESS" || BaseName("x") != "x" {
		t.Error("BaseName")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("gs", "bucket")

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	for _, k := range []string{"b/1/x", "a/0/y", "a/0/x", "a/1/z"} {
		if err := m.Put(ctx, k, []byte(k), ""); err != nil {
			t.Fatal(err)
		}
	}
	ok, _ := m.Exists(ctx, "a/0/x")
	if !ok {
		t.Error("Exists = false")
	}
	keys, _ := m.List(ctx, "a/")
	if strings.Join(keys, ",") != "a/0/x,a/0/y,a/1/z" {
		t.Errorf("List = %v", keys)
	}
	data, err := m.Get(ctx, "a/1/z")
	if err != nil || string(data) != "a/1/z" {
		t.Errorf("Get = %q, %v", data, err)
	}
	n, _ := m.DeletePrefix(ctx, "a/0/")
	if n != 2 {
		t.Errorf("DeletePrefix = %d", n)
	}
	if err := m.Delete(ctx, "b/1/x"); err != nil {
		t.Fatal(err)
	}
	keys, _ = m.List(ctx, "")
	if len(keys) != 1 || keys[0] != "a/1/z" {
		t.Errorf("remaining = %v", keys)
	}
	if got := m.URI("a/1/z"); got != "gs://bucket/a/1/z" {
		t.Errorf("URI = %q", got)
	}
}

func TestMemoryPutCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("", "")
	buf := []byte("abc")
	_ = m.Put(ctx, "k", buf, "")
	buf[0] = 'z'
	got, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, config.StoreConfig{Backend: "memory", Bucket: "b", URIScheme: "s3"})
	if err != nil {
		t.Fatal(err)
	}
	if st.URI("k") != "s3://b/k" {
		t.Errorf("URI = %q", st.URI("k"))
	}
	if _, err := Open(ctx, config.StoreConfig{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(ctx, config.StoreConfig{Backend: "minio", Bucket: "b"}); err == nil {
		t.Error("expected error for minio without endpoint")
	}
}

func TestS3NotFoundClassification(t *testing.T) {
	if isS3NotFound(errors.New("boom")) {
		t.Error("plain error classified as not found")
	}
}
