// Package objstore stages partition files and completion markers in a bucket.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/me/etlorch/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value blob store scoped to one bucket.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key under prefix and reports how many went.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// URI renders the fully qualified location of key for external readers.
	URI(key string) string
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "s3", "gcs":
		return NewS3(ctx, cfg)
	case "minio":
		return NewMinIO(cfg)
	case "memory":
		return NewMemory(cfg.URIScheme, cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func formatURI(scheme, bucket, key string) string {
	if scheme == "" {
		scheme = "gs"
	}
	return scheme + "://" + bucket + "/" + key
}

// Staging layout. Every partition lives under <table>/<partition>/.
const (
	SchemaFile   = "schema.parquet"
	SuccessFile  = "_SUCCESS"
	LoadedFile   = "_LOADED"
	manifestRoot = "_manifests/"
	ParquetType  = "application/octet-stream"
)

// TablePrefix is the staging prefix holding every partition of table.
func TablePrefix(table string) string {
	return table + "/"
}

// PartitionDir is the partition group "<table>/<partition>".
func PartitionDir(table string, partition int) string {
	return table + "/" + strconv.Itoa(partition)
}

// PartitionPrefix is PartitionDir with a trailing slash, for listing.
func PartitionPrefix(table string, partition int) string {
	return PartitionDir(table, partition) + "/"
}

// ChunkKey names the n-th data file of a partition.
func ChunkKey(table string, partition, n int) string {
	return fmt.Sprintf("%schunk_%06d.parquet", PartitionPrefix(table, partition), n)
}

func SchemaKey(table string, partition int) string {
	return PartitionPrefix(table, partition) + SchemaFile
}

// SuccessKey is the extraction completion marker.
func SuccessKey(table string, partition int) string {
	return PartitionPrefix(table, partition) + SuccessFile
}

// LoadedKey is the marker a load worker writes after its append commits.
func LoadedKey(table string, partition int) string {
	return PartitionPrefix(table, partition) + LoadedFile
}

// ManifestKey holds the in-flight run manifest of table. It sits outside the
// table prefix so clearing staged partitions leaves it alone.
func ManifestKey(table string) string {
	return manifestRoot + table + ".json"
}

// GroupDir returns the first two path segments of key, which identify the
// partition group a staged file belongs to. ok is false for keys with fewer
// than three segments.
func GroupDir(key string) (dir string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

// BaseName returns the last path segment of key.
func BaseName(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}
