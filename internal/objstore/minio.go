package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/me/etlorch/internal/config"
)

// MinIOStore is the Store for self-hosted MinIO deployments.
type MinIOStore struct {
	client *minio.Client
	bucket string
	scheme string
}

func NewMinIO(cfg config.StoreConfig) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio store: bucket is required")
	}
	// minio.New wants host:port without a scheme.
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	scheme := cfg.URIScheme
	if scheme == "" {
		scheme = "s3"
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, scheme: scheme}, nil
}

func (m *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", key, err)
	}
	return nil
}

func (m *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("minio read %s: %w", key, err)
	}
	return data, nil
}

func (m *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinIONotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("minio stat %s: %w", key, err)
}

func (m *MinIOStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("minio list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (m *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isMinIONotFound(err) {
		return fmt.Errorf("minio delete %s: %w", key, err)
	}
	return nil
}

func (m *MinIOStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := m.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func (m *MinIOStore) URI(key string) string {
	return formatURI(m.scheme, m.bucket, key)
}

func isMinIONotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
