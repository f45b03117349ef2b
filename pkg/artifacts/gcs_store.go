//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore archives blobs in a Cloud Storage bucket using ADC credentials.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs archive requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	obj := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, strings.TrimPrefix(hash, hashPrefix)))

	// DoesNotExist turns a concurrent duplicate write into a precondition failure
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if exists, _ := s.Exists(ctx, hash); exists {
			return hash, nil
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, raw)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(objectKey(s.prefix, raw)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
