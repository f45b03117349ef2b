package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Kind selects the archive backend.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
	KindNone Kind = "none"
)

// Config describes the archive. DataDir is used by KindFile only.
type Config struct {
	Kind     Kind
	DataDir  string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewStore builds the configured backend. KindNone yields a nil Store, which
// callers treat as "archiving disabled".
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindFile:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "audit"))
	case KindS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case KindGCS:
		return newGCSStore(ctx, cfg)
	case KindNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported audit archive %q", cfg.Kind)
	}
}
