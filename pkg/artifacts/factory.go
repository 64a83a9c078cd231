package artifacts

import (
	"context"
	"errors"
	"fmt"
)

// ErrBackendUnavailable is returned for a backend this binary was built without.
var ErrBackendUnavailable = errors.New("blob backend not available in this build")

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFS     Backend = "fs"
	BackendS3     Backend = "s3"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend    Backend
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Prefix   string
	S3Endpoint string
	GCSBucket  string
	GCSPrefix  string
}

// Open creates the configured store. An empty backend means memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("fs backend requires a directory")
		}
		return NewFileStore(cfg.Dir)
	case BackendS3:
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{Bucket: cfg.S3Bucket, Region: region, Endpoint: cfg.S3Endpoint, Prefix: cfg.S3Prefix})
	case BackendGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs backend requires a bucket")
		}
		return openGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", cfg.Backend)
	}
}
