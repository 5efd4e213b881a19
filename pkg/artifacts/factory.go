package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a blob storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv selects a blob store from the environment.
//
//   - BLOB_BACKEND: "fs" (default), "s3" or "gcs"
//   - fs: blobs live under dataDir/blobs
//   - s3: BLOB_S3_BUCKET (required), BLOB_S3_REGION or AWS_REGION,
//     BLOB_S3_ENDPOINT, BLOB_S3_PREFIX
//   - gcs: BLOB_GCS_BUCKET (required), BLOB_GCS_PREFIX; needs -tags gcp
func NewStoreFromEnv(ctx context.Context, dataDir string) (BlobStore, error) {
	backend := Backend(os.Getenv("BLOB_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "blobs"))
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("BLOB_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("BLOB_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "eu-central-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("BLOB_S3_ENDPOINT"),
		Prefix:   os.Getenv("BLOB_S3_PREFIX"),
	})
}
