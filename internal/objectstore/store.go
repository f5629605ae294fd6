package objectstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const pathScheme = "s3://"

// Object describes one listed object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store abstracts the object-store operations used by both pipeline phases.
type Store interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// FormatPath renders a bucket/key pair as "s3://bucket/key".
func FormatPath(bucket, key string) string {
	return pathScheme + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParsePath splits "s3://bucket/key" (scheme optional) into bucket and key.
func ParsePath(path string) (string, string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(path), pathScheme)
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", wrapError(CodeObjectNotFound, false, fmt.Errorf("invalid object path %q", path))
	}
	return bucket, key, nil
}

// EnsureBucket fails when the bucket is missing.
func EnsureBucket(ctx context.Context, store Store, bucket string) error {
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket %s does not exist", bucket))
	}
	return nil
}
