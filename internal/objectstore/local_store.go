package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore persists objects on disk, one directory per bucket. It backs
// local runs and tests.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "s3pgload-store")
	}
	return &LocalStore{root: root}
}

// Root returns the directory holding the buckets.
func (s *LocalStore) Root() string { return s.root }

// CreateBucket makes the bucket directory.
func (s *LocalStore) CreateBucket(bucket string) error {
	if !validBucket(bucket) {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("invalid bucket name %q", bucket))
	}
	return os.MkdirAll(s.bucketPath(bucket), 0o755)
}

func (s *LocalStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validBucket(bucket) {
		return false, nil
	}
	info, err := os.Stat(s.bucketPath(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrapError(CodeReadFailed, true, err)
	}
	return info.IsDir(), nil
}

func (s *LocalStore) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if exists, _ := s.BucketExists(ctx, bucket); !exists {
		return nil, wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket %s does not exist", bucket))
	}

	base := s.bucketPath(bucket)
	var objects []Object
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), LastModified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, wrapError(CodeReadFailed, true, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapError(CodeObjectNotFound, false, err)
		}
		return nil, wrapError(CodeReadFailed, true, err)
	}
	return data, nil
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if exists, _ := s.BucketExists(ctx, bucket); !exists {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket %s does not exist", bucket))
	}
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapError(CodePermissionDenied, false, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return wrapError(CodeWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) bucketPath(bucket string) string {
	return filepath.Join(s.root, bucket)
}

func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	if !validBucket(bucket) {
		return "", wrapError(CodeBucketNotFound, false, fmt.Errorf("invalid bucket name %q", bucket))
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if key == "" || clean == string(filepath.Separator) {
		return "", wrapError(CodeObjectNotFound, false, fmt.Errorf("object key is required"))
	}
	return filepath.Join(s.bucketPath(bucket), clean), nil
}

func validBucket(bucket string) bool {
	return bucket != "" && bucket != "." && bucket != ".." && !strings.ContainsAny(bucket, `/\`)
}
