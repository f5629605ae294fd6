package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())
	if err := store.CreateBucket("staging"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}

	if err := store.PutObject(ctx, "staging", "run/a.json", []byte(`{"on":"user"}`)); err != nil {
		t.Fatalf("put object: %v", err)
	}
	data, err := store.GetObject(ctx, "staging", "run/a.json")
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if string(data) != `{"on":"user"}` {
		t.Fatalf("unexpected object body %q", data)
	}
}

func TestLocalStoreListFiltersByPrefixAndReportsModTime(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewLocalStore(root)
	if err := store.CreateBucket("source"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	for _, key := range []string{"data/b.json", "data/a.json", "other/c.json"} {
		if err := store.PutObject(ctx, "source", key, []byte("{}")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	stamp := time.Date(2022, 11, 24, 10, 30, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(root, "source", "data", "a.json"), stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	objects, err := store.ListObjects(ctx, "source", "data/")
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects under data/, got %d", len(objects))
	}
	if objects[0].Key != "data/a.json" || objects[1].Key != "data/b.json" {
		t.Fatalf("expected keys sorted, got %s, %s", objects[0].Key, objects[1].Key)
	}
	if !objects[0].LastModified.Equal(stamp) {
		t.Fatalf("expected last modified %s, got %s", stamp, objects[0].LastModified)
	}
}

func TestLocalStoreMissingBucketAndKey(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	if exists, err := store.BucketExists(ctx, "nope"); err != nil || exists {
		t.Fatalf("expected missing bucket, got exists=%v err=%v", exists, err)
	}
	if err := EnsureBucket(ctx, store, "nope"); !HasCode(err, CodeBucketNotFound) {
		t.Fatalf("expected bucket not found, got %v", err)
	}

	if err := store.CreateBucket("present"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	if _, err := store.GetObject(ctx, "present", "missing.json"); !HasCode(err, CodeObjectNotFound) {
		t.Fatalf("expected object not found, got %v", err)
	}
}

func TestParsePath(t *testing.T) {
	bucket, key, err := ParsePath("s3://staging/abc_20221124T100000Z.json")
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	if bucket != "staging" || key != "abc_20221124T100000Z.json" {
		t.Fatalf("unexpected split %q / %q", bucket, key)
	}
	if FormatPath(bucket, key) != "s3://staging/abc_20221124T100000Z.json" {
		t.Fatalf("format did not round trip: %s", FormatPath(bucket, key))
	}

	for _, bad := range []string{"", "s3://", "s3://bucket", "s3:///key"} {
		if _, _, err := ParsePath(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
