package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// S3Client defines the minimal S3 interface used by the adapter.
// MinioClient is the production implementation; tests may inject doubles.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
	// StatObject returns the user metadata stored with key.
	StatObject(ctx context.Context, bucket, key string) (map[string]string, error)
	// ListObjects returns every key below prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

// S3 is the StorageAdapter backed by S3 (or S3-compatible stores).
type S3 struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3 creates an S3 adapter.  client must not be nil.  Every key is stored
// below prefix when it is non-empty.
func NewS3(client S3Client, defaultBucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 storage: client must not be nil")
	}
	if defaultBucket == "" {
		return nil, fmt.Errorf("s3 storage: bucket must not be empty")
	}
	return &S3{client: client, bucket: defaultBucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3) bucketFor(key core.StorageKey) string {
	if key.Bucket != "" {
		return key.Bucket
	}
	return s.bucket
}

func (s *S3) object(key core.StorageKey) string {
	p := strings.TrimPrefix(path.Clean("/"+key.Path), "/")
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func (s *S3) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "s3.put", err)
	}
	if err := s.client.PutObject(ctx, s.bucketFor(key), s.object(key), r, meta); err != nil {
		return apperrors.Transient("s3.put", err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "s3.get", err)
	}
	rc, err := s.client.GetObject(ctx, s.bucketFor(key), s.object(key))
	if err != nil {
		return nil, apperrors.Transient("s3.get", err)
	}
	return rc, nil
}

func (s *S3) Delete(ctx context.Context, key core.StorageKey) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "s3.delete", err)
	}
	if err := s.client.DeleteObject(ctx, s.bucketFor(key), s.object(key)); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "s3.delete", err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "s3.exists", err)
	}
	ok, err := s.client.HeadObject(ctx, s.bucketFor(key), s.object(key))
	if err != nil {
		return false, apperrors.Transient("s3.exists", err)
	}
	return ok, nil
}

func (s *S3) Meta(ctx context.Context, key core.StorageKey) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "s3.meta", err)
	}
	meta, err := s.client.StatObject(ctx, s.bucketFor(key), s.object(key))
	if err != nil {
		return nil, apperrors.Transient("s3.meta", err)
	}
	return meta, nil
}

func (s *S3) List(ctx context.Context, bucket string) ([]core.StorageKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "s3.list", err)
	}
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}
	objects, err := s.client.ListObjects(ctx, s.bucketFor(core.StorageKey{Bucket: bucket}), prefix)
	if err != nil {
		return nil, apperrors.Transient("s3.list", err)
	}
	keys := make([]core.StorageKey, 0, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		keys = append(keys, core.StorageKey{Bucket: bucket, Path: rel})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Path < keys[j].Path })
	return keys, nil
}

var _ core.StorageAdapter = (*S3)(nil)
