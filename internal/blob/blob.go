// Package blob stores binary objects by bucket and key. The memory backend
// serves tests and single-process runs; S3Store talks to AWS S3 or MinIO.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get and Delete for a missing object.
var ErrNotFound = errors.New("blob not found")

// Store is the object storage collaborator.
type Store interface {
	// Put writes body under bucket/key. Size may be -1 when unknown.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	EnsureBuckets(ctx context.Context, buckets ...string) error
}
