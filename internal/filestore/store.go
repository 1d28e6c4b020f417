// Package filestore defines the backend contract the provider talks to and
// the parsing of per-tenant link configuration.
//
// Both backends (AWS S3 via aws-sdk-go-v2, MinIO via minio-go) implement
// the Store interface. Callers depend only on this package, never on a
// specific backend package; the factory package picks one per link.
//
// Usage:
//
//	store, err := factory.Build(ctx, map[string]string{"REGION": "us-west-2"})
//	if err != nil { ... }
//	defer store.Close()
//
//	err = store.CreateBucket(ctx, "bucket-x")
package filestore

import (
	"context"
	"io"
)

// Store is the single interface all storage backends implement.
// A Store is bound to one region/credential/proxy configuration, is never
// mutated after construction and is safe for concurrent use.
type Store interface {
	// Provider reports which backend serves this store.
	Provider() Provider

	// CreateBucket creates a bucket named bucket.
	CreateBucket(ctx context.Context, bucket string) error

	// DeleteBucket deletes the (empty) bucket named bucket.
	DeleteBucket(ctx context.Context, bucket string) error

	// ListObjects returns a single page of the objects in bucket.
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (*ObjectPage, error)

	// StatObject returns metadata for the object at key inside bucket
	// without downloading its content.
	StatObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// GetObject opens a streaming handle to the object at key inside bucket.
	// The caller MUST call Object.Close() after reading.
	GetObject(ctx context.Context, bucket, key string) (Object, error)

	// PutObject writes size bytes from r to key inside bucket.
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error

	// DeleteObject removes the object at key inside bucket.
	DeleteObject(ctx context.Context, bucket, key string) error

	// Close releases idle connections held by the store. The store must
	// not be used afterwards.
	Close() error
}
