package filestore

import (
	"io"
	"time"
)

// DefaultPageSize is the page size used when ListOptions.Limit is zero.
// It is also the largest page S3 returns, so larger limits are capped to it.
const DefaultPageSize = 1000

// ObjectInfo describes a single object stored in a bucket.
type ObjectInfo struct {
	// Key is the full object path within the bucket (e.g. "images/photo.jpg").
	Key string

	// Size is the byte size of the object.
	Size int64

	// ContentType is the MIME type, when the backend reports one.
	ContentType string

	// ETag is the object's entity tag with surrounding quotes removed.
	ETag string

	// LastModified is when the object was last written.
	LastModified time.Time

	// IsDir is true when the entry represents a virtual directory (prefix),
	// not an actual stored object.
	IsDir bool
}

// Object is a streaming handle to an object's content.
// The caller MUST call Close() after reading to avoid resource leaks.
type Object interface {
	io.ReadCloser

	// Info returns the metadata for this object.
	Info() *ObjectInfo
}

// ListOptions controls a single ListObjects page.
type ListOptions struct {
	// Prefix restricts results to objects whose key starts with this string.
	Prefix string

	// Limit caps the number of results in the page. 0 or anything above
	// DefaultPageSize means DefaultPageSize.
	Limit int

	// Marker is the pagination cursor returned as NextMarker by the
	// previous page. Pass "" to start from the beginning.
	Marker string
}

// ObjectPage is one page of a bucket listing.
type ObjectPage struct {
	Objects []ObjectInfo

	// NextMarker is empty on the last page.
	NextMarker string
}

// PageSize returns the effective page size for opts.
func (o ListOptions) PageSize() int {
	if o.Limit <= 0 || o.Limit > DefaultPageSize {
		return DefaultPageSize
	}
	return o.Limit
}
