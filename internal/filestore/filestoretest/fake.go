// Package filestoretest provides an in-memory filestore.Store for tests of
// the layers above the backends.
package filestoretest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
)

// Store is an in-memory filestore.Store that records every call.
type Store struct {
	// Name distinguishes stores in replacement tests.
	Name string

	// FailWith, when set for a method name ("CreateBucket", "PutObject", …),
	// is returned instead of performing the call.
	FailWith map[string]error

	mu      sync.Mutex
	buckets map[string]map[string][]byte
	calls   map[string]int
	closed  bool
}

// New returns an empty fake store.
func New(name string) *Store {
	return &Store{
		Name:     name,
		FailWith: map[string]error{},
		buckets:  map[string]map[string][]byte{},
		calls:    map[string]int{},
	}
}

// AddObject seeds key into bucket, creating the bucket when needed.
func (s *Store) AddObject(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buckets[bucket] == nil {
		s.buckets[bucket] = map[string][]byte{}
	}
	s.buckets[bucket][key] = append([]byte(nil), data...)
}

// Object returns the stored bytes of key.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.buckets[bucket][key]
	return data, ok
}

// HasBucket reports whether bucket exists.
func (s *Store) HasBucket(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[bucket]
	return ok
}

// Calls returns how often method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TotalCalls returns the number of backend calls of any kind, Close excluded.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for m, c := range s.calls {
		if m != "Close" {
			n += c
		}
	}
	return n
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) enter(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.FailWith[method]
}

func notFound(msg string) error {
	return errs.New(errs.ErrKindNotFound, msg)
}

// --- filestore.Store implementation ---

func (s *Store) Provider() filestore.Provider { return filestore.ProviderS3 }

func (s *Store) CreateBucket(_ context.Context, bucket string) error {
	if err := s.enter("CreateBucket"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; ok {
		return errs.New(errs.ErrKindOperationFailed, "failed to create bucket "+bucket+": BucketAlreadyOwnedByYou")
	}
	s.buckets[bucket] = map[string][]byte{}
	return nil
}

func (s *Store) DeleteBucket(_ context.Context, bucket string) error {
	if err := s.enter("DeleteBucket"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return notFound("failed to delete bucket " + bucket + ": NoSuchBucket")
	}
	if len(objects) > 0 {
		return errs.New(errs.ErrKindOperationFailed, "failed to delete bucket "+bucket+": BucketNotEmpty")
	}
	delete(s.buckets, bucket)
	return nil
}

func (s *Store) ListObjects(_ context.Context, bucket string, opts filestore.ListOptions) (*filestore.ObjectPage, error) {
	if err := s.enter("ListObjects"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, notFound("failed to list objects in " + bucket + ": NoSuchBucket")
	}

	keys := make([]string, 0, len(objects))
	for k := range objects {
		if k > opts.Marker && strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := &filestore.ObjectPage{}
	if limit := opts.PageSize(); len(keys) > limit {
		keys = keys[:limit]
		page.NextMarker = keys[limit-1]
	}
	for _, k := range keys {
		page.Objects = append(page.Objects, filestore.ObjectInfo{
			Key:          k,
			Size:         int64(len(objects[k])),
			LastModified: time.Unix(0, 0).UTC(),
			IsDir:        strings.HasSuffix(k, "/"),
		})
	}
	return page, nil
}

func (s *Store) StatObject(_ context.Context, bucket, key string) (*filestore.ObjectInfo, error) {
	if err := s.enter("StatObject"); err != nil {
		return nil, err
	}
	data, ok := s.Object(bucket, key)
	if !ok {
		return nil, notFound("failed to stat object " + key)
	}
	return &filestore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *Store) GetObject(_ context.Context, bucket, key string) (filestore.Object, error) {
	if err := s.enter("GetObject"); err != nil {
		return nil, err
	}
	data, ok := s.Object(bucket, key)
	if !ok {
		return nil, notFound("failed to get object " + key)
	}
	return &object{Reader: bytes.NewReader(data), info: &filestore.ObjectInfo{Key: key, Size: int64(len(data))}}, nil
}

func (s *Store) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := s.enter("PutObject"); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return errs.Wrap(errs.ErrKindOperationFailed, "failed to read body", err)
	}
	if int64(len(data)) != size {
		return errs.Newf(errs.ErrKindInvalidInput, "body is %d bytes, declared %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return notFound("failed to put object " + key + ": NoSuchBucket")
	}
	objects[key] = data
	return nil
}

func (s *Store) DeleteObject(_ context.Context, bucket, key string) error {
	if err := s.enter("DeleteObject"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	objects, ok := s.buckets[bucket]
	if !ok {
		return notFound("failed to delete object " + key + ": NoSuchBucket")
	}
	delete(objects, key)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Close"]++
	s.closed = true
	return nil
}

type object struct {
	*bytes.Reader
	info *filestore.ObjectInfo
}

func (o *object) Close() error                 { return nil }
func (o *object) Info() *filestore.ObjectInfo { return o.info }
