// Package blobstore implements the container/blob operations on top of a
// tenant's backend client.
//
// Every operation resolves the caller's tenant from the context and looks
// up its client before doing anything else; a caller without a live client
// gets an unlinked-tenant error and no backend call is made. How a failed
// request is reported (error vs. failure Result) is declared per operation
// in policy.go.
package blobstore

import (
	"context"
	"sync"
	"time"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
	"github.com/koustreak/blobstore-s3/internal/logger"
	"github.com/koustreak/blobstore-s3/internal/tenant"
)

const (
	// DefaultChunkSize is used for downloads that do not ask for a size.
	DefaultChunkSize = 1 << 20

	// DefaultMaxChunkSize is the largest chunk_size a download may ask for.
	DefaultMaxChunkSize = 16 << 20

	// DefaultMaxUploadBytes matches the largest single PutObject S3 accepts.
	DefaultMaxUploadBytes = 5 << 30

	// DefaultDownloadTimeout bounds one background download.
	DefaultDownloadTimeout = 10 * time.Minute

	// DefaultUploadIdleTimeout expires upload sessions nobody writes to.
	DefaultUploadIdleTimeout = 15 * time.Minute

	// DefaultMaxUploadsPerTenant caps the open upload sessions of a tenant.
	DefaultMaxUploadsPerTenant = 64
)

// Clients resolves a tenant to its backend client.
// *registry.Registry satisfies it.
type Clients interface {
	Get(tenant string) (filestore.Store, bool)
}

// ChunkSink receives downloaded chunks, in order, for a tenant.
type ChunkSink interface {
	ReceiveChunk(ctx context.Context, tenant string, chunk FileChunk) error
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	Sink                ChunkSink
	ChunkSize           uint64
	MaxChunkSize        uint64
	MaxUploadBytes      uint64
	UploadIdleTimeout   time.Duration
	MaxUploadsPerTenant int
	DownloadTimeout     time.Duration
	ListPageSize        int
	Logger              *logger.Logger
}

// Service is the blobstore operation set.
// It is safe for concurrent use by multiple goroutines.
type Service struct {
	clients Clients
	opts    Options
	log     *logger.Logger
	uploads *uploads

	// Background work (downloads, the upload sweeper) runs on ctx so Close
	// can stop it. mu orders downloads.Add against Close.
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	downloads sync.WaitGroup
	sweeper   sync.WaitGroup
}

// New returns a Service reading clients from clients.
func New(clients Clients, opts Options) *Service {
	if opts.MaxChunkSize == 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkSize > opts.MaxChunkSize {
		opts.ChunkSize = opts.MaxChunkSize
	}
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.UploadIdleTimeout <= 0 {
		opts.UploadIdleTimeout = DefaultUploadIdleTimeout
	}
	if opts.MaxUploadsPerTenant <= 0 {
		opts.MaxUploadsPerTenant = DefaultMaxUploadsPerTenant
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		clients: clients,
		opts:    opts,
		log:     opts.Logger,
		uploads: newUploads(opts.UploadIdleTimeout, opts.MaxUploadsPerTenant),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.sweeper.Add(1)
	go s.sweepUploads()
	return s
}

// resolve returns the caller's tenant and client.
func (s *Service) resolve(ctx context.Context) (string, filestore.Store, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return "", nil, errs.UnlinkedTenant("")
	}
	store, ok := s.clients.Get(id)
	if !ok {
		return id, nil, errs.UnlinkedTenant(id)
	}
	return id, store, nil
}

// settle turns err into the shape op declares.
func (s *Service) settle(op Operation, id string, err error) (Result, error) {
	if err == nil {
		return success(), nil
	}
	if isSoft(op, err) {
		s.log.Tenant(id).WarnWith("request rejected", err, map[string]interface{}{"op": string(op)})
		return failure(err), nil
	}
	return Result{}, annotate(op, err)
}

func requireID(what, id string) error {
	if id == "" {
		return errs.New(errs.ErrKindInvalidInput, what+" must not be empty")
	}
	return nil
}

// CreateContainer creates the bucket named id.
func (s *Service) CreateContainer(ctx context.Context, id string) (Container, error) {
	_, store, err := s.resolve(ctx)
	if err != nil {
		return Container{}, annotate(OpCreateContainer, err)
	}
	if err := requireID("container id", id); err != nil {
		return Container{}, annotate(OpCreateContainer, err)
	}
	if err := store.CreateBucket(ctx, id); err != nil {
		return Container{}, annotate(OpCreateContainer, err)
	}
	return Container{ID: id}, nil
}

// RemoveContainer deletes the bucket named id. A rejected removal is a
// failure Result, not an error.
func (s *Service) RemoveContainer(ctx context.Context, id string) (Result, error) {
	tenantID, store, err := s.resolve(ctx)
	if err == nil {
		err = requireID("container id", id)
	}
	if err == nil {
		err = store.DeleteBucket(ctx, id)
	}
	return s.settle(OpRemoveContainer, tenantID, err)
}

// ListObjects returns every object in the container, following backend
// pagination to the end. Virtual directory entries are skipped.
func (s *Service) ListObjects(ctx context.Context, containerID string) (BlobList, error) {
	_, store, err := s.resolve(ctx)
	if err != nil {
		return nil, annotate(OpListObjects, err)
	}
	if err := requireID("container id", containerID); err != nil {
		return nil, annotate(OpListObjects, err)
	}

	blobs := BlobList{}
	marker := ""
	for {
		page, err := store.ListObjects(ctx, containerID, filestore.ListOptions{
			Limit:  s.opts.ListPageSize,
			Marker: marker,
		})
		if err != nil {
			return nil, annotate(OpListObjects, err)
		}
		for _, obj := range page.Objects {
			if obj.IsDir {
				continue
			}
			blobs = append(blobs, FileBlob{
				ID:        obj.Key,
				Container: Container{ID: containerID},
				ByteSize:  byteSize(obj.Size),
			})
		}
		if page.NextMarker == "" || page.NextMarker == marker {
			return blobs, nil
		}
		marker = page.NextMarker
	}
}

// RemoveObject deletes one object. A rejected removal is a failure Result.
func (s *Service) RemoveObject(ctx context.Context, req RemoveObjectRequest) (Result, error) {
	tenantID, store, err := s.resolve(ctx)
	if err == nil {
		err = requireID("container id", req.ContainerID)
	}
	if err == nil {
		err = requireID("object id", req.ID)
	}
	if err == nil {
		err = store.DeleteObject(ctx, req.ContainerID, req.ID)
	}
	return s.settle(OpRemoveObject, tenantID, err)
}

// GetObjectInfo describes one object without downloading it.
func (s *Service) GetObjectInfo(ctx context.Context, req GetObjectInfoRequest) (FileBlob, error) {
	_, store, err := s.resolve(ctx)
	if err != nil {
		return FileBlob{}, annotate(OpGetObjectInfo, err)
	}
	if err := requireID("container id", req.ContainerID); err != nil {
		return FileBlob{}, annotate(OpGetObjectInfo, err)
	}
	if err := requireID("blob id", req.BlobID); err != nil {
		return FileBlob{}, annotate(OpGetObjectInfo, err)
	}

	info, err := store.StatObject(ctx, req.ContainerID, req.BlobID)
	if err != nil {
		return FileBlob{}, annotate(OpGetObjectInfo, err)
	}
	return FileBlob{
		ID:        req.BlobID,
		Container: Container{ID: req.ContainerID},
		ByteSize:  byteSize(info.Size),
	}, nil
}

// ForgetTenant drops the in-progress uploads of tenant. Called on unlink.
func (s *Service) ForgetTenant(id string) {
	if n := s.uploads.dropTenant(id); n > 0 {
		s.log.Tenant(id).Infof("discarded %d unfinished uploads", n)
	}
}

// Close stops background downloads, waits for them and drops all uploads.
// Downloads started after Close are refused.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.downloads.Wait()
	s.sweeper.Wait()
	s.uploads.clear()
}

// goBackground runs fn on a tracked goroutine unless the service is closed.
func (s *Service) goBackground(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.downloads.Add(1)
	go func() {
		defer s.downloads.Done()
		fn()
	}()
	return true
}

func byteSize(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
