package blobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
	"github.com/koustreak/blobstore-s3/internal/filestore/filestoretest"
	"github.com/koustreak/blobstore-s3/internal/registry"
	"github.com/koustreak/blobstore-s3/internal/tenant"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks []FileChunk
	tenant string
}

func (s *recordingSink) ReceiveChunk(_ context.Context, tenantID string, chunk FileChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant = tenantID
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) received() []FileChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FileChunk(nil), s.chunks...)
}

func setup(t *testing.T, opts Options) (*Service, *filestoretest.Store, context.Context) {
	t.Helper()
	reg := registry.New(nil)
	store := filestoretest.New("actor-1")
	reg.Put("actor-1", store)

	svc := New(reg, opts)
	t.Cleanup(svc.Close)
	return svc, store, tenant.WithID(context.Background(), "actor-1")
}

func TestUnlinkedTenant_NoBackendCalls(t *testing.T) {
	svc, store, _ := setup(t, Options{Sink: &recordingSink{}})
	store.AddObject("photos", "a.jpg", []byte("x"))

	for name, ctx := range map[string]context.Context{
		"unknown tenant": tenant.WithID(context.Background(), "actor-2"),
		"no tenant":      context.Background(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateContainer(ctx, "photos")
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.RemoveContainer(ctx, "photos")
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.ListObjects(ctx, "photos")
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.RemoveObject(ctx, RemoveObjectRequest{ID: "a.jpg", ContainerID: "photos"})
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.GetObjectInfo(ctx, GetObjectInfoRequest{BlobID: "a.jpg", ContainerID: "photos"})
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.StartUpload(ctx, FileChunk{Container: Container{ID: "photos"}, ID: "b", TotalBytes: 1})
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.UploadChunk(ctx, FileChunk{Container: Container{ID: "photos"}, ID: "b"})
			assert.True(t, errs.IsUnlinkedTenant(err))

			_, err = svc.StartDownload(ctx, StartDownloadRequest{BlobID: "a.jpg", ContainerID: "photos"})
			assert.True(t, errs.IsUnlinkedTenant(err))
		})
	}

	assert.Zero(t, store.TotalCalls())
}

func TestContainerLifecycle(t *testing.T) {
	svc, store, ctx := setup(t, Options{})

	c, err := svc.CreateContainer(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, Container{ID: "photos"}, c)
	assert.True(t, store.HasBucket("photos"))

	blobs, err := svc.ListObjects(ctx, "photos")
	require.NoError(t, err)
	assert.NotNil(t, blobs)
	assert.Empty(t, blobs)

	res, err := svc.RemoveContainer(ctx, "photos")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, store.HasBucket("photos"))
}

func TestCreateContainer_Existing(t *testing.T) {
	svc, _, ctx := setup(t, Options{})

	_, err := svc.CreateContainer(ctx, "photos")
	require.NoError(t, err)

	_, err = svc.CreateContainer(ctx, "photos")
	require.Error(t, err)
	assert.True(t, errs.IsOperationFailed(err))
	assert.Contains(t, err.Error(), "create_container")
}

func TestRemoveContainer_SoftFailure(t *testing.T) {
	svc, _, ctx := setup(t, Options{})

	res, err := svc.RemoveContainer(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "NoSuchBucket")
}

func TestListObjects_FollowsPagination(t *testing.T) {
	svc, store, ctx := setup(t, Options{ListPageSize: 2})
	for i := 0; i < 5; i++ {
		store.AddObject("photos", fmt.Sprintf("img-%d.jpg", i), make([]byte, i))
	}
	store.AddObject("photos", "thumbs/", nil)

	blobs, err := svc.ListObjects(ctx, "photos")
	require.NoError(t, err)
	require.Len(t, blobs, 5)
	for i, b := range blobs {
		assert.Equal(t, fmt.Sprintf("img-%d.jpg", i), b.ID)
		assert.Equal(t, "photos", b.Container.ID)
		assert.Equal(t, uint64(i), b.ByteSize)
	}
	assert.Equal(t, 3, store.Calls("ListObjects"))
}

func TestListObjects_MissingContainer(t *testing.T) {
	svc, _, ctx := setup(t, Options{})

	_, err := svc.ListObjects(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestObjectInfoAndRemove(t *testing.T) {
	svc, store, ctx := setup(t, Options{})
	store.AddObject("photos", "a.jpg", []byte("hello"))

	info, err := svc.GetObjectInfo(ctx, GetObjectInfoRequest{BlobID: "a.jpg", ContainerID: "photos"})
	require.NoError(t, err)
	assert.Equal(t, FileBlob{ID: "a.jpg", Container: Container{ID: "photos"}, ByteSize: 5}, info)

	res, err := svc.RemoveObject(ctx, RemoveObjectRequest{ID: "a.jpg", ContainerID: "photos"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = svc.GetObjectInfo(ctx, GetObjectInfoRequest{BlobID: "a.jpg", ContainerID: "photos"})
	assert.True(t, errs.IsNotFound(err))
}

func TestValidation_FollowsShape(t *testing.T) {
	svc, store, ctx := setup(t, Options{})

	_, err := svc.CreateContainer(ctx, "")
	assert.True(t, errs.IsInvalidInput(err))

	res, err := svc.RemoveObject(ctx, RemoveObjectRequest{ContainerID: "photos"})
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Zero(t, store.TotalCalls())
}

func TestUpload_InOrder(t *testing.T) {
	svc, store, ctx := setup(t, Options{})
	store.AddObject("docs", "seed", nil)
	chunk := func(seq uint64, data string) FileChunk {
		return FileChunk{SequenceNo: seq, Container: Container{ID: "docs"}, ID: "report.txt", TotalBytes: 10, ChunkBytes: []byte(data)}
	}

	res, err := svc.StartUpload(ctx, chunk(0, ""))
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.UploadChunk(ctx, chunk(0, "hello"))
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.UploadChunk(ctx, chunk(2, "world"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "out of order")

	assert.Zero(t, store.Calls("PutObject"))

	res, err = svc.UploadChunk(ctx, chunk(1, "world"))
	require.NoError(t, err)
	require.True(t, res.Success)

	data, ok := store.Object("docs", "report.txt")
	require.True(t, ok)
	assert.Equal(t, "helloworld", string(data))
	assert.Equal(t, 1, store.Calls("PutObject"))
	assert.Zero(t, svc.uploads.len())

	res, err = svc.UploadChunk(ctx, chunk(2, "!"))
	require.NoError(t, err)
	assert.False(t, res.Success, "session is closed after completion")
}

func TestUpload_SingleChunkStart(t *testing.T) {
	svc, store, ctx := setup(t, Options{})
	store.AddObject("docs", "seed", nil)

	res, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 3, ChunkBytes: []byte("abc")})
	require.NoError(t, err)
	require.True(t, res.Success)

	data, ok := store.Object("docs", "a")
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
}

func TestUpload_EmptyObject(t *testing.T) {
	svc, store, ctx := setup(t, Options{})
	store.AddObject("docs", "seed", nil)

	res, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "empty"})
	require.NoError(t, err)
	require.True(t, res.Success)

	data, ok := store.Object("docs", "empty")
	require.True(t, ok)
	assert.Empty(t, data)
}

func TestUpload_RetryAfterPutFailure(t *testing.T) {
	svc, store, ctx := setup(t, Options{})
	store.AddObject("docs", "seed", nil)
	store.FailWith["PutObject"] = errs.New(errs.ErrKindConnectionFailed, "connection reset")

	res, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4, ChunkBytes: []byte("ab")})
	require.NoError(t, err)
	require.True(t, res.Success)

	last := FileChunk{SequenceNo: 1, Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4, ChunkBytes: []byte("cd")}
	res, err = svc.UploadChunk(ctx, last)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection reset")

	delete(store.FailWith, "PutObject")
	res, err = svc.UploadChunk(ctx, last)
	require.NoError(t, err)
	require.True(t, res.Success)

	data, _ := store.Object("docs", "a")
	assert.Equal(t, "abcd", string(data))
}

func TestUpload_Limits(t *testing.T) {
	svc, store, ctx := setup(t, Options{MaxUploadBytes: 8})

	res, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "big", TotalBytes: 9})
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.UploadChunk(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4, ChunkBytes: []byte("12345")})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "overruns")

	res, err = svc.UploadChunk(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "never-started"})
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Zero(t, store.TotalCalls())
}

func TestUpload_RestartDiscardsSession(t *testing.T) {
	svc, store, ctx := setup(t, Options{})
	store.AddObject("docs", "seed", nil)
	start := FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4, ChunkBytes: []byte("xx")}

	_, err := svc.StartUpload(ctx, start)
	require.NoError(t, err)

	start.ChunkBytes = []byte("ab")
	_, err = svc.StartUpload(ctx, start)
	require.NoError(t, err)

	res, err := svc.UploadChunk(ctx, FileChunk{SequenceNo: 1, Container: Container{ID: "docs"}, ID: "a", ChunkBytes: []byte("cd")})
	require.NoError(t, err)
	require.True(t, res.Success)

	data, _ := store.Object("docs", "a")
	assert.Equal(t, "abcd", string(data))
}

func TestUploads_IdleExpiry(t *testing.T) {
	u := newUploads(time.Minute, 8)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	active := uploadKey{tenant: "actor-1", container: "docs", blob: "active"}
	idle := uploadKey{tenant: "actor-1", container: "docs", blob: "idle"}
	_, err := u.open(active, 4)
	require.NoError(t, err)
	_, err = u.open(idle, 4)
	require.NoError(t, err)

	now = now.Add(40 * time.Second)
	_, ok := u.get(active)
	require.True(t, ok, "get keeps a session alive")

	now = now.Add(40 * time.Second)
	_, ok = u.get(idle)
	assert.False(t, ok)
	assert.Equal(t, 1, u.len())

	now = now.Add(time.Minute)
	assert.Equal(t, map[string]int{"actor-1": 1}, u.sweep())
	assert.Zero(t, u.len())
	assert.Nil(t, u.sweep())
}

func TestUploads_PerTenantLimit(t *testing.T) {
	u := newUploads(time.Minute, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }
	key := func(tenant, blob string) uploadKey { return uploadKey{tenant: tenant, container: "docs", blob: blob} }

	_, err := u.open(key("actor-1", "a"), 1)
	require.NoError(t, err)
	_, err = u.open(key("actor-1", "b"), 1)
	require.NoError(t, err)

	_, err = u.open(key("actor-1", "c"), 1)
	require.Error(t, err)
	assert.True(t, errs.IsOperationFailed(err))

	_, err = u.open(key("actor-1", "a"), 1)
	assert.NoError(t, err, "restarting a blob does not count twice")
	_, err = u.open(key("actor-2", "c"), 1)
	assert.NoError(t, err, "the limit is per tenant")

	now = now.Add(time.Minute)
	_, err = u.open(key("actor-1", "c"), 1)
	assert.NoError(t, err, "expired sessions free their slot")
}

func TestUpload_AbandonedSessionExpires(t *testing.T) {
	svc, store, ctx := setup(t, Options{UploadIdleTimeout: 20 * time.Millisecond})

	res, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4, ChunkBytes: []byte("ab")})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, svc.uploads.len())

	require.Eventually(t, func() bool { return svc.uploads.len() == 0 }, 2*time.Second, 5*time.Millisecond)

	res, err = svc.UploadChunk(ctx, FileChunk{SequenceNo: 1, Container: Container{ID: "docs"}, ID: "a", ChunkBytes: []byte("cd")})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, store.Calls("PutObject"))
}

func TestUpload_TooManySessions(t *testing.T) {
	svc, _, ctx := setup(t, Options{MaxUploadsPerTenant: 1})

	res, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "b", TotalBytes: 4})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "uploads in progress")
}

// unlinkAfterFirst answers the first lookup and then reports the tenant
// as gone, as if an unlink ran while the call was in flight.
type unlinkAfterFirst struct {
	mu    sync.Mutex
	store *filestoretest.Store
	seen  bool
}

func (c *unlinkAfterFirst) Get(string) (filestore.Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen {
		return nil, false
	}
	c.seen = true
	return c.store, true
}

func TestStartUpload_UnlinkedMidCall(t *testing.T) {
	svc := New(&unlinkAfterFirst{store: filestoretest.New("actor-1")}, Options{})
	t.Cleanup(svc.Close)

	_, err := svc.StartUpload(tenant.WithID(context.Background(), "actor-1"),
		FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4})
	require.Error(t, err)
	assert.True(t, errs.IsUnlinkedTenant(err))
	assert.Zero(t, svc.uploads.len(), "no session may outlive the link")
}

func TestForgetTenant(t *testing.T) {
	svc, _, ctx := setup(t, Options{})

	_, err := svc.StartUpload(ctx, FileChunk{Container: Container{ID: "docs"}, ID: "a", TotalBytes: 4})
	require.NoError(t, err)
	require.Equal(t, 1, svc.uploads.len())

	svc.ForgetTenant("actor-2")
	assert.Equal(t, 1, svc.uploads.len())

	svc.ForgetTenant("actor-1")
	assert.Zero(t, svc.uploads.len())
}

func TestDownload_OrderedChunks(t *testing.T) {
	sink := &recordingSink{}
	svc, store, ctx := setup(t, Options{Sink: sink})
	store.AddObject("docs", "a", []byte("abcdefghij"))
	reqCtx := "req-7"

	res, err := svc.StartDownload(ctx, StartDownloadRequest{BlobID: "a", ContainerID: "docs", ChunkSize: 4, Context: &reqCtx})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool { return len(sink.received()) == 3 }, 2*time.Second, 5*time.Millisecond)

	chunks := sink.received()
	var got []byte
	for i, c := range chunks {
		assert.Equal(t, uint64(i), c.SequenceNo)
		assert.Equal(t, uint64(10), c.TotalBytes)
		assert.Equal(t, uint64(4), c.ChunkSize)
		assert.Equal(t, "docs", c.Container.ID)
		require.NotNil(t, c.Context)
		assert.Equal(t, "req-7", *c.Context)
		got = append(got, c.ChunkBytes...)
	}
	assert.Equal(t, "abcdefghij", string(got))
	assert.Equal(t, "actor-1", sink.tenant)
}

func TestDownload_EmptyObject(t *testing.T) {
	sink := &recordingSink{}
	svc, store, ctx := setup(t, Options{Sink: sink})
	store.AddObject("docs", "empty", nil)

	res, err := svc.StartDownload(ctx, StartDownloadRequest{BlobID: "empty", ContainerID: "docs"})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	c := sink.received()[0]
	assert.Zero(t, c.SequenceNo)
	assert.Empty(t, c.ChunkBytes)
	assert.Equal(t, uint64(DefaultChunkSize), c.ChunkSize)
}

func TestDownload_SoftFailures(t *testing.T) {
	svc, store, ctx := setup(t, Options{Sink: &recordingSink{}})

	res, err := svc.StartDownload(ctx, StartDownloadRequest{BlobID: "missing", ContainerID: "docs"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, store.Calls("GetObject"))

	noSink, store2, ctx2 := setup(t, Options{})
	store2.AddObject("docs", "a", []byte("x"))
	res, err = noSink.StartDownload(ctx2, StartDownloadRequest{BlobID: "a", ContainerID: "docs"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestDownload_ChunkSizeBounds(t *testing.T) {
	sink := &recordingSink{}
	svc, store, ctx := setup(t, Options{Sink: sink})
	store.AddObject("photos", "a.jpg", []byte("x"))

	for _, size := range []uint64{1 << 62, 1 << 34, DefaultMaxChunkSize + 1} {
		res, err := svc.StartDownload(ctx, StartDownloadRequest{BlobID: "a.jpg", ContainerID: "photos", ChunkSize: size})
		require.NoError(t, err)
		assert.False(t, res.Success, "chunk_size %d", size)
		assert.Contains(t, res.Error, "chunk_size")
	}
	assert.Zero(t, store.TotalCalls())

	res, err := svc.StartDownload(ctx, StartDownloadRequest{BlobID: "a.jpg", ContainerID: "photos", ChunkSize: DefaultMaxChunkSize})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	c := sink.received()[0]
	assert.Equal(t, "x", string(c.ChunkBytes))
	assert.Equal(t, uint64(1), c.ChunkSize, "chunk is no larger than the object")
}

func TestDownload_RefusedAfterClose(t *testing.T) {
	svc, store, ctx := setup(t, Options{Sink: &recordingSink{}})
	store.AddObject("docs", "a", []byte("abc"))

	svc.Close()

	res, err := svc.StartDownload(ctx, StartDownloadRequest{BlobID: "a", ContainerID: "docs"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "shutting down")
	assert.Zero(t, store.Calls("GetObject"))
}

func TestClose_StopsDownloads(t *testing.T) {
	started := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, _ string, _ FileChunk) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	reg := registry.New(nil)
	store := filestoretest.New("actor-1")
	store.AddObject("docs", "a", []byte("abcdef"))
	reg.Put("actor-1", store)
	svc := New(reg, Options{Sink: sink, ChunkSize: 2})

	res, err := svc.StartDownload(tenant.WithID(context.Background(), "actor-1"), StartDownloadRequest{BlobID: "a", ContainerID: "docs"})
	require.NoError(t, err)
	require.True(t, res.Success)
	<-started

	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the running download")
	}
}

func TestErrorShapes_CoverEveryOperation(t *testing.T) {
	ops := Operations()
	assert.Len(t, ops, 8)

	hard := map[Operation]bool{OpCreateContainer: true, OpListObjects: true, OpGetObjectInfo: true}
	for _, op := range ops {
		if hard[op] {
			assert.Equal(t, Hard, ShapeOf(op), op)
		} else {
			assert.Equal(t, Soft, ShapeOf(op), op)
		}
	}
	assert.False(t, isSoft(OpRemoveObject, errs.UnlinkedTenant("x")))
	assert.True(t, isSoft(OpRemoveObject, errs.New(errs.ErrKindNotFound, "x")))
}
