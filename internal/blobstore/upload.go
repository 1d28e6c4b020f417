package blobstore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
)

// Chunked uploads are assembled in memory and written with one PutObject
// once total_bytes have arrived. Chunks must arrive in sequence order
// starting at 0; a rejected chunk leaves the session untouched so the
// caller can resend the expected one. Sessions that see no chunk for the
// idle timeout are discarded.

type uploadKey struct {
	tenant    string
	container string
	blob      string
}

type uploadSession struct {
	mu    sync.Mutex
	id    string // for logs only
	total uint64
	next  uint64
	buf   bytes.Buffer

	lastActive time.Time // guarded by uploads.mu
}

type uploads struct {
	mu        sync.Mutex
	sessions  map[uploadKey]*uploadSession
	idle      time.Duration
	perTenant int
	now       func() time.Time
}

func newUploads(idle time.Duration, perTenant int) *uploads {
	return &uploads{
		sessions:  make(map[uploadKey]*uploadSession),
		idle:      idle,
		perTenant: perTenant,
		now:       time.Now,
	}
}

func (u *uploads) expired(sess *uploadSession, now time.Time) bool {
	return now.Sub(sess.lastActive) >= u.idle
}

// open starts a session for key, replacing any previous one. It fails when
// the tenant already has perTenant other sessions open.
func (u *uploads) open(key uploadKey, total uint64) (*uploadSession, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.now()
	if _, replacing := u.sessions[key]; !replacing {
		open := 0
		for k, sess := range u.sessions {
			if k.tenant != key.tenant {
				continue
			}
			if u.expired(sess, now) {
				delete(u.sessions, k)
				continue
			}
			open++
		}
		if open >= u.perTenant {
			return nil, errs.Newf(errs.ErrKindOperationFailed, "tenant already has %d uploads in progress", open)
		}
	}

	sess := &uploadSession{id: uuid.NewString(), total: total, lastActive: now}
	u.sessions[key] = sess
	return sess, nil
}

// get returns the live session for key and marks it active.
func (u *uploads) get(key uploadKey) (*uploadSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sess, ok := u.sessions[key]
	if !ok {
		return nil, false
	}
	now := u.now()
	if u.expired(sess, now) {
		delete(u.sessions, key)
		return nil, false
	}
	sess.lastActive = now
	return sess, true
}

// finish removes key only if it still maps to sess; a newer start_upload
// for the same blob may have replaced it.
func (u *uploads) finish(key uploadKey, sess *uploadSession) {
	u.mu.Lock()
	if u.sessions[key] == sess {
		delete(u.sessions, key)
	}
	u.mu.Unlock()
}

// sweep drops expired sessions and returns how many went, per tenant.
func (u *uploads) sweep() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	var dropped map[string]int
	for key, sess := range u.sessions {
		if !u.expired(sess, now) {
			continue
		}
		delete(u.sessions, key)
		if dropped == nil {
			dropped = make(map[string]int)
		}
		dropped[key.tenant]++
	}
	return dropped
}

func (u *uploads) dropTenant(tenant string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for key := range u.sessions {
		if key.tenant == tenant {
			delete(u.sessions, key)
			n++
		}
	}
	return n
}

func (u *uploads) clear() {
	u.mu.Lock()
	u.sessions = make(map[uploadKey]*uploadSession)
	u.mu.Unlock()
}

func (u *uploads) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

// sweepUploads expires idle sessions until the service is closed.
func (s *Service) sweepUploads() {
	defer s.sweeper.Done()
	ticker := time.NewTicker(max(s.opts.UploadIdleTimeout/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for tenantID, n := range s.uploads.sweep() {
				s.log.Tenant(tenantID).Infof("expired %d idle uploads", n)
			}
		}
	}
}

func validateChunk(chunk FileChunk) error {
	if err := requireID("container id", chunk.Container.ID); err != nil {
		return err
	}
	return requireID("blob id", chunk.ID)
}

// StartUpload opens an upload session for chunk.Container/chunk.ID,
// discarding any unfinished session for the same blob. A chunk carrying
// bytes is applied as sequence 0; an empty one only opens the session.
func (s *Service) StartUpload(ctx context.Context, chunk FileChunk) (Result, error) {
	tenantID, store, err := s.resolve(ctx)
	if err == nil {
		err = validateChunk(chunk)
	}
	if err == nil && chunk.TotalBytes > s.opts.MaxUploadBytes {
		err = errs.Newf(errs.ErrKindInvalidInput, "total_bytes %d exceeds the %d byte upload limit", chunk.TotalBytes, s.opts.MaxUploadBytes)
	}
	if err != nil {
		return s.settle(OpStartUpload, tenantID, err)
	}

	key := uploadKey{tenant: tenantID, container: chunk.Container.ID, blob: chunk.ID}
	sess, err := s.uploads.open(key, chunk.TotalBytes)
	if err != nil {
		return s.settle(OpStartUpload, tenantID, err)
	}
	// An unlink racing this call may have run ForgetTenant before open.
	if cur, ok := s.clients.Get(tenantID); !ok || cur != store {
		s.uploads.finish(key, sess)
		return s.settle(OpStartUpload, tenantID, errs.UnlinkedTenant(tenantID))
	}
	s.log.Tenant(tenantID).With().
		Str("upload_id", sess.id).
		Str("container", key.container).
		Str("blob", key.blob).
		Logger().Debugf("upload started, %d bytes expected", chunk.TotalBytes)

	if len(chunk.ChunkBytes) == 0 && chunk.TotalBytes > 0 {
		return success(), nil
	}
	return s.settle(OpStartUpload, tenantID, s.apply(ctx, store, key, sess, chunk))
}

// UploadChunk appends chunk to the blob's open session.
func (s *Service) UploadChunk(ctx context.Context, chunk FileChunk) (Result, error) {
	tenantID, store, err := s.resolve(ctx)
	if err == nil {
		err = validateChunk(chunk)
	}
	if err != nil {
		return s.settle(OpUploadChunk, tenantID, err)
	}

	key := uploadKey{tenant: tenantID, container: chunk.Container.ID, blob: chunk.ID}
	sess, ok := s.uploads.get(key)
	if !ok {
		return s.settle(OpUploadChunk, tenantID, errs.Newf(errs.ErrKindInvalidInput,
			"no upload in progress for %s/%s", key.container, key.blob))
	}
	return s.settle(OpUploadChunk, tenantID, s.apply(ctx, store, key, sess, chunk))
}

// apply appends chunk to sess and writes the object once it is complete.
func (s *Service) apply(ctx context.Context, store filestore.Store, key uploadKey, sess *uploadSession, chunk FileChunk) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if chunk.SequenceNo != sess.next {
		return errs.Newf(errs.ErrKindInvalidInput, "out of order chunk %d, expected %d", chunk.SequenceNo, sess.next)
	}
	received := uint64(sess.buf.Len())
	if received+uint64(len(chunk.ChunkBytes)) > sess.total {
		return errs.Newf(errs.ErrKindInvalidInput, "chunk %d overruns total_bytes %d", chunk.SequenceNo, sess.total)
	}

	sess.buf.Write(chunk.ChunkBytes)
	sess.next++
	if uint64(sess.buf.Len()) < sess.total {
		return nil
	}

	if err := store.PutObject(ctx, key.container, key.blob, bytes.NewReader(sess.buf.Bytes()), int64(sess.total)); err != nil {
		// Roll back so the final chunk can be resent.
		sess.buf.Truncate(int(received))
		sess.next--
		return err
	}
	s.uploads.finish(key, sess)
	s.log.Tenant(key.tenant).With().
		Str("upload_id", sess.id).
		Str("container", key.container).
		Str("blob", key.blob).
		Logger().Infof("upload complete, %d bytes in %d chunks", sess.total, sess.next)
	return nil
}
