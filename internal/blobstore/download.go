package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
)

// StartDownload checks that the object exists and then streams it to the
// configured ChunkSink in the background, in sequence order. The Result only
// reports whether the download was started; delivery failures are logged
// and stop the stream.
//
// chunk_size defaults to Options.ChunkSize and may not exceed
// Options.MaxChunkSize. It is lowered to the object size for objects
// smaller than one chunk.
func (s *Service) StartDownload(ctx context.Context, req StartDownloadRequest) (Result, error) {
	tenantID, store, err := s.resolve(ctx)
	if err == nil {
		err = requireID("container id", req.ContainerID)
	}
	if err == nil {
		err = requireID("blob id", req.BlobID)
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.opts.ChunkSize
	}
	if err == nil && chunkSize > s.opts.MaxChunkSize {
		err = errs.Newf(errs.ErrKindInvalidInput, "chunk_size %d exceeds the %d byte limit", chunkSize, s.opts.MaxChunkSize)
	}
	if err == nil && s.opts.Sink == nil {
		err = errs.New(errs.ErrKindOperationFailed, "chunk delivery is not configured")
	}
	if err == nil && s.ctx.Err() != nil {
		err = errShuttingDown
	}
	var info *filestore.ObjectInfo
	if err == nil {
		info, err = store.StatObject(ctx, req.ContainerID, req.BlobID)
	}
	if err != nil {
		return s.settle(OpStartDownload, tenantID, err)
	}

	total := byteSize(info.Size)
	if total > 0 && total < chunkSize {
		chunkSize = total
	}

	log := s.log.Tenant(tenantID).With().
		Str("container", req.ContainerID).
		Str("blob", req.BlobID).
		Logger()

	started := s.goBackground(func() {
		dctx, cancel := context.WithTimeout(s.ctx, s.opts.DownloadTimeout)
		defer cancel()
		if err := s.stream(dctx, store, tenantID, req, total, chunkSize); err != nil {
			log.ErrorWith("download aborted", err, nil)
			return
		}
		log.Debug("download complete")
	})
	if !started {
		return s.settle(OpStartDownload, tenantID, errShuttingDown)
	}
	return success(), nil
}

var errShuttingDown = errs.New(errs.ErrKindOperationFailed, "service is shutting down")

func (s *Service) stream(ctx context.Context, store filestore.Store, tenantID string, req StartDownloadRequest, total, chunkSize uint64) error {
	obj, err := store.GetObject(ctx, req.ContainerID, req.BlobID)
	if err != nil {
		return err
	}
	defer obj.Close()

	buf := make([]byte, chunkSize)
	var seq uint64
	for {
		n, readErr := io.ReadFull(obj, buf)
		last := errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF)
		if readErr != nil && !last {
			return errs.Wrap(errs.ErrKindConnectionFailed, "failed to read object body", readErr)
		}
		// An empty object still produces one (empty) chunk.
		if n > 0 || seq == 0 {
			chunk := FileChunk{
				SequenceNo: seq,
				Container:  Container{ID: req.ContainerID},
				ID:         req.BlobID,
				TotalBytes: total,
				ChunkSize:  chunkSize,
				Context:    req.Context,
				ChunkBytes: append([]byte(nil), buf[:n]...),
			}
			if err := s.opts.Sink.ReceiveChunk(ctx, tenantID, chunk); err != nil {
				return errs.Wrap(errs.ErrKindOperationFailed, "chunk delivery failed", err)
			}
			seq++
		}
		if last {
			return nil
		}
	}
}

// SinkFunc adapts a function to ChunkSink.
type SinkFunc func(ctx context.Context, tenant string, chunk FileChunk) error

func (f SinkFunc) ReceiveChunk(ctx context.Context, tenant string, chunk FileChunk) error {
	return f(ctx, tenant, chunk)
}

var _ ChunkSink = SinkFunc(nil)
