// Package rpc routes named blobstore calls to the operation set.
//
// A method arrives either namespaced ("Blobstore.create_container") or bare
// ("create_container"). Payloads and responses are JSON documents whose
// field names follow the blobstore interface (snake_case).
package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/koustreak/blobstore-s3/internal/blobstore"
	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/logger"
)

// DefaultInterface is the namespace the router answers to.
const DefaultInterface = "Blobstore"

// Operations is the subset of *blobstore.Service the router calls.
type Operations interface {
	CreateContainer(ctx context.Context, id string) (blobstore.Container, error)
	RemoveContainer(ctx context.Context, id string) (blobstore.Result, error)
	ListObjects(ctx context.Context, containerID string) (blobstore.BlobList, error)
	RemoveObject(ctx context.Context, req blobstore.RemoveObjectRequest) (blobstore.Result, error)
	GetObjectInfo(ctx context.Context, req blobstore.GetObjectInfoRequest) (blobstore.FileBlob, error)
	StartUpload(ctx context.Context, chunk blobstore.FileChunk) (blobstore.Result, error)
	UploadChunk(ctx context.Context, chunk blobstore.FileChunk) (blobstore.Result, error)
	StartDownload(ctx context.Context, req blobstore.StartDownloadRequest) (blobstore.Result, error)
}

type handlerFunc func(ctx context.Context, payload []byte) (any, error)

// Router dispatches method names to handlers.
type Router struct {
	iface    string
	handlers map[blobstore.Operation]handlerFunc
	metrics  *Metrics
	log      *logger.Logger
}

// Options configures a Router. Zero values select the defaults.
type Options struct {
	Interface string
	Metrics   *Metrics
	Logger    *logger.Logger
}

// New returns a Router over ops.
func New(ops Operations, opts Options) *Router {
	if opts.Interface == "" {
		opts.Interface = DefaultInterface
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Router{
		iface:   opts.Interface,
		metrics: opts.Metrics,
		log:     opts.Logger,
		handlers: map[blobstore.Operation]handlerFunc{
			blobstore.OpCreateContainer: handle(ops.CreateContainer),
			blobstore.OpRemoveContainer: handle(ops.RemoveContainer),
			blobstore.OpListObjects:     handle(ops.ListObjects),
			blobstore.OpRemoveObject:    handle(ops.RemoveObject),
			blobstore.OpGetObjectInfo:   handle(ops.GetObjectInfo),
			blobstore.OpStartUpload:     handle(ops.StartUpload),
			blobstore.OpUploadChunk:     handle(ops.UploadChunk),
			blobstore.OpStartDownload:   handle(ops.StartDownload),
		},
	}
}

// Resolve maps method to the operation it names. Methods in a foreign
// namespace or naming no operation yield an unhandled-method error.
func (r *Router) Resolve(method string) (blobstore.Operation, error) {
	name := method
	if ns, op, ok := strings.Cut(method, "."); ok {
		if ns != r.iface {
			return "", errs.UnhandledMethod(method)
		}
		name = op
	}
	op := blobstore.Operation(name)
	if _, ok := r.handlers[op]; !ok {
		return "", errs.UnhandledMethod(method)
	}
	return op, nil
}

// Route decodes payload for method, runs the operation and encodes its
// response.
func (r *Router) Route(ctx context.Context, method string, payload []byte) ([]byte, error) {
	started := time.Now()
	op, err := r.Resolve(method)
	if err != nil {
		r.metrics.observe("unknown", OutcomeUnhandled, started)
		r.log.Debugf("unhandled method %q", method)
		return nil, err
	}

	resp, err := r.handlers[op](ctx, payload)
	if err != nil {
		r.metrics.observe(string(op), OutcomeError, started)
		return nil, err
	}
	outcome := OutcomeSuccess
	if res, ok := resp.(blobstore.Result); ok && !res.Success {
		outcome = OutcomeFailure
	}
	r.metrics.observe(string(op), outcome, started)

	out, err := json.Marshal(resp)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindOperationFailed, "failed to encode response", err)
	}
	return out, nil
}

// handle adapts a typed operation to the byte-level handler signature.
func handle[A, R any](fn func(context.Context, A) (R, error)) handlerFunc {
	return func(ctx context.Context, payload []byte) (any, error) {
		var arg A
		if err := json.Unmarshal(payload, &arg); err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "malformed payload", err)
		}
		return fn(ctx, arg)
	}
}
