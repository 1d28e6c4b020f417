package blobstore

import (
	"fmt"

	"github.com/koustreak/blobstore-s3/internal/errs"
)

// Operation is the bare method name of a blobstore call.
type Operation string

const (
	OpCreateContainer Operation = "create_container"
	OpRemoveContainer Operation = "remove_container"
	OpListObjects     Operation = "list_objects"
	OpRemoveObject    Operation = "remove_object"
	OpGetObjectInfo   Operation = "get_object_info"
	OpStartUpload     Operation = "start_upload"
	OpUploadChunk     Operation = "upload_chunk"
	OpStartDownload   Operation = "start_download"
)

// ErrorShape says how an operation reports a failed request.
type ErrorShape int

const (
	// Hard failures are returned as errors and surface as RPC errors:
	// the caller's tenant or request is unusable.
	Hard ErrorShape = iota

	// Soft failures are returned as Result{Success: false}: the request
	// was rejected but the caller can keep working.
	Soft
)

func (s ErrorShape) String() string {
	if s == Soft {
		return "soft"
	}
	return "hard"
}

// errorShapes is the single place the hard/soft split is decided.
// An unlinked tenant is always a hard error regardless of shape.
var errorShapes = map[Operation]ErrorShape{
	OpCreateContainer: Hard,
	OpListObjects:     Hard,
	OpGetObjectInfo:   Hard,
	OpRemoveContainer: Soft,
	OpRemoveObject:    Soft,
	OpStartUpload:     Soft,
	OpUploadChunk:     Soft,
	OpStartDownload:   Soft,
}

// Operations returns every operation the service implements.
func Operations() []Operation {
	ops := make([]Operation, 0, len(errorShapes))
	for op := range errorShapes {
		ops = append(ops, op)
	}
	return ops
}

// ShapeOf returns the error shape declared for op. Unknown operations are Hard.
func ShapeOf(op Operation) ErrorShape {
	return errorShapes[op]
}

// annotate prefixes err with the failed operation while keeping its kind.
func annotate(op Operation, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// isSoft reports whether err from op should become a failure Result.
func isSoft(op Operation, err error) bool {
	return ShapeOf(op) == Soft && !errs.IsUnlinkedTenant(err)
}
