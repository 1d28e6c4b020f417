package s3

import (
	"context"
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/koustreak/blobstore-s3/internal/errs"
)

// mapError translates an aws-sdk-go-v2 error into a *errs.Error.
// It mirrors the mapError pattern of the minio backend.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	// Errors raised by our own credential provider keep their kind.
	var own *errs.Error
	if errors.As(err, &own) {
		return errs.Wrap(own.Kind, msg, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NoSuchUpload", "NotFound":
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
		case "InvalidBucketName", "KeyTooLongError", "InvalidArgument":
			return errs.Wrap(errs.ErrKindInvalidInput, msg, err)
		case "RequestTimeout", "SlowDown":
			return errs.Wrap(errs.ErrKindTimeout, msg, err)
		}
	}

	// HEAD responses carry no body, so only the status code is known.
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return errs.Wrap(errs.ErrKindNotFound, msg, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return errs.Wrap(errs.ErrKindPermissionDenied, msg, err)
		case http.StatusBadRequest:
			return errs.Wrap(errs.ErrKindInvalidInput, msg, err)
		}
		return errs.Wrap(errs.ErrKindOperationFailed, msg, err)
	}

	if apiErr != nil {
		return errs.Wrap(errs.ErrKindOperationFailed, msg, err)
	}

	// No response at all: DNS, dial, TLS or proxy.
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}
