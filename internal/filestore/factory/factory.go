// Package factory builds a configured backend client from the string map
// delivered with a link.
package factory

import (
	"context"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
	"github.com/koustreak/blobstore-s3/internal/filestore/minio"
	"github.com/koustreak/blobstore-s3/internal/filestore/s3"
)

// Builder constructs a filestore.Store from link values.
type Builder func(ctx context.Context, values map[string]string) (filestore.Store, error)

// Build parses values and constructs the backend they select. It performs
// no network I/O; every failure is an errs.ErrKindConfigInvalid error and
// leaves nothing behind.
func Build(ctx context.Context, values map[string]string) (filestore.Store, error) {
	cfg, err := filestore.ParseConfig(values)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New constructs the backend for an already parsed Config.
func New(ctx context.Context, cfg *filestore.Config) (filestore.Store, error) {
	var (
		store filestore.Store
		err   error
	)
	switch cfg.Provider {
	case filestore.ProviderS3, "":
		store, err = s3.New(ctx, cfg)
	case filestore.ProviderMinIO:
		store, err = minio.New(cfg)
	default:
		return nil, errs.Config("unsupported provider "+string(cfg.Provider), nil)
	}
	if err != nil {
		if errs.IsConfigInvalid(err) {
			return nil, err
		}
		return nil, errs.Config("failed to construct "+string(cfg.Provider)+" client", err)
	}
	return store, nil
}
