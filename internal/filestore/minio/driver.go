// Package minio provides a MinIO implementation of filestore.Store for
// S3-compatible servers. Links select it with PROVIDER=minio.
//
// Usage:
//
//	cfg, err := filestore.ParseConfig(map[string]string{
//	    "PROVIDER": "minio",
//	    "REGION":   "us-east-1",
//	    "ENDPOINT": "http://localhost:9000",
//	    "AWS_ACCESS_KEY": "minioadmin",
//	    "AWS_SECRET_ACCESS_KEY": "minioadmin",
//	})
//	store, err := minio.New(cfg)
//	if err != nil { ... }
//	defer store.Close()
package minio

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// defaultEndpoint is used when the link names no ENDPOINT.
const defaultEndpoint = "s3.amazonaws.com"

// Driver is a MinIO implementation of filestore.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client    *miniogo.Client
	transport *http.Transport
	region    string
	expires   time.Time // zero when the credentials never expire locally
}

// New builds a Driver from cfg. No request is sent to the backend.
func New(cfg *filestore.Config) (*Driver, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	tr, err := miniogo.DefaultTransport(secure)
	if err != nil {
		return nil, errs.Config("failed to build minio transport", err)
	}
	cfg.ConfigureTransport(tr)

	return newDriver(cfg, host, secure, tr)
}

func newDriver(cfg *filestore.Config, host string, secure bool, tr *http.Transport) (*Driver, error) {
	var creds *credentials.Credentials
	var expires time.Time
	if c := cfg.Credentials; c != nil {
		creds = credentials.NewStaticV4(c.AccessKey, c.SecretKey, c.SessionToken)
		if c.ValidFor > 0 {
			expires = time.Now().Add(c.ValidFor)
		}
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: tr}},
		})
	}

	lookup := miniogo.BucketLookupAuto
	if cfg.ForcePathStyle {
		lookup = miniogo.BucketLookupPath
	}

	client, err := miniogo.New(host, &miniogo.Options{
		Creds:        creds,
		Secure:       secure,
		Region:       cfg.Region,
		Transport:    tr,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, errs.Config("failed to create minio client", err)
	}

	region := cfg.Region
	if region == "" {
		region = filestore.DefaultRegion
	}
	return &Driver{client: client, transport: tr, region: region, expires: expires}, nil
}

// splitEndpoint turns ENDPOINT into the host:port form minio-go expects.
// A scheme, when present, decides TLS; a bare host uses TLS.
func splitEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return defaultEndpoint, true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return strings.TrimSuffix(endpoint, "/"), true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, errs.Config("invalid "+filestore.KeyEndpoint, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false, errs.Config(filestore.KeyEndpoint+" must be host[:port] or an http(s) URL", nil)
	}
	return u.Host, u.Scheme == "https", nil
}

// checkCredentials fails fast once the link's TOKEN_VALID_FOR has elapsed.
func (d *Driver) checkCredentials() error {
	if !d.expires.IsZero() && time.Now().After(d.expires) {
		return errs.New(errs.ErrKindPermissionDenied, "link credentials expired")
	}
	return nil
}

// --- filestore.Store implementation ---

// Provider reports filestore.ProviderMinIO.
func (d *Driver) Provider() filestore.Provider {
	return filestore.ProviderMinIO
}

// CreateBucket creates bucket in the driver's region.
func (d *Driver) CreateBucket(ctx context.Context, bucket string) error {
	if err := d.checkCredentials(); err != nil {
		return err
	}
	if err := d.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{Region: d.region}); err != nil {
		return mapError(err, "failed to create bucket "+bucket)
	}
	return nil
}

// DeleteBucket deletes bucket.
func (d *Driver) DeleteBucket(ctx context.Context, bucket string) error {
	if err := d.checkCredentials(); err != nil {
		return err
	}
	if err := d.client.RemoveBucket(ctx, bucket); err != nil {
		return mapError(err, "failed to delete bucket "+bucket)
	}
	return nil
}

// ListObjects returns one page of objects. minio-go paginates internally,
// so the page is cut from its stream and the stream is cancelled.
func (d *Driver) ListObjects(ctx context.Context, bucket string, opts filestore.ListOptions) (*filestore.ObjectPage, error) {
	if err := d.checkCredentials(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := opts.PageSize()
	listOpts := miniogo.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  true,
		StartAfter: opts.Marker,
	}

	page := &filestore.ObjectPage{}
	for obj := range d.client.ListObjects(ctx, bucket, listOpts) {
		if obj.Err != nil {
			return nil, mapError(obj.Err, "failed to list objects in "+bucket)
		}
		if len(page.Objects) == limit {
			// There is at least one more object past this page.
			page.NextMarker = page.Objects[limit-1].Key
			break
		}
		page.Objects = append(page.Objects, filestore.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
			IsDir:        strings.HasSuffix(obj.Key, "/"),
		})
	}

	return page, nil
}

// StatObject returns metadata for the object at key inside bucket
// without downloading its content.
func (d *Driver) StatObject(ctx context.Context, bucket, key string) (*filestore.ObjectInfo, error) {
	if err := d.checkCredentials(); err != nil {
		return nil, err
	}
	stat, err := d.client.StatObject(ctx, bucket, key, miniogo.StatObjectOptions{})
	if err != nil {
		return nil, mapError(err, "failed to stat object "+key)
	}

	return &filestore.ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		ETag:         stat.ETag,
		LastModified: stat.LastModified,
	}, nil
}

// GetObject opens a streaming handle to the object at key inside bucket.
// The caller MUST call Object.Close() after reading.
func (d *Driver) GetObject(ctx context.Context, bucket, key string) (filestore.Object, error) {
	if err := d.checkCredentials(); err != nil {
		return nil, err
	}
	obj, err := d.client.GetObject(ctx, bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err, "failed to get object "+key)
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, mapError(err, "failed to stat object after get "+key)
	}

	return &object{
		ReadCloser: obj,
		info: &filestore.ObjectInfo{
			Key:          key,
			Size:         stat.Size,
			ContentType:  stat.ContentType,
			ETag:         stat.ETag,
			LastModified: stat.LastModified,
		},
	}, nil
}

// PutObject uploads size bytes from r as key.
func (d *Driver) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if err := d.checkCredentials(); err != nil {
		return err
	}
	if _, err := d.client.PutObject(ctx, bucket, key, r, size, miniogo.PutObjectOptions{}); err != nil {
		return mapError(err, "failed to put object "+key)
	}
	return nil
}

// DeleteObject removes key from bucket.
func (d *Driver) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := d.checkCredentials(); err != nil {
		return err
	}
	if err := d.client.RemoveObject(ctx, bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return mapError(err, "failed to delete object "+key)
	}
	return nil
}

// Close drops idle connections held by the transport.
func (d *Driver) Close() error {
	d.transport.CloseIdleConnections()
	return nil
}

// --- internal types ---

// object wraps a MinIO GetObject response and exposes filestore.Object.
type object struct {
	io.ReadCloser
	info *filestore.ObjectInfo
}

func (o *object) Info() *filestore.ObjectInfo {
	return o.info
}
