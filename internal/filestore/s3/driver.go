// Package s3 provides an AWS S3 implementation of filestore.Store built on
// aws-sdk-go-v2. It is the default backend for a link.
//
// Usage:
//
//	cfg, err := filestore.ParseConfig(map[string]string{"REGION": "us-west-2"})
//	if err != nil { ... }
//	store, err := s3.New(ctx, cfg)
//	if err != nil { ... }
//	defer store.Close()
package s3

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
)

// credentialSource tags credentials built from link values.
const credentialSource = "LinkDefinition"

// Driver is an S3 implementation of filestore.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	client *awss3.Client
	region string
	http   *http.Client
}

// New builds a Driver from cfg. No request is sent to the backend.
func New(ctx context.Context, cfg *filestore.Config) (*Driver, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	cfg.ConfigureTransport(tr)
	return newDriver(ctx, cfg, tr)
}

func newDriver(ctx context.Context, cfg *filestore.Config, rt http.RoundTripper) (*Driver, error) {
	httpClient := &http.Client{Transport: rt}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithDefaultRegion(filestore.DefaultRegion),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.HasStaticCredentials() {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(staticProvider(cfg.Credentials, time.Now())))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Config("failed to load aws configuration", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Driver{client: client, region: awsCfg.Region, http: httpClient}, nil
}

// staticProvider returns the link's key pair. Once ValidFor has elapsed
// since issued, retrieval fails instead of signing with stale credentials.
func staticProvider(c *filestore.StaticCredentials, issued time.Time) aws.CredentialsProvider {
	base := credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, c.SessionToken)
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		creds, err := base.Retrieve(ctx)
		if err != nil {
			return aws.Credentials{}, errs.Wrap(errs.ErrKindPermissionDenied, "invalid link credentials", err)
		}
		creds.Source = credentialSource
		if c.ValidFor > 0 {
			creds.CanExpire = true
			creds.Expires = issued.Add(c.ValidFor)
		}
		if creds.Expired() {
			return aws.Credentials{}, errs.New(errs.ErrKindPermissionDenied, "link credentials expired")
		}
		return creds, nil
	})
}

// --- filestore.Store implementation ---

// Provider reports filestore.ProviderS3.
func (d *Driver) Provider() filestore.Provider {
	return filestore.ProviderS3
}

// Region is the region the client was resolved to.
func (d *Driver) Region() string {
	return d.region
}

// CreateBucket creates bucket in the driver's region.
func (d *Driver) CreateBucket(ctx context.Context, bucket string) error {
	input := &awss3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 is the one region that rejects an explicit constraint.
	if d.region != "" && d.region != filestore.DefaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(d.region),
		}
	}
	if _, err := d.client.CreateBucket(ctx, input); err != nil {
		return mapError(err, "failed to create bucket "+bucket)
	}
	return nil
}

// DeleteBucket deletes bucket.
func (d *Driver) DeleteBucket(ctx context.Context, bucket string) error {
	if _, err := d.client.DeleteBucket(ctx, &awss3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return mapError(err, "failed to delete bucket "+bucket)
	}
	return nil
}

// ListObjects returns one ListObjectsV2 page.
func (d *Driver) ListObjects(ctx context.Context, bucket string, opts filestore.ListOptions) (*filestore.ObjectPage, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(opts.PageSize())), // PageSize never exceeds 1000
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.Marker != "" {
		input.ContinuationToken = aws.String(opts.Marker)
	}

	out, err := d.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, mapError(err, "failed to list objects in "+bucket)
	}

	page := &filestore.ObjectPage{Objects: make([]filestore.ObjectInfo, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		page.Objects = append(page.Objects, filestore.ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(obj.Size),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			LastModified: aws.ToTime(obj.LastModified),
			IsDir:        strings.HasSuffix(key, "/"),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextMarker = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// StatObject issues a HEAD request for key.
func (d *Driver) StatObject(ctx context.Context, bucket, key string) (*filestore.ObjectInfo, error) {
	out, err := d.client.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, mapError(err, "failed to stat object "+key)
	}
	return &filestore.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// GetObject opens a streaming handle to the object at key inside bucket.
// The caller MUST call Object.Close() after reading.
func (d *Driver) GetObject(ctx context.Context, bucket, key string) (filestore.Object, error) {
	out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, mapError(err, "failed to get object "+key)
	}
	return &object{
		ReadCloser: out.Body,
		info: &filestore.ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ContentType:  aws.ToString(out.ContentType),
			ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
			LastModified: aws.ToTime(out.LastModified),
		},
	}, nil
}

// PutObject uploads size bytes from r as key.
func (d *Driver) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return mapError(err, "failed to put object "+key)
	}
	return nil
}

// DeleteObject removes key from bucket. S3 reports success for keys that
// do not exist.
func (d *Driver) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return mapError(err, "failed to delete object "+key)
	}
	return nil
}

// Close drops idle connections. The SDK client itself holds nothing else.
func (d *Driver) Close() error {
	d.http.CloseIdleConnections()
	return nil
}

// --- internal types ---

// object wraps a GetObject response body and exposes filestore.Object.
type object struct {
	io.ReadCloser
	info *filestore.ObjectInfo
}

func (o *object) Info() *filestore.ObjectInfo {
	return o.info
}
