package filestore

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/koustreak/blobstore-s3/internal/errs"
)

// Provider identifies the file storage backend.
type Provider string

const (
	ProviderS3    Provider = "s3"
	ProviderMinIO Provider = "minio"
)

// Link configuration keys. The spellings are shared with existing
// deployments and must not change.
const (
	KeyRegion          = "REGION"
	KeyEndpoint        = "ENDPOINT"
	KeyAccessKey       = "AWS_ACCESS_KEY"
	KeySecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	KeySessionToken    = "AWS_TOKEN"
	KeyTokenValidFor   = "TOKEN_VALID_FOR"
	KeyHTTPProxy       = "HTTP_PROXY"
	KeyProvider        = "PROVIDER"
	KeyForcePathStyle  = "FORCE_PATH_STYLE"
)

// DefaultRegion is used when neither the link nor the ambient SDK
// configuration names a region.
const DefaultRegion = "us-east-1"

// Config holds all settings needed to build a backend client for one tenant.
type Config struct {
	// Provider is the storage backend (ProviderS3 unless PROVIDER says otherwise).
	Provider Provider

	// Region is the custom region name. Empty means the backend's default.
	Region string

	// Endpoint overrides the public endpoint for Region.
	// Only honoured together with Region.
	Endpoint string

	// ForcePathStyle addresses buckets as path segments instead of
	// virtual hosts. Needed by most S3-compatible servers.
	ForcePathStyle bool

	// Credentials is nil when the ambient credential chain should be used.
	Credentials *StaticCredentials

	// Proxy routes every request through an HTTP(S) proxy when set.
	Proxy *url.URL
}

// StaticCredentials is an access key pair with an optional session token.
type StaticCredentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string

	// ValidFor bounds how long the credentials may be used after the link
	// was established. Zero means no local expiry.
	ValidFor time.Duration
}

// HasStaticCredentials reports whether the link supplied an access key.
// Static-credential clients never reuse idle connections.
func (c *Config) HasStaticCredentials() bool {
	return c.Credentials != nil
}

// ParseConfig validates the string map delivered with a link and returns
// the typed Config. Every failure is an errs.ErrKindConfigInvalid error.
func ParseConfig(values map[string]string) (*Config, error) {
	cfg := &Config{Provider: ProviderS3}

	if p, ok := lookup(values, KeyProvider); ok {
		switch Provider(strings.ToLower(p)) {
		case ProviderS3:
			cfg.Provider = ProviderS3
		case ProviderMinIO:
			cfg.Provider = ProviderMinIO
		default:
			return nil, errs.Config("unknown "+KeyProvider+" "+strconv.Quote(p), nil)
		}
	}

	if region, ok := lookup(values, KeyRegion); ok {
		cfg.Region = region
		cfg.Endpoint, _ = lookup(values, KeyEndpoint)
	}

	if v, ok := lookup(values, KeyForcePathStyle); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errs.Config(KeyForcePathStyle+" must be a boolean", err)
		}
		cfg.ForcePathStyle = b
	}

	creds, err := parseCredentials(values)
	if err != nil {
		return nil, err
	}
	cfg.Credentials = creds

	if raw, ok := lookup(values, KeyHTTPProxy); ok {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errs.Config("invalid "+KeyHTTPProxy, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errs.Config(KeyHTTPProxy+" must be an absolute http or https URL", nil)
		}
		cfg.Proxy = u
	}

	return cfg, nil
}

func parseCredentials(values map[string]string) (*StaticCredentials, error) {
	// TOKEN_VALID_FOR is validated even on the ambient path so that a typo
	// never silently falls through to instance credentials.
	var validFor time.Duration
	if raw, ok := lookup(values, KeyTokenValidFor); ok {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errs.Config(KeyTokenValidFor+" must be an integer number of seconds", err)
		}
		if secs <= 0 {
			return nil, errs.Config(KeyTokenValidFor+" must be positive", nil)
		}
		validFor = time.Duration(secs) * time.Second
	}

	access, hasAccess := lookup(values, KeyAccessKey)
	secret, hasSecret := lookup(values, KeySecretAccessKey)
	switch {
	case hasAccess && !hasSecret:
		return nil, errs.Config(KeyAccessKey+" requires "+KeySecretAccessKey, nil)
	case !hasAccess && hasSecret:
		return nil, errs.Config(KeySecretAccessKey+" requires "+KeyAccessKey, nil)
	case !hasAccess:
		return nil, nil
	}

	token, _ := lookup(values, KeySessionToken)
	return &StaticCredentials{
		AccessKey:    access,
		SecretKey:    secret,
		SessionToken: token,
		ValidFor:     validFor,
	}, nil
}

// lookup treats blank values as absent.
func lookup(values map[string]string, key string) (string, bool) {
	v, ok := values[key]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
