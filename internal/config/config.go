// Package config loads the host configuration of the provider process.
//
// Example file:
//
//	server:
//	  listen: ":8080"
//	  shutdown_timeout: 15s
//	log:
//	  level: info
//	  format: json
//	rpc:
//	  interface: Blobstore
//	list:
//	  page_size: 1000
//	upload:
//	  max_bytes: 5368709120
//	  idle_timeout: 15m
//	  max_sessions_per_tenant: 64
//	download:
//	  callback_url: http://host:9000/chunks
//	  chunk_size: 1048576
//	  max_chunk_size: 16777216
//	  timeout: 10m
//	links:
//	  actor-1:
//	    REGION: us-west-2
package config

import (
	"bytes"
	"errors"
	"io"
	"net/url"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/koustreak/blobstore-s3/internal/errs"
)

// Config is the process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	RPC      RPCConfig      `yaml:"rpc"`
	List     ListConfig     `yaml:"list"`
	Upload   UploadConfig   `yaml:"upload"`
	Download DownloadConfig `yaml:"download"`

	// Links are applied at startup as if the host had sent link events.
	Links map[string]map[string]string `yaml:"links"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

type RPCConfig struct {
	Interface string `yaml:"interface"`
}

type ListConfig struct {
	// PageSize is the backend page size used while list_objects walks a
	// bucket. At most 1000.
	PageSize int `yaml:"page_size"`
}

type UploadConfig struct {
	MaxBytes uint64 `yaml:"max_bytes"`

	// IdleTimeout expires a session that received no chunk for this long.
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	MaxSessionsPerTenant int           `yaml:"max_sessions_per_tenant"`
}

type DownloadConfig struct {
	// CallbackURL receives downloaded chunks. Downloads are refused when empty.
	CallbackURL  string        `yaml:"callback_url"`
	ChunkSize    uint64        `yaml:"chunk_size"`
	MaxChunkSize uint64        `yaml:"max_chunk_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RPC: RPCConfig{
			Interface: "Blobstore",
		},
		List: ListConfig{
			PageSize: 1000,
		},
		Upload: UploadConfig{
			MaxBytes:             5 << 30,
			IdleTimeout:          15 * time.Minute,
			MaxSessionsPerTenant: 64,
		},
		Download: DownloadConfig{
			ChunkSize:    1 << 20,
			MaxChunkSize: 16 << 20,
			Timeout:      10 * time.Minute,
		},
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("failed to read config file "+path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Config("failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errs.Config("server.listen must not be empty", nil)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errs.Config("server.shutdown_timeout must be positive", nil)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errs.Config("log.level must be one of debug, info, warn, error", nil)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errs.Config("log.format must be json or console", nil)
	}
	if c.RPC.Interface == "" {
		return errs.Config("rpc.interface must not be empty", nil)
	}
	if c.List.PageSize < 1 || c.List.PageSize > 1000 {
		return errs.Config("list.page_size must be between 1 and 1000", nil)
	}
	if c.Upload.MaxBytes == 0 {
		return errs.Config("upload.max_bytes must be positive", nil)
	}
	if c.Upload.IdleTimeout <= 0 {
		return errs.Config("upload.idle_timeout must be positive", nil)
	}
	if c.Upload.MaxSessionsPerTenant < 1 {
		return errs.Config("upload.max_sessions_per_tenant must be positive", nil)
	}
	if c.Download.ChunkSize == 0 {
		return errs.Config("download.chunk_size must be positive", nil)
	}
	if c.Download.MaxChunkSize < c.Download.ChunkSize {
		return errs.Config("download.max_chunk_size must not be below download.chunk_size", nil)
	}
	if c.Download.Timeout <= 0 {
		return errs.Config("download.timeout must be positive", nil)
	}
	if c.Download.CallbackURL != "" {
		u, err := url.Parse(c.Download.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errs.Config("download.callback_url must be an absolute http(s) URL", err)
		}
	}
	for tenant := range c.Links {
		if tenant == "" {
			return errs.Config("links must not contain an empty tenant", nil)
		}
	}
	return nil
}
