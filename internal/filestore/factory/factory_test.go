package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore"
)

func isolateAWSEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
}

func TestBuild(t *testing.T) {
	isolateAWSEnv(t)

	tests := []struct {
		name     string
		values   map[string]string
		provider filestore.Provider
	}{
		{"ambient credentials", map[string]string{}, filestore.ProviderS3},
		{"custom region", map[string]string{"REGION": "us-west-2"}, filestore.ProviderS3},
		{
			name: "static credentials behind a proxy",
			values: map[string]string{
				"REGION":                "eu-central-1",
				"ENDPOINT":              "https://s3.eu-central-1.amazonaws.com",
				"AWS_ACCESS_KEY":        "AKIA",
				"AWS_SECRET_ACCESS_KEY": "secret",
				"AWS_TOKEN":             "token",
				"TOKEN_VALID_FOR":       "900",
				"HTTP_PROXY":            "http://proxy.local:3128",
			},
			provider: filestore.ProviderS3,
		},
		{"minio", map[string]string{"PROVIDER": "minio", "REGION": "us-east-1", "ENDPOINT": "http://localhost:9000"}, filestore.ProviderMinIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Build(context.Background(), tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, store.Provider())
			assert.NoError(t, store.Close())
		})
	}
}

func TestBuild_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"access key without secret", map[string]string{"AWS_ACCESS_KEY": "x"}},
		{"malformed token lifetime", map[string]string{"TOKEN_VALID_FOR": "abc"}},
		{"bad proxy", map[string]string{"HTTP_PROXY": "::::"}},
		{"bad minio endpoint", map[string]string{"PROVIDER": "minio", "REGION": "r", "ENDPOINT": "gopher://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := Build(context.Background(), tt.values)
			assert.Nil(t, store)
			require.Error(t, err)
			assert.True(t, errs.IsConfigInvalid(err), "got %v", err)
		})
	}
}
