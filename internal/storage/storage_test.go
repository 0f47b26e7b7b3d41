package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/PresetStudio/internal/config"
)

func TestGenerationKeyLayout(t *testing.T) {
	key := GenerationKey("tg:42", "rec-1", 3, "image/png")

	assert.True(t, strings.HasPrefix(key, "generations/tg_42/rec-1/3-"), key)
	assert.True(t, strings.HasSuffix(key, ".png"), key)
	assert.NotEqual(t, key, GenerationKey("tg:42", "rec-1", 3, "image/png"))
}

func TestDatedKey(t *testing.T) {
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	key := datedKey("/sources/", "image/webp", now)

	assert.True(t, strings.HasPrefix(key, "sources/2026/03/07/"), key)
	assert.True(t, strings.HasSuffix(key, ".webp"), key)
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/a/b.png", PublicURL("https://cdn.example.com/", "/a/b.png"))
}

func TestExtensionFromContentType(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFromContentType("IMAGE/JPEG"))
	assert.Equal(t, ".bin", ExtensionFromContentType("application/pdf"))
}

func TestNewUploaderValidates(t *testing.T) {
	_, err := NewUploader(Config{Region: "us-east-1", AccessKey: "a", SecretKey: "b", PublicBaseURL: "https://x"})
	assert.ErrorContains(t, err, "bucket")

	_, err = NewUploader(Config{Bucket: "b", AccessKey: "a", SecretKey: "b", PublicBaseURL: "https://x"})
	assert.ErrorContains(t, err, "region")

	u, err := NewUploader(Config{Bucket: "b", Region: "us-east-1", AccessKey: "a", SecretKey: "b", PublicBaseURL: "https://x"})
	require.NoError(t, err)
	assert.Equal(t, "sources", u.cfg.Prefix)
}

func TestConfigFromSelectsEndpoint(t *testing.T) {
	cfg := config.Config{StorageBackend: config.StorageBackendMinIO, S3Endpoint: "https://s3", MinIOEndpoint: "minio:9000", S3Bucket: "b"}
	assert.Equal(t, "minio:9000", ConfigFrom(cfg).Endpoint)

	cfg.StorageBackend = config.StorageBackendS3
	assert.Equal(t, "https://s3", ConfigFrom(cfg).Endpoint)
}
