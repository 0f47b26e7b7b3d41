package storage

import (
	"context"
	"fmt"

	"github.com/digkill/PresetStudio/internal/config"
)

// ObjectStore is implemented by Uploader and MinIOStore.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

func ConfigFrom(cfg config.Config) Config {
	endpoint := cfg.S3Endpoint
	if cfg.StorageBackend == config.StorageBackendMinIO {
		endpoint = cfg.MinIOEndpoint
	}
	return Config{
		Endpoint:      endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		UseSSL:        cfg.MinIOUseSSL,
		Prefix:        cfg.S3Prefix,
	}
}

// New builds the backend selected by STORAGE_BACKEND.
func New(ctx context.Context, cfg config.Config) (ObjectStore, error) {
	sc := ConfigFrom(cfg)
	switch cfg.StorageBackend {
	case config.StorageBackendS3, "":
		return NewUploader(sc)
	case config.StorageBackendMinIO:
		return NewMinIOStore(ctx, sc)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}
