package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/chapterstream/transcoder/internal/config"
	"github.com/chapterstream/transcoder/internal/domain"
	"github.com/chapterstream/transcoder/internal/objectstore"
)

// ProvideObjectStore provides the rendition object store, selecting the
// local filesystem or S3-compatible backend per configuration.
func ProvideObjectStore(i do.Injector) (objectstore.Store, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*slog.Logger](i)

	switch domain.StorageProvider(cfg.Storage.Provider) {
	case domain.StorageS3:
		s3Store, err := objectstore.NewS3Store(context.Background(), objectstore.S3Config{
			Region:       cfg.Storage.AWSRegion,
			Bucket:       cfg.Storage.AWSBucket,
			AccessKey:    cfg.Storage.AWSAccessKey,
			SecretKey:    cfg.Storage.AWSSecretKey,
			Endpoint:     cfg.Storage.AWSEndpoint,
			UsePathStyle: cfg.Storage.AWSUsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 object store: %w", err)
		}
		log.Info("object store ready", "provider", "s3", "bucket", cfg.Storage.AWSBucket)
		return s3Store, nil
	case domain.StorageLocal:
		localStore, err := objectstore.NewLocalStore(cfg.Storage.LocalBasePath, "/objects")
		if err != nil {
			return nil, fmt.Errorf("init local object store: %w", err)
		}
		log.Info("object store ready", "provider", "local", "base_path", cfg.Storage.LocalBasePath)
		return localStore, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}
