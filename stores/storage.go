package stores

import (
	"context"
	"fmt"

	"drawsync/config"
	"drawsync/core"
	"drawsync/stores/aws"
	"drawsync/stores/filesystem"
	"drawsync/stores/memory"
	"drawsync/stores/postgres"
	"drawsync/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// New opens the drawing store selected by cfg.StorageType. The returned
// closer releases backend resources and is never nil.
func New(ctx context.Context, cfg *config.Config) (core.DrawingStore, func(), error) {
	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}
	noop := func() {}

	var (
		store  core.DrawingStore
		closer = noop
	)
	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		s, err := filesystem.NewStore(cfg.LocalStoragePath)
		if err != nil {
			return nil, noop, err
		}
		store = s
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		s, err := sqlite.NewStore(cfg.DataSourceName)
		if err != nil {
			return nil, noop, err
		}
		store, closer = s, func() { s.Close() }
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		s, err := postgres.NewStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, noop, err
		}
		store, closer = s, s.Close
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		s, err := aws.NewStore(ctx, cfg.S3BucketName)
		if err != nil {
			return nil, noop, err
		}
		store = s
	case "memory", "":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, noop, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, closer, nil
}
