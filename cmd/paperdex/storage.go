package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/blobstore"
	"github.com/hupe1980/paperdex/blobstore/minio"
	s3store "github.com/hupe1980/paperdex/blobstore/s3"
	"github.com/hupe1980/paperdex/internal/cache"
	"github.com/hupe1980/paperdex/internal/config"
)

// stores bundles the artifact layout and the shard store.
type stores struct {
	layout *artifact.Layout
	shards blobstore.BlobStore
}

// openStores wires the configured storage. Remote shard reads go through a
// block cache so repeated header reads stay local.
func openStores(ctx context.Context, sc config.Storage, logger *slog.Logger) (*stores, error) {
	layoutOpts := []artifact.Option{artifact.WithLogger(logger)}

	var artifacts, shards blobstore.BlobStore
	var baseURI string
	switch sc.Kind {
	case config.StorageLocal:
		root, err := filepath.Abs(sc.Root)
		if err != nil {
			return nil, err
		}
		baseURI = "file://" + root
		shards = blobstore.NewLocalStore(sc.Shards)
	case config.StorageS3:
		art, err := s3store.NewStoreFromEnv(ctx, sc.Region, sc.Bucket, sc.Root)
		if err != nil {
			return nil, err
		}
		sh, err := s3store.NewStoreFromEnv(ctx, sc.Region, shardBucket(sc), sc.Shards)
		if err != nil {
			return nil, err
		}
		artifacts, shards = art, sh
		baseURI = fmt.Sprintf("s3://%s/%s", sc.Bucket, sc.Root)
	case config.StorageMinIO:
		art, err := minio.Dial(sc.Endpoint, sc.AccessKey, sc.SecretKey, sc.UseSSL, sc.Bucket, sc.Root)
		if err != nil {
			return nil, err
		}
		sh, err := minio.Dial(sc.Endpoint, sc.AccessKey, sc.SecretKey, sc.UseSSL, shardBucket(sc), sc.Shards)
		if err != nil {
			return nil, err
		}
		artifacts, shards = art, sh
		baseURI = fmt.Sprintf("minio://%s/%s/%s", sc.Endpoint, sc.Bucket, sc.Root)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", sc.Kind)
	}

	if sc.PointerTable != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(sc.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		pointer := artifact.NewDynamoPointer(dynamodb.NewFromConfig(awsCfg), sc.PointerTable, baseURI)
		layoutOpts = append(layoutOpts, artifact.WithPointer(pointer))
	}

	if artifacts == nil {
		return &stores{
			layout: artifact.NewLocalLayout(sc.Root, layoutOpts...),
			shards: shards,
		}, nil
	}

	workDir := sc.WorkDir
	if workDir == "" {
		workDir = filepath.Join(".paperdex", "work")
	}
	layoutOpts = append(layoutOpts, artifact.WithWorkDir(workDir))
	if sc.CacheBytes > 0 {
		shards = blobstore.NewCachingStore(shards, cache.NewLRU(sc.CacheBytes, nil), 0)
	}
	return &stores{
		layout: artifact.NewLayout(artifacts, layoutOpts...),
		shards: shards,
	}, nil
}

func shardBucket(sc config.Storage) string {
	if sc.ShardBucket != "" {
		return sc.ShardBucket
	}
	return sc.Bucket
}
