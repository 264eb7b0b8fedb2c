package objectstore

import (
	"bytes"
	"context"
	"encoding/json"

	"payout-engine/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("objectstore", fx.Provide(registerClient))

// Store writes report artifacts. A nil Store means archival is disabled.
type Store interface {
	PutJSON(ctx context.Context, key string, v any) (string, error)
}

type minioStore struct {
	client *minio.Client
	bucket string
}

func registerClient(c *config.Config) (Store, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("MINIO.ENDPOINT not set, report archival disabled")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, c.Minio.BucketName)
	if err != nil {
		zap.L().Error("failed to check if bucket exists", zap.String("bucket", c.Minio.BucketName), zap.Error(err))
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", c.Minio.BucketName))
	return &minioStore{client: client, bucket: c.Minio.BucketName}, nil
}

func (s *minioStore) PutJSON(ctx context.Context, key string, v any) (string, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}

	return info.Key, nil
}
