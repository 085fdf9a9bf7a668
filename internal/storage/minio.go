package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioPresignAPI interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// MinioConfig holds the connection settings for a self-hosted object store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioSigner presigns reads against a MinIO (S3-compatible) bucket.
type MinioSigner struct {
	client minioPresignAPI
	bucket string
	ttl    time.Duration
}

func NewMinioSigner(cfg MinioConfig, ttl time.Duration) (*MinioSigner, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("storage: minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}
	return newMinioSignerWithClient(client, cfg.Bucket, ttl), nil
}

func newMinioSignerWithClient(client minioPresignAPI, bucket string, ttl time.Duration) *MinioSigner {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MinioSigner{client: client, bucket: bucket, ttl: ttl}
}

func (s *MinioSigner) SignedURL(ctx context.Context, key string) (string, error) {
	key = ObjectKey(key)
	if key == "" {
		return "", errors.New("storage: object key required")
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("storage: minio presign %s: %w", key, err)
	}
	return u.String(), nil
}
