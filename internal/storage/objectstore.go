package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/media-vault/internal/config"
	apperrors "github.com/media-vault/internal/errors"
)

// ObjectStore wraps MinIO/S3 interactions for retained artifacts
type ObjectStore struct {
	client *minio.Client
	bucket string
	region string
}

// ObjectInfo describes a stored artifact
type ObjectInfo struct {
	Key          string
	URL          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// NewObjectStore creates a MinIO client from the config
func NewObjectStore(cfg *config.ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

// EnsureBucket makes sure the artifact bucket exists before use
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Upload stores an artifact under a user-scoped key and returns its pointer
func (s *ObjectStore) Upload(ctx context.Context, userID, name string, reader io.Reader, size int64, contentType string) (*ObjectInfo, error) {
	key := fmt.Sprintf("%s/%d-%s", userID, time.Now().UnixNano(), name)

	opts := minio.PutObjectOptions{ContentType: contentType}
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, opts)
	if err != nil {
		return nil, apperrors.NewStorageError("upload", err)
	}

	return &ObjectInfo{
		Key:  key,
		URL:  fmt.Sprintf("/%s/%s", s.bucket, key),
		Size: info.Size,
	}, nil
}

// Delete removes an artifact. Deleting a missing key is not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return apperrors.NewStorageError("delete", err)
	}
	return nil
}

// Exists checks whether a key is still present
func (s *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, apperrors.NewStorageError("stat", err)
	}
	return true, nil
}

// Head returns metadata for a stored artifact
func (s *ObjectStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, apperrors.NewNotFoundError("object", key)
		}
		return nil, apperrors.NewStorageError("stat", err)
	}

	return &ObjectInfo{
		Key:          key,
		URL:          fmt.Sprintf("/%s/%s", s.bucket, key),
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}, nil
}

// PresignURL returns a signed GET URL for an artifact
func (s *ObjectStore) PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", apperrors.NewStorageError("presign", err)
	}
	return u.String(), nil
}
