package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sifan077/goster/config"
)

// MinIO stores recordings in an S3-compatible bucket. The object key doubles
// as both the file and the message reference.
type MinIO struct {
	client *minio.Client
	bucket string

	mu          sync.Mutex
	bucketReady bool
}

// NewMinIO builds an adapter for the configured endpoint.
func NewMinIO(cfg config.MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: minio endpoint or credentials not set", ErrUnavailable)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minio client: %v", ErrUnavailable, err)
	}

	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

func (m *MinIO) Name() string { return "minio" }

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketReady {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket: %v", ErrUnavailable, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("%w: create bucket: %v", ErrUnavailable, err)
		}
	}
	m.bucketReady = true
	return nil
}

func (m *MinIO) Put(ctx context.Context, data []byte, up Upload) (Ref, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return Ref{}, err
	}

	key := path.Join("recordings", up.Filename())
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  up.ContentType,
		UserMetadata: map[string]string{"short-code": up.Code},
	})
	if err != nil {
		return Ref{}, fmt.Errorf("%w: put object: %v", ErrUploadFailed, err)
	}

	return Ref{FileRef: key, MessageRef: key}, nil
}

func (m *MinIO) Open(ctx context.Context, fileRef string) (*Object, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, fileRef, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinIO(err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, classifyMinIO(err)
	}

	return &Object{Body: obj, Size: info.Size, ContentType: info.ContentType}, nil
}

func (m *MinIO) Stat(ctx context.Context, fileRef string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, fileRef, minio.StatObjectOptions{})
	if err != nil {
		return 0, classifyMinIO(err)
	}
	return info.Size, nil
}

// Remove stats the object first because RemoveObject succeeds on missing keys.
func (m *MinIO) Remove(ctx context.Context, messageRef string) (bool, error) {
	if _, err := m.Stat(ctx, messageRef); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := m.client.RemoveObject(ctx, m.bucket, messageRef, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("remove object: %w", err)
	}
	return true, nil
}

func classifyMinIO(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound {
		return ErrObjectNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
