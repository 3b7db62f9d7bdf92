package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"altar/api/internal/apperr"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Bucket stores objects in any S3-compatible service through minio-go.
type S3Bucket struct {
	client *minio.Client
	bucket string
}

// NewS3Bucket connects and creates the bucket when it does not exist yet.
func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, apperr.Transient(err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, apperr.Transient(err, "create bucket %s", cfg.Bucket)
		}
	}
	return &S3Bucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Bucket) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return apperr.Transient(err, "put object %s", key)
	}
	return nil
}

func (b *S3Bucket) Get(ctx context.Context, key string) (Object, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, b.mapError(err, key)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, b.mapError(err, key)
	}
	return Object{Key: key, ContentType: info.ContentType, Size: info.Size, Body: obj}, nil
}

func (b *S3Bucket) Stat(ctx context.Context, key string) (Object, error) {
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, b.mapError(err, key)
	}
	return Object{Key: key, ContentType: info.ContentType, Size: info.Size}, nil
}

func (b *S3Bucket) Ping(ctx context.Context) error {
	if _, err := b.client.BucketExists(ctx, b.bucket); err != nil {
		return apperr.Transient(err, "ping bucket %s", b.bucket)
	}
	return nil
}

func (b *S3Bucket) mapError(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound("object %s", key)
	}
	return apperr.Transient(err, "get object %s", key)
}
