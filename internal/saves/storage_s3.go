package saves

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"savesync/internal/logging"
)

// S3Object is the subset of *minio.Object used by S3Storage.
type S3Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the subset of *minio.Client used by S3Storage.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// minioClient adapts *minio.Client to S3Client.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Config holds configuration for S3-compatible storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string // optional folder prefix for all objects
	UseSSL    bool
}

// S3Storage implements Storage on any S3-compatible object store. PutObject
// only makes an object visible once the upload completes.
type S3Storage struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Storage connects to the configured endpoint and creates the bucket if
// it does not exist yet.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	logging.Storage.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Msg("initializing s3 storage")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	s := NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix)
	if err := s.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

// NewS3StorageWithClient builds an S3Storage around an existing client.
func NewS3StorageWithClient(client S3Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) ensureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	logging.Storage.Info().Str("bucket", s.bucket).Msg("creating bucket")
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
}

func (s *S3Storage) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Storage) Put(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	name := s.objectName(key)

	info, err := s.client.PutObject(ctx, s.bucket, name, data, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		logging.Storage.Error().Err(err).Str("key", name).Msg("upload failed")
		return 0, err
	}

	logging.Storage.Debug().Str("key", name).Int64("size", info.Size).Msg("uploaded object")
	return info.Size, nil
}

func (s *S3Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	name := s.objectName(key)

	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	name := s.objectName(key)

	err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrObjectNotFound
		}
		logging.Storage.Error().Err(err).Str("key", name).Msg("delete failed")
		return err
	}
	return nil
}
