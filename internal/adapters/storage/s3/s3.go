// Package s3 stores artifacts in an S3-compatible bucket through minio-go.
package s3

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"renderq/internal/pkg/errors"
	"renderq/internal/ports"
)

// Config describes the bucket connection.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Prefix is prepended to every object key.
	Prefix string
}

// Store implements ports.ArtifactStore.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New connects a minio client for cfg.
func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3.new", "failed to create s3 client")
	}
	return NewStore(client, cfg.Bucket, cfg.Prefix), nil
}

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) Provider() string { return "s3" }

func (s *Store) key(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return path.Join(s.prefix, objectKey)
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "s3.ensure_bucket", "failed to check bucket")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return errors.Wrap(err, "s3.ensure_bucket", "failed to create bucket")
	}
	return nil
}

func (s *Store) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	size := in.Size
	if size <= 0 {
		size = -1
	}
	info, err := s.client.PutObject(ctx, s.bucket, s.key(in.ObjectKey), in.Reader, size, minio.PutObjectOptions{
		ContentType: in.ContentType,
	})
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "s3.put", "failed to upload object")
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: info.Size}, nil
}

func (s *Store) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	key := s.key(objectKey)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if notFound(err) {
			return nil, "", 0, ports.ErrObjectNotFound.WithField("object_key", objectKey)
		}
		return nil, "", 0, errors.Wrap(err, "s3.get", "failed to stat object")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, errors.Wrap(err, "s3.get", "failed to read object")
	}
	return obj, info.ContentType, info.Size, nil
}

func (s *Store) DeleteObject(ctx context.Context, objectKey string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(objectKey), minio.RemoveObjectOptions{})
	if err != nil && !notFound(err) {
		return errors.Wrap(err, "s3.delete", "failed to delete object")
	}
	return nil
}

func (s *Store) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.key(objectKey), expiresIn, url.Values{})
	if err != nil {
		return ports.SignedURLOutput{}, errors.Wrap(err, "s3.presign", "failed to presign object")
	}
	return ports.SignedURLOutput{URL: u.String(), ExpiresAt: time.Now().UTC().Add(expiresIn)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "s3.ping", "bucket not reachable")
	}
	if !ok {
		return errors.Newf(errors.CodeUnavailable, "bucket %s does not exist", s.bucket)
	}
	return nil
}

func notFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
