package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig points an S3Store at a bucket. Endpoint is only set for
// S3-compatible servers such as MinIO or LocalStack.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Store archives segments in an S3 bucket. Uploads carry a SHA-256
// checksum that S3 verifies on receipt.
type S3Store struct {
	api    *s3.Client
	bucket string
	prefix string
}

// NewS3Store resolves credentials through the default AWS chain.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &S3Store{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) object(key string) (*string, error) {
	name, err := objectName(s.prefix, key)
	if err != nil {
		return nil, err
	}
	return aws.String(name), nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	obj, err := s.object(key)
	if err != nil {
		return "", err
	}
	if _, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               obj,
		Body:              r,
		ContentType:       aws.String(segmentContentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}); err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + *obj, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.object(key)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: obj})
	switch {
	case err == nil:
		return out.Body, nil
	case s3Missing(err):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("archive: s3 get %s: %w", key, err)
	}
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	obj, err := s.object(key)
	if err != nil {
		return false, err
	}
	_, err = s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: obj})
	switch {
	case err == nil:
		return true, nil
	case s3Missing(err):
		return false, nil
	default:
		return false, fmt.Errorf("archive: s3 head %s: %w", key, err)
	}
}

// Delete is idempotent; S3 reports success for absent keys.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	obj, err := s.object(key)
	if err != nil {
		return err
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: obj}); err != nil {
		return fmt.Errorf("archive: s3 delete %s: %w", key, err)
	}
	return nil
}

// s3Missing covers GetObject (NoSuchKey) and HeadObject (NotFound).
func s3Missing(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
