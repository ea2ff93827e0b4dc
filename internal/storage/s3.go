package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pesio-ai/be-ar-invoices/internal/errors"
)

// S3API is the part of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket       string
	Endpoint     string // empty for AWS, e.g. http://minio:9000 otherwise
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	KeyPrefix    string
}

// S3Store keeps documents as objects. Write-once relies on conditional
// PutObject (If-None-Match: *).
type S3Store struct {
	client    S3API
	bucket    string
	keyPrefix string
}

// NewS3Store builds a client from cfg. Static keys are used when given,
// otherwise the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "storage bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewS3StoreWithClient(client, cfg.Bucket, cfg.KeyPrefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, keyPrefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, keyPrefix: strings.Trim(keyPrefix, "/")}
}

func (s *S3Store) key(rel string) (string, error) {
	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	if s.keyPrefix == "" {
		return clean, nil
	}
	return path.Join(s.keyPrefix, clean), nil
}

// Write stores data unless the key already exists.
func (s *S3Store) Write(ctx context.Context, rel string, data []byte) error {
	key, err := s.key(rel)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/pdf"),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if isAPIError(err, "PreconditionFailed", "ConditionalRequestConflict") {
			return existErr(rel)
		}
		return errors.Storage("put", err)
	}
	return nil
}

// Read fetches the object bytes.
func (s *S3Store) Read(ctx context.Context, rel string) ([]byte, error) {
	key, err := s.key(rel)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, notExistErr(rel)
		}
		return nil, errors.Storage("get", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Storage("get", err)
	}
	return data, nil
}

// Exists issues a HEAD request.
func (s *S3Store) Exists(ctx context.Context, rel string) (bool, error) {
	key, err := s.key(rel)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Storage("head", err)
	}
	return true, nil
}

// Delete removes the object; S3 deletes of missing keys succeed.
func (s *S3Store) Delete(ctx context.Context, rel string) error {
	key, err := s.key(rel)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Storage("delete", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if stderrors.As(err, &notFound) || stderrors.As(err, &noSuchKey) {
		return true
	}
	return isAPIError(err, "NotFound", "NoSuchKey")
}

func isAPIError(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
