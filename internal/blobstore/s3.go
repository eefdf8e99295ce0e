package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/document-vault/internal/config"
)

// S3Store keeps blobs in one bucket of an S3-compatible service.
type S3Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	prefix     string
	timeout    time.Duration
	defaultTTL time.Duration
	now        func() time.Time
}

// NewS3Store builds the SDK client from cfg. optFns are applied last and let
// callers tune retries or transport.
func NewS3Store(ctx context.Context, cfg config.BlobConfig, optFns ...func(*s3.Options)) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blobstore: bucket is required")
	}
	resolved, err := ResolveEndpoint(cfg.Provider, cfg.Endpoint, cfg.Region, cfg.UsePathStyle)
	if err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(resolved.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to load AWS config: %w", err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = resolved.PathStyle
			if resolved.Endpoint != "" {
				o.BaseEndpoint = aws.String(resolved.Endpoint)
			}
			// Several S3-compatible services reject the SDK's default
			// trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		},
	}
	opts = append(opts, optFns...)
	client := s3.NewFromConfig(awsCfg, opts...)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		timeout:    timeout,
		defaultTTL: ClampTTL(cfg.RetrievalURLTTL, MaxRetrievalTTL, MaxRetrievalTTL),
		now:        time.Now,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, hint Hint, data []byte) (Ref, error) {
	key, err := Locator(s.prefix, hint)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", classify(ctx, ErrUploadFailed, "put", s.bucket, key, err)
	}
	return Ref(key), nil
}

func (s *S3Store) Download(ctx context.Context, ref Ref) ([]byte, error) {
	key, err := checkRef(s.prefix, ref)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(ctx, ErrDownloadFailed, "get", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, classify(ctx, ErrDownloadFailed, "read", s.bucket, key, err)
	}
	return data, nil
}

// IssueRetrievalURL presigns a GET for ref. The signature embeds the expiry,
// so the URL cannot outlive ttl.
func (s *S3Store) IssueRetrievalURL(ctx context.Context, ref Ref, ttl time.Duration) (RetrievalURL, error) {
	key, err := checkRef(s.prefix, ref)
	if err != nil {
		return RetrievalURL{}, err
	}
	ttl = ClampTTL(ttl, s.defaultTTL, MaxRetrievalTTL)
	issued := s.now()

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return RetrievalURL{}, fmt.Errorf("%w: presign %s/%s: %v", ErrURLFailed, s.bucket, key, err)
	}
	return RetrievalURL{URL: req.URL, ExpiresAt: issued.Add(ttl)}, nil
}

func (s *S3Store) Delete(ctx context.Context, ref Ref) error {
	key, err := checkRef(s.prefix, ref)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	err = classify(ctx, ErrDeleteFailed, "delete", s.bucket, key, err)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// HealthCheck confirms the bucket exists and is reachable.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return classify(ctx, ErrDownloadFailed, "head bucket", s.bucket, "", err)
	}
	return nil
}

func classify(ctx context.Context, fallback error, op, bucket, key string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s %s/%s: %w", fallback, op, bucket, key, transientError{ctx.Err()})
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "RequestTimeTooSkewed":
			return fmt.Errorf("%w: %s %s/%s: %w", fallback, op, bucket, key, transientError{err})
		}
		return fmt.Errorf("%w: %s %s/%s: %v", fallback, op, bucket, key, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s %s/%s: %w", fallback, op, bucket, key, transientError{err})
	}
	return fmt.Errorf("%w: %s %s/%s: %v", fallback, op, bucket, key, err)
}
