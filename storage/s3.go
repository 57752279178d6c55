package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-attested-wallet/interfaces"
)

// S3Config configures an S3Backend.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKey string
	SecretKey string

	// PublicRead stores objects with the public-read ACL so verifiers can
	// fetch quotes directly from the bucket.
	PublicRead bool
	// PathStyle forces path-style addressing for S3-compatible services.
	PathStyle bool
}

// S3Backend archives artifacts in Amazon S3 or a compatible service under
// {prefix}/{contentType}/{id}.
type S3Backend struct {
	client      *s3.S3
	cfg         S3Config
	log         *slog.Logger
	locationURI string
}

func NewS3Backend(cfg S3Config, log *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.PathStyle).
		WithHTTPClient(&http.Client{Timeout: 30 * time.Second})
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", cfg.Bucket, cfg.Prefix, cfg.Region)
	if cfg.Endpoint != "" {
		uri += "&endpoint=" + cfg.Endpoint
	}

	return &S3Backend{
		client:      s3.New(sess),
		cfg:         cfg,
		log:         log,
		locationURI: uri,
	}, nil
}

func (b *S3Backend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	key := b.objectKey(id, contentType)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to get artifact from S3", "bucket", b.cfg.Bucket, "key", key, "err", err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	if !interfaces.ComputeID(data).Equal(id) {
		b.log.Warn("S3 object does not match its content id", "bucket", b.cfg.Bucket, "key", key)
		return nil, interfaces.ErrContentNotFound
	}

	b.log.Debug("Fetched artifact from S3",
		"bucket", b.cfg.Bucket,
		"key", key,
		"size", len(data),
		"duration", time.Since(start))
	return data, nil
}

func (b *S3Backend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	key := b.objectKey(id, contentType)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"Content-Id":    aws.String(id.String()),
			"Artifact-Type": aws.String(contentType.String()),
		},
	}
	if b.cfg.PublicRead {
		input.ACL = aws.String(s3.ObjectCannedACLPublicRead)
	}

	if _, err := b.client.PutObjectWithContext(ctx, input); err != nil {
		return id, fmt.Errorf("failed to upload artifact to S3: %w", err)
	}

	b.log.Debug("Archived artifact to S3", "bucket", b.cfg.Bucket, "key", key, "contentID", id.String())
	return id, nil
}

func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)})
	if err != nil {
		b.log.Warn("S3 backend unavailable", "bucket", b.cfg.Bucket, "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.cfg.Bucket)
}

func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) objectKey(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.cfg.Prefix, contentType.String(), id.String())
}

func isS3NotFound(err error) bool {
	var aerr awserr.RequestFailure
	if errors.As(err, &aerr) && aerr.StatusCode() == http.StatusNotFound {
		return true
	}
	var codeErr awserr.Error
	return errors.As(err, &codeErr) && (codeErr.Code() == s3.ErrCodeNoSuchKey || codeErr.Code() == "NotFound")
}
