// Package media implements the optional Media Reference Store: when
// configured, it parks media bytes the Chat Transport surfaced inline in an
// S3-compatible bucket and hands back a time-limited reference URL for the
// Normalizer's media descriptor. Disabled entirely when no bucket is
// configured — callers simply don't construct a Store.
package media

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// refTTL is how long an uploaded media object's reference URL remains
// fetchable (§12: "resolves to something retrievable over the configured
// TTL"). One day comfortably outlasts a webhook consumer's own retry/delivery
// window without leaving presigned URLs valid indefinitely.
const refTTL = 24 * time.Hour

// Store uploads inline media bytes and returns a durable reference URL.
type Store interface {
	Upload(ctx context.Context, id, mimetype string, data []byte) (refURL string, err error)
}

// S3API is the subset of the S3 client S3Store needs, narrowed for mocking.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner produces a time-limited GET URL for an already-uploaded object.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the subset of *v4.PresignedHTTPRequest the Store
// reads, so Presigner can be satisfied by a test double without importing
// the signer package just for its return type.
type v4PresignedRequest struct {
	URL string
}

// S3Store implements Store using an S3-compatible object store.
type S3Store struct {
	client  S3API
	presign Presigner
	bucket  string
	prefix  string
}

// NewS3Store creates an S3Store configured from AWS defaults. An empty
// endpoint uses the standard AWS S3 endpoint; a non-empty endpoint targets
// MinIO or another S3-compatible service.
func NewS3Store(bucket, region, endpoint, prefix string) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("media: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	presignClient := s3.NewPresignClient(client)
	return NewS3StoreWithClient(client, presignAdapter{presignClient}, bucket, prefix), nil
}

// NewS3StoreWithClient creates an S3Store with injected S3API/Presigner
// implementations (for testing).
func NewS3StoreWithClient(client S3API, presign Presigner, bucket, prefix string) *S3Store {
	return &S3Store{client: client, presign: presign, bucket: bucket, prefix: prefix}
}

// Upload puts data at {prefix}{year}/{month}/{id} and returns a presigned GET
// URL valid for refTTL.
func (s *S3Store) Upload(ctx context.Context, id, mimetype string, data []byte) (string, error) {
	now := time.Now()
	key := fmt.Sprintf("%s%d/%02d/%s", s.prefix, now.Year(), now.Month(), id)

	contentType := mimetype
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("media: upload to S3: %w", err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(po *s3.PresignOptions) { po.Expires = refTTL })
	if err != nil {
		return "", fmt.Errorf("media: presign reference URL: %w", err)
	}
	return req.URL, nil
}

// presignAdapter narrows *s3.PresignClient's real return type down to
// v4PresignedRequest so Presigner stays mockable without importing the v4
// signer package.
type presignAdapter struct {
	client *s3.PresignClient
}

func (a presignAdapter) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	out, err := a.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: out.URL}, nil
}
