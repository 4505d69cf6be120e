package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
)

// ArchiveConfig configures an object-storage receipt archive.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix, e.g. "receipts/"
}

// archiveKey is <prefix><sessionId>/<selfHash>.json.
func archiveKey(prefix string, r *receipts.TrustReceipt) string {
	return prefix + r.SessionID + "/" + r.SelfHash + ".json"
}

// s3API is the subset of the S3 client the archive uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive writes receipts to S3. Objects are write-once: an existing key
// is never overwritten.
type S3Archive struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Archive creates an archive using the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads r unless an object with its key already exists.
func (a *S3Archive) Archive(ctx context.Context, r *receipts.TrustReceipt) error {
	key := archiveKey(a.prefix, r)
	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}

	body, err := r.Marshal()
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"session-id": r.SessionID,
			"tenant-id":  r.TenantID,
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// Fetch reads an archived receipt back. The stored selfHash is preserved.
func (a *S3Archive) Fetch(ctx context.Context, sessionID, selfHash string) (*receipts.TrustReceipt, error) {
	key := archiveKey(a.prefix, &receipts.TrustReceipt{SessionID: sessionID, SelfHash: selfHash})
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return receipts.FromJSON(data)
}
