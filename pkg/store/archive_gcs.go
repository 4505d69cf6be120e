//go:build gcp

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/Mindburn-Labs/sonate/pkg/receipts"
)

// GCSArchive writes receipts to Google Cloud Storage. Objects are write-once.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive creates an archive using Application Default Credentials.
func NewGCSArchive(ctx context.Context, cfg ArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive uploads r. An existing object is left untouched.
func (a *GCSArchive) Archive(ctx context.Context, r *receipts.TrustReceipt) error {
	body, err := r.Marshal()
	if err != nil {
		return err
	}

	obj := a.client.Bucket(a.bucket).Object(archiveKey(a.prefix, r)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"session-id": r.SessionID, "tenant-id": r.TenantID}

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// Fetch reads an archived receipt back.
func (a *GCSArchive) Fetch(ctx context.Context, sessionID, selfHash string) (*receipts.TrustReceipt, error) {
	key := archiveKey(a.prefix, &receipts.TrustReceipt{SessionID: sessionID, SelfHash: selfHash})
	reader, err := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return receipts.FromJSON(data)
}

// Close closes the GCS client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
