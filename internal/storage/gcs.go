package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// GCSPublisher uploads merged outputs to a Google Cloud Storage bucket.
type GCSPublisher struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSPublisher uses Application Default Credentials.
func NewGCSPublisher(ctx context.Context, bucketName, prefix string) (*GCSPublisher, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSPublisher{client: client, bucketName: bucketName, prefix: prefix}, nil
}

func (p *GCSPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	objectName := ObjectName(p.prefix, localPath)
	w := p.client.Bucket(p.bucketName).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType(objectName)

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", p.bucketName, objectName), nil
}

func (p *GCSPublisher) Close() error {
	return p.client.Close()
}
