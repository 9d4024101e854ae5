//go:build gcp

package audit

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink writes packs to a Google Cloud Storage bucket. It authenticates
// with Application Default Credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink is only available when built with the gcp tag.
func NewGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	if bucket == "" {
		return nil, errors.New("audit: gcs sink needs a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: gcs client: %w", err)
	}
	return &GCSSink{
		client: client,
		bucket: bucket,
		prefix: normalizePrefix(prefix),
	}, nil
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := s.prefix + name
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: finalize gs://%s/%s: %w", s.bucket, key, err)
	}
	return "gs://" + s.bucket + "/" + key, nil
}
