package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink is where finished evidence packs go. Put returns a location the
// caller can hand to whoever asked for the export: a filesystem path, an
// s3:// URI, a gs:// URI.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// SinkConfig selects and configures a pack destination.
type SinkConfig struct {
	// Kind is "file" (default), "s3" or "gcs".
	Kind string
	// Dir is the target directory for the file sink.
	Dir string
	// S3 configures the s3 sink.
	S3 S3Config
	// GCSBucket and GCSPrefix configure the gcs sink (requires the gcp
	// build tag).
	GCSBucket string
	GCSPrefix string
}

// NewSink builds the sink named by cfg.Kind.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Kind {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "exports"
		}
		return NewFileSink(dir)
	case "s3":
		return NewS3Sink(ctx, cfg.S3)
	case "gcs":
		return NewGCSSink(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("audit: unknown sink kind %q", cfg.Kind)
	}
}

// FileSink writes packs to a local directory, the default for single-node
// deployments.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("audit: file sink needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create export dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Put writes to a temp file first and renames into place, so readers never
// observe a half-written pack.
func (s *FileSink) Put(_ context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("audit: write pack: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("audit: finalize pack: %w", err)
	}
	return path, nil
}

// normalizePrefix guarantees object prefixes end in exactly one slash.
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	return strings.TrimSuffix(prefix, "/") + "/"
}
