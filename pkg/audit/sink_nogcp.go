//go:build !gcp

package audit

import (
	"context"
	"errors"
)

// NewGCSSink without the gcp build tag always fails; the GCS client and its
// dependency tree stay out of default builds.
func NewGCSSink(_ context.Context, _, _ string) (Sink, error) {
	return nil, errors.New("audit: gcs sink requires building with -tags gcp")
}
