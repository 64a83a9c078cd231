//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

// openGCS refuses checkpoint blobs on GCS in builds without the gcp tag.
func openGCS(_ context.Context, cfg Config) (Store, error) {
	return nil, fmt.Errorf("%w: gcs bucket %q requires a build with -tags gcp", ErrBackendUnavailable, cfg.GCSBucket)
}
