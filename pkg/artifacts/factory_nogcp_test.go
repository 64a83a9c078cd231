//go:build !gcp

package artifacts

import (
	"context"
	"errors"
	"testing"
)

func TestOpen_GCSNotCompiledIn(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: BackendGCS, GCSBucket: "checkpoints"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
