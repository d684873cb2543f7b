package release

import (
	"context"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/image"
)

type CollectorInterface interface {
	// ReleaseMetadata discovers the full content graph rooted at the given
	// release image.
	ReleaseMetadata(ctx context.Context, indexSpec image.ImageSpec) (*v1alpha1.ReleaseMetadata, error)
	// TranslateRelease rewrites the embedded image-references document so
	// every component points at the destination endpoint. Read-only: no
	// blobs or manifests are written.
	TranslateRelease(destSpec image.ImageSpec, releaseMetadata *v1alpha1.ReleaseMetadata) ([]byte, error)
	// LogReleaseMetadata pretty-logs a resolved graph, optionally with
	// sorted keys.
	LogReleaseMetadata(releaseMetadata *v1alpha1.ReleaseMetadata, sortKeys bool)
}
