package operator

import (
	"context"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/image"
)

type CollectorInterface interface {
	// OperatorMetadata resolves the requested package/channel selections
	// against the catalog index image. A nil selection map resolves every
	// package at its default channel.
	OperatorMetadata(ctx context.Context, indexSpec image.ImageSpec, packageChannels map[string]ChannelSelection) (*v1alpha1.OperatorMetadata, error)
	// LogOperatorMetadata pretty-logs a resolved catalog, optionally with
	// sorted keys.
	LogOperatorMetadata(operatorMetadata *v1alpha1.OperatorMetadata, sortKeys bool)
}
