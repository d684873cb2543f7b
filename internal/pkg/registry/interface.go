package registry

import (
	"context"

	digest "github.com/opencontainers/go-digest"
)

// ManifestResponse carries one fetched manifest exactly as served.
type ManifestResponse struct {
	Bytes     []byte
	MediaType string
	Digest    digest.Digest
}

// RegistryInterface is the transport boundary to a distribution v2
// registry. Namespaces are registry-qualified repositories
// ("quay.io/openshift-release-dev/ocp-release"); references are tags or
// digests.
type RegistryInterface interface {
	FetchManifest(ctx context.Context, namespace string, reference string) (ManifestResponse, error)
	FetchBlob(ctx context.Context, namespace string, dgst digest.Digest) ([]byte, error)
	PushManifest(ctx context.Context, namespace string, reference string, mediaType string, data []byte) error
	PushBlob(ctx context.Context, namespace string, dgst digest.Digest, data []byte) error
	Close() error
}
