package manifest

import (
	"context"
	"fmt"
	"sync"

	"github.com/containers/image/v5/manifest"
	"github.com/containers/image/v5/types"
	digest "github.com/opencontainers/go-digest"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/image"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
	"github.com/openshift/op-mirror/internal/pkg/registry"
)

// GraphBuilder guards merges into a shared content graph. The namespace
// set union is commutative and idempotent, so a single lock around the
// union is the only ordering concurrent discovery needs.
type GraphBuilder struct {
	mu    sync.Mutex
	Graph v1alpha1.ContentGraph
}

func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{Graph: v1alpha1.NewContentGraph()}
}

func (b *GraphBuilder) AddBlob(dgst digest.Digest, namespace string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	namespaces, ok := b.Graph.Blobs[dgst]
	if !ok {
		namespaces = map[string]struct{}{}
		b.Graph.Blobs[dgst] = namespaces
	}
	namespaces[namespace] = struct{}{}
}

func (b *GraphBuilder) AddManifest(entry v1alpha1.ManifestEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Graph.Manifests[entry.Spec.String()] = entry
}

// FetchReference renders the reference a spec should be fetched under:
// the pinned digest when present, the tag otherwise.
func FetchReference(imgSpec image.ImageSpec) string {
	if imgSpec.IsImageByDigest() {
		return imgSpec.DigestValue().String()
	}
	return imgSpec.Tag
}

// Walker fetches manifest graphs through the registry transport.
type Walker struct {
	Log      clog.PluggableLoggerInterface
	Registry registry.RegistryInterface
	Arch     string
	OS       string
}

func NewWalker(log clog.PluggableLoggerInterface, reg registry.RegistryInterface, arch, osChoice string) *Walker {
	if arch == "" {
		arch = "amd64"
	}
	if osChoice == "" {
		osChoice = "linux"
	}
	return &Walker{Log: log, Registry: reg, Arch: arch, OS: osChoice}
}

// ResolveArchManifest selects the target-architecture manifest of a
// multi-architecture root, recording both in the graph. A single-manifest
// root is returned as-is.
func (w *Walker) ResolveArchManifest(ctx context.Context, builder *GraphBuilder, imgSpec image.ImageSpec, root registry.ManifestResponse) (registry.ManifestResponse, error) {
	builder.AddManifest(v1alpha1.ManifestEntry{
		Spec:      imgSpec.WithDigest(root.Digest),
		TagLabel:  imgSpec.Tag,
		Digest:    root.Digest,
		MediaType: root.MediaType,
		Bytes:     root.Bytes,
	})
	if !manifest.MIMETypeIsMultiImage(root.MediaType) {
		return root, nil
	}

	list, err := manifest.ListFromBlob(root.Bytes, root.MediaType)
	if err != nil {
		return registry.ManifestResponse{}, fmt.Errorf("parsing manifest list %s: %w", imgSpec.String(), err)
	}
	instanceDigest, err := list.ChooseInstance(&types.SystemContext{
		ArchitectureChoice: w.Arch,
		OSChoice:           w.OS,
	})
	if err != nil {
		return registry.ManifestResponse{}, fmt.Errorf("no %s manifest in list %s: %w", w.Arch, imgSpec.String(), err)
	}
	archManifest, err := w.Registry.FetchManifest(ctx, imgSpec.RepoNamespace(), instanceDigest.String())
	if err != nil {
		return registry.ManifestResponse{}, fmt.Errorf("fetching %s manifest of %s: %w", w.Arch, imgSpec.String(), err)
	}
	builder.AddManifest(v1alpha1.ManifestEntry{
		Spec:      imgSpec.WithDigest(archManifest.Digest),
		TagLabel:  w.Arch,
		Digest:    archManifest.Digest,
		MediaType: archManifest.MediaType,
		Bytes:     archManifest.Bytes,
	})
	return archManifest, nil
}

// Collect walks one manifest, recursing through lists, and merges every
// discovered blob digest into the graph under the spec's namespace.
func (w *Walker) Collect(ctx context.Context, builder *GraphBuilder, imgSpec image.ImageSpec, tagLabel string) error {
	namespace := imgSpec.RepoNamespace()
	resp, err := w.Registry.FetchManifest(ctx, namespace, FetchReference(imgSpec))
	if err != nil {
		return fmt.Errorf("fetching manifest %s: %w", imgSpec.String(), err)
	}
	return w.collectResponse(ctx, builder, imgSpec, tagLabel, resp)
}

func (w *Walker) collectResponse(ctx context.Context, builder *GraphBuilder, imgSpec image.ImageSpec, tagLabel string, resp registry.ManifestResponse) error {
	namespace := imgSpec.RepoNamespace()
	builder.AddManifest(v1alpha1.ManifestEntry{
		Spec:      imgSpec.WithDigest(resp.Digest),
		TagLabel:  tagLabel,
		Digest:    resp.Digest,
		MediaType: resp.MediaType,
		Bytes:     resp.Bytes,
	})

	if manifest.MIMETypeIsMultiImage(resp.MediaType) {
		list, err := manifest.ListFromBlob(resp.Bytes, resp.MediaType)
		if err != nil {
			return fmt.Errorf("parsing manifest list %s: %w", imgSpec.String(), err)
		}
		for _, instanceDigest := range list.Instances() {
			if err := w.Collect(ctx, builder, imgSpec.WithDigest(instanceDigest), tagLabel); err != nil {
				return err
			}
		}
		return nil
	}

	parsed, err := manifest.FromBlob(resp.Bytes, resp.MediaType)
	if err != nil {
		return fmt.Errorf("parsing manifest %s: %w", imgSpec.String(), err)
	}
	if configDigest := parsed.ConfigInfo().Digest; configDigest != "" {
		builder.AddBlob(configDigest, namespace)
	}
	for _, layer := range parsed.LayerInfos() {
		builder.AddBlob(layer.Digest, namespace)
	}
	return nil
}

// ParseBlobInfos returns the config and layer digests of a single
// (non-list) manifest.
func ParseBlobInfos(resp registry.ManifestResponse) (digest.Digest, []digest.Digest, error) {
	parsed, err := manifest.FromBlob(resp.Bytes, resp.MediaType)
	if err != nil {
		return "", nil, fmt.Errorf("parsing manifest: %w", err)
	}
	layers := make([]digest.Digest, 0, len(parsed.LayerInfos()))
	for _, layer := range parsed.LayerInfos() {
		layers = append(layers, layer.Digest)
	}
	return parsed.ConfigInfo().Digest, layers, nil
}
