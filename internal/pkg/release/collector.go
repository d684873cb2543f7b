package release

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/image"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
	"github.com/openshift/op-mirror/internal/pkg/manifest"
	"github.com/openshift/op-mirror/internal/pkg/registry"
	"github.com/openshift/op-mirror/internal/pkg/signature"
	"github.com/openshift/op-mirror/internal/pkg/translate"
)

const defaultParallel = 8

// Options tune one resolution pass. A zero Parallel falls back to the
// default worker bound.
type Options struct {
	Arch            string
	OS              string
	Substitutions   []translate.Substitution
	SignatureStores []string
	SigningKeys     []string
	Verify          bool
	Parallel        int
}

func (o Options) parallel() int {
	if o.Parallel <= 0 {
		return defaultParallel
	}
	return o.Parallel
}

type Collector struct {
	Log      clog.PluggableLoggerInterface
	Registry registry.RegistryInterface
	Signer   signature.SignerInterface
	Opts     Options
}

func New(log clog.PluggableLoggerInterface, reg registry.RegistryInterface, signer signature.SignerInterface, opts Options) CollectorInterface {
	return &Collector{Log: log, Registry: reg, Signer: signer, Opts: opts}
}

// ReleaseMetadata implements the resolution walk: top-level manifest list,
// target-architecture manifest, config blob, embedded image-references
// document, then one bounded fan-out per component image. The returned
// graph is built fresh on every call and never cached.
func (o *Collector) ReleaseMetadata(ctx context.Context, indexSpec image.ImageSpec) (*v1alpha1.ReleaseMetadata, error) {
	builder := manifest.NewGraphBuilder()
	walker := manifest.NewWalker(o.Log, o.Registry, o.Opts.Arch, o.Opts.OS)
	namespace := indexSpec.RepoNamespace()

	root, err := o.Registry.FetchManifest(ctx, namespace, manifest.FetchReference(indexSpec))
	if err != nil {
		return nil, fmt.Errorf("fetching release manifest %s: %w", indexSpec.String(), err)
	}
	archManifest, err := walker.ResolveArchManifest(ctx, builder, indexSpec, root)
	if err != nil {
		return nil, err
	}

	configDigest, layers, err := manifest.ParseBlobInfos(archManifest)
	if err != nil {
		return nil, fmt.Errorf("release manifest %s: %w", indexSpec.String(), err)
	}
	if configDigest == "" {
		return nil, fmt.Errorf("release manifest %s carries no config blob", indexSpec.String())
	}
	builder.AddBlob(configDigest, namespace)
	for _, layer := range layers {
		builder.AddBlob(layer, namespace)
	}

	configBlob, err := o.Registry.FetchBlob(ctx, namespace, configDigest)
	if err != nil {
		return nil, fmt.Errorf("fetching release config blob %s: %w", configDigest, err)
	}
	var releaseConfig v1alpha1.ReleaseConfigSchema
	if err := json.Unmarshal(configBlob, &releaseConfig); err != nil {
		return nil, fmt.Errorf("decoding release config blob %s: %w", configDigest, err)
	}
	if len(releaseConfig.ImageReferences) == 0 {
		return nil, fmt.Errorf("release %s carries no image references document", indexSpec.String())
	}
	var imageReferences v1alpha1.ReleaseSchema
	if err := json.Unmarshal(releaseConfig.ImageReferences, &imageReferences); err != nil {
		return nil, fmt.Errorf("decoding image references of %s: %w", indexSpec.String(), err)
	}
	o.Log.Debug("release %s enumerates %d component images", indexSpec.String(), len(imageReferences.Spec.Tags))

	wg, groupCtx := errgroup.WithContext(ctx)
	wg.SetLimit(o.Opts.parallel())
	for _, tag := range imageReferences.Spec.Tags {
		wg.Go(func() error {
			return o.collectComponent(groupCtx, walker, builder, tag)
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	releaseMetadata := &v1alpha1.ReleaseMetadata{
		ManifestDigest:     root.Digest,
		ContentGraph:       builder.Graph,
		RawImageReferences: []byte(releaseConfig.ImageReferences),
		RawRelease:         configBlob,
		SignatureStores:    mergeOrdered(o.Opts.SignatureStores, releaseConfig.SignatureStores),
		SigningKeys:        mergeOrdered(o.Opts.SigningKeys, releaseConfig.SigningKeys),
	}

	// the verification gate sits before any mirroring can proceed
	if o.Opts.Verify {
		result, err := o.Signer.AtomicVerify(ctx, root.Digest, indexSpec)
		if err != nil {
			return nil, fmt.Errorf("verifying release %s: %w", indexSpec.String(), err)
		}
		if !result.Valid {
			return nil, fmt.Errorf("release %s digest %s: %w", indexSpec.String(), root.Digest, signature.ErrNoValidSignature)
		}
		o.Log.Info("release signature valid : %s (%s)", result.URL, result.KeyID)
	}

	return releaseMetadata, nil
}

// collectComponent resolves one component image reference, translating its
// endpoint first when substitutions were supplied.
func (o *Collector) collectComponent(ctx context.Context, walker *manifest.Walker, builder *manifest.GraphBuilder, tag v1alpha1.ReleaseTag) error {
	if tag.From.Kind != "" && tag.From.Kind != "DockerImage" {
		o.Log.Debug("skipping component %s of kind %s", tag.Name, tag.From.Kind)
		return nil
	}
	imgSpec, err := image.ParseRef(tag.From.Name)
	if err != nil {
		return fmt.Errorf("component %s: %w", tag.Name, err)
	}
	imgSpec = translate.TranslateRef(o.Opts.Substitutions, imgSpec)
	return walker.Collect(ctx, builder, imgSpec, tag.Name)
}

// mergeOrdered unions two ordered lists, first occurrence wins.
func mergeOrdered(primary, secondary []string) []string {
	seen := map[string]struct{}{}
	var merged []string
	for _, value := range append(append([]string{}, primary...), secondary...) {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		merged = append(merged, value)
	}
	return merged
}
