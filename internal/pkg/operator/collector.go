package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
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

// Options tune one catalog resolution pass.
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

// OperatorMetadata fetches the catalog index image, decodes its
// declarative config layer and resolves every requested package/channel to
// a bundle with its related images. The whole content graph of the index
// plus selected bundles is aggregated for mirroring.
func (o *Collector) OperatorMetadata(ctx context.Context, indexSpec image.ImageSpec, packageChannels map[string]ChannelSelection) (*v1alpha1.OperatorMetadata, error) {
	builder := manifest.NewGraphBuilder()
	walker := manifest.NewWalker(o.Log, o.Registry, o.Opts.Arch, o.Opts.OS)
	namespace := indexSpec.RepoNamespace()

	root, err := o.Registry.FetchManifest(ctx, namespace, manifest.FetchReference(indexSpec))
	if err != nil {
		return nil, fmt.Errorf("fetching index manifest %s: %w", indexSpec.String(), err)
	}
	archManifest, err := walker.ResolveArchManifest(ctx, builder, indexSpec, root)
	if err != nil {
		return nil, err
	}

	configDigest, layers, err := manifest.ParseBlobInfos(archManifest)
	if err != nil {
		return nil, fmt.Errorf("index manifest %s: %w", indexSpec.String(), err)
	}
	if configDigest == "" {
		return nil, fmt.Errorf("index manifest %s carries no config blob", indexSpec.String())
	}
	builder.AddBlob(configDigest, namespace)
	for _, layer := range layers {
		builder.AddBlob(layer, namespace)
	}

	configBlob, err := o.Registry.FetchBlob(ctx, namespace, configDigest)
	if err != nil {
		return nil, fmt.Errorf("fetching index config blob %s: %w", configDigest, err)
	}
	var indexConfig ocispec.Image
	if err := json.Unmarshal(configBlob, &indexConfig); err != nil {
		return nil, fmt.Errorf("decoding index config blob %s: %w", configDigest, err)
	}
	configsDir := indexConfig.Config.Labels[configsLabel]
	if configsDir == "" {
		return nil, fmt.Errorf("index %s carries no %s label", indexSpec.String(), configsLabel)
	}

	extractDir, err := os.MkdirTemp("", "op-mirror-index-")
	if err != nil {
		return nil, fmt.Errorf("creating extraction directory: %w", err)
	}
	defer os.RemoveAll(extractDir)

	// the concatenated configs layers are the opaque index database
	var indexDatabase []byte
	for _, layerDigest := range layers {
		layerBlob, err := o.Registry.FetchBlob(ctx, namespace, layerDigest)
		if err != nil {
			return nil, fmt.Errorf("fetching index layer %s: %w", layerDigest, err)
		}
		indexDatabase = append(indexDatabase, layerBlob...)
		if err := extractConfigsLayer(layerBlob, extractDir, configsDir); err != nil {
			return nil, fmt.Errorf("extracting index layer %s: %w", layerDigest, err)
		}
	}

	operatorCatalog, err := loadCatalog(ctx, extractDir)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", indexSpec.String(), err)
	}

	if packageChannels == nil {
		packageChannels = map[string]ChannelSelection{}
		for _, name := range operatorCatalog.PackageNames() {
			packageChannels[name] = DefaultChannel()
		}
	}

	records, err := o.resolvePackages(ctx, walker, builder, operatorCatalog, packageChannels)
	if err != nil {
		return nil, err
	}

	operatorMetadata := &v1alpha1.OperatorMetadata{
		ManifestDigest: root.Digest,
		ContentGraph:   builder.Graph,
		IndexDatabase:  indexDatabase,
		Operators:      records,
	}

	if o.Opts.Verify {
		result, err := o.Signer.AtomicVerify(ctx, root.Digest, indexSpec)
		if err != nil {
			return nil, fmt.Errorf("verifying index %s: %w", indexSpec.String(), err)
		}
		if !result.Valid {
			return nil, fmt.Errorf("index %s digest %s: %w", indexSpec.String(), root.Digest, signature.ErrNoValidSignature)
		}
		o.Log.Info("index signature valid : %s (%s)", result.URL, result.KeyID)
	}

	return operatorMetadata, nil
}

// resolvePackages walks the requested selections in stable order; bundle
// and related-image manifests are fetched through a bounded fan-out.
func (o *Collector) resolvePackages(ctx context.Context, walker *manifest.Walker, builder *manifest.GraphBuilder, operatorCatalog OperatorCatalog, packageChannels map[string]ChannelSelection) ([]v1alpha1.OperatorRecord, error) {
	packages := make([]string, 0, len(packageChannels))
	for pkg := range packageChannels {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)

	records := make([]v1alpha1.OperatorRecord, 0, len(packages))
	for _, pkg := range packages {
		channel, err := operatorCatalog.SelectChannel(pkg, packageChannels[pkg])
		if err != nil {
			return nil, err
		}
		bundleName, err := ChannelHead(channel)
		if err != nil {
			return nil, err
		}
		bundle, ok := operatorCatalog.BundlesByPkgAndName[pkg][bundleName]
		if !ok {
			return nil, fmt.Errorf("bundle %s of package %s missing from index", bundleName, pkg)
		}
		bundleSpec, err := image.ParseRef(bundle.Image)
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %w", bundleName, err)
		}
		bundleSpec = translate.TranslateRef(o.Opts.Substitutions, bundleSpec)

		record := v1alpha1.OperatorRecord{
			Package:     pkg,
			Channel:     channel.Name,
			BundleImage: bundleSpec,
			BundleName:  bundleName,
		}
		for _, related := range bundle.RelatedImages {
			if related.Image == "" {
				continue
			}
			relatedSpec, err := image.ParseRef(related.Image)
			if err != nil {
				return nil, fmt.Errorf("related image %s of bundle %s: %w", related.Image, bundleName, err)
			}
			record.RelatedImages = append(record.RelatedImages, translate.TranslateRef(o.Opts.Substitutions, relatedSpec))
		}
		records = append(records, record)

		wg, groupCtx := errgroup.WithContext(ctx)
		wg.SetLimit(o.Opts.parallel())
		wg.Go(func() error {
			return walker.Collect(groupCtx, builder, bundleSpec, bundleName)
		})
		for _, relatedSpec := range record.RelatedImages {
			wg.Go(func() error {
				return walker.Collect(groupCtx, builder, relatedSpec, bundleName)
			})
		}
		if err := wg.Wait(); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// LogOperatorMetadata dumps a resolved catalog graph.
func (o *Collector) LogOperatorMetadata(operatorMetadata *v1alpha1.OperatorMetadata, sortKeys bool) {
	o.Log.Info("index manifest digest : %s", operatorMetadata.ManifestDigest)
	o.Log.Info("index database : %d bytes", len(operatorMetadata.IndexDatabase))
	o.Log.Info("operators : %d", len(operatorMetadata.Operators))
	for _, record := range operatorMetadata.Operators {
		o.Log.Info("  package %s channel %s bundle %s", record.Package, record.Channel, record.BundleName)
		o.Log.Debug("    bundle image : %s", record.BundleImage.String())
		related := make([]string, 0, len(record.RelatedImages))
		for _, relatedSpec := range record.RelatedImages {
			related = append(related, relatedSpec.String())
		}
		if sortKeys {
			sort.Strings(related)
		}
		for _, ref := range related {
			o.Log.Debug("    related image : %s", ref)
		}
	}
	o.Log.Info("blobs : %d manifests : %d", len(operatorMetadata.Blobs), len(operatorMetadata.Manifests))
}
