package release

import (
	"encoding/json"
	"fmt"
	"sort"

	digest "github.com/opencontainers/go-digest"

	"github.com/openshift/op-mirror/internal/pkg/api/v1alpha1"
	"github.com/openshift/op-mirror/internal/pkg/image"
	"github.com/openshift/op-mirror/internal/pkg/translate"
)

// TranslateRelease rewrites only the endpoints inside the retained
// image-references document so the mirrored release is self-contained.
// The collector's configured rules win (a rules file reaches here through
// Options.Substitutions); without any, the built-in upstream patterns are
// compiled against the destination endpoint. Applying it to an
// already-translated document is a no-op.
func (o *Collector) TranslateRelease(destSpec image.ImageSpec, releaseMetadata *v1alpha1.ReleaseMetadata) ([]byte, error) {
	var imageReferences v1alpha1.ReleaseSchema
	if err := json.Unmarshal(releaseMetadata.RawImageReferences, &imageReferences); err != nil {
		return nil, fmt.Errorf("decoding image references: %w", err)
	}

	subs := o.Opts.Substitutions
	if len(subs) == 0 {
		subs = translate.DefaultSubstitutions(destSpec.Domain)
	}
	for i, tag := range imageReferences.Spec.Tags {
		if tag.From.Name == "" {
			continue
		}
		imgSpec, err := image.ParseRef(tag.From.Name)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", tag.Name, err)
		}
		translated := translate.TranslateRef(subs, imgSpec)
		imageReferences.Spec.Tags[i].From.Name = translated.String()
	}

	updated, err := json.Marshal(imageReferences)
	if err != nil {
		return nil, fmt.Errorf("encoding translated image references: %w", err)
	}
	return updated, nil
}

// LogReleaseMetadata dumps a resolved release graph. When sortKeys is set
// the digests and references are logged in stable order.
func (o *Collector) LogReleaseMetadata(releaseMetadata *v1alpha1.ReleaseMetadata, sortKeys bool) {
	o.Log.Info("release manifest digest : %s", releaseMetadata.ManifestDigest)
	o.Log.Info("blobs : %d", len(releaseMetadata.Blobs))

	blobDigests := make([]string, 0, len(releaseMetadata.Blobs))
	for dgst := range releaseMetadata.Blobs {
		blobDigests = append(blobDigests, dgst.String())
	}
	if sortKeys {
		sort.Strings(blobDigests)
	}
	for _, dgst := range blobDigests {
		namespaces := make([]string, 0)
		for namespace := range releaseMetadata.Blobs[digestOf(dgst)] {
			namespaces = append(namespaces, namespace)
		}
		if sortKeys {
			sort.Strings(namespaces)
		}
		o.Log.Debug("  %s %v", dgst, namespaces)
	}

	o.Log.Info("manifests : %d", len(releaseMetadata.Manifests))
	refs := make([]string, 0, len(releaseMetadata.Manifests))
	for ref := range releaseMetadata.Manifests {
		refs = append(refs, ref)
	}
	if sortKeys {
		sort.Strings(refs)
	}
	for _, ref := range refs {
		o.Log.Debug("  %s : %s", ref, releaseMetadata.Manifests[ref].TagLabel)
	}

	o.Log.Info("signature stores : %d", len(releaseMetadata.SignatureStores))
	for _, store := range releaseMetadata.SignatureStores {
		o.Log.Debug("  %s", store)
	}
	o.Log.Info("signing keys : %d", len(releaseMetadata.SigningKeys))
}

func digestOf(value string) digest.Digest {
	return digest.Digest(value)
}
