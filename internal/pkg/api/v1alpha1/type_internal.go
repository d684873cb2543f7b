package v1alpha1

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"

	"github.com/openshift/op-mirror/internal/pkg/image"
)

// ReleaseConfigSchema is the decoded config blob of a release image. The
// embedded image-references document is kept raw so it can be re-emitted
// byte-exact (modulo endpoint translation).
type ReleaseConfigSchema struct {
	Architecture string `json:"architecture,omitempty"`
	OS           string `json:"os,omitempty"`
	Config       struct {
		Labels map[string]string `json:"Labels,omitempty"`
	} `json:"config,omitempty"`
	ImageReferences json.RawMessage `json:"imageReferences,omitempty"`
	SignatureStores []string        `json:"signatureStores,omitempty"`
	SigningKeys     []string        `json:"signingKeys,omitempty"`
}

// ReleaseSchema is the image-references document enumerating the component
// images of a release.
type ReleaseSchema struct {
	Kind       string          `json:"kind"`
	APIVersion string          `json:"apiVersion"`
	Metadata   ReleaseMetainfo `json:"metadata"`
	Spec       ReleaseSpec     `json:"spec"`
}

// ReleaseMetainfo
type ReleaseMetainfo struct {
	Name        string            `json:"name"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ReleaseSpec
type ReleaseSpec struct {
	Tags []ReleaseTag `json:"tags"`
}

// ReleaseTag names one component image of the release.
type ReleaseTag struct {
	Name        string            `json:"name"`
	Annotations map[string]string `json:"annotations,omitempty"`
	From        ReleaseTagFrom    `json:"from"`
}

// ReleaseTagFrom
type ReleaseTagFrom struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// SignatureContentSchema is the atomic container signature payload. The
// field layout and json keys are a wire contract shared with the existing
// signature-store ecosystem and must not change.
type SignatureContentSchema struct {
	Critical struct {
		Image struct {
			DockerManifestDigest string `json:"docker-manifest-digest"`
		} `json:"image"`
		Type     string `json:"type"`
		Identity struct {
			DockerReference string `json:"docker-reference"`
		} `json:"identity"`
	} `json:"critical"`
	Optional struct {
		Creator   string `json:"creator,omitempty"`
		Timestamp int64  `json:"timestamp,omitempty"`
	} `json:"optional"`
}

// ManifestEntry is one fetched manifest in a resolved content graph.
type ManifestEntry struct {
	// Spec is the reference the manifest was fetched under.
	Spec image.ImageSpec
	// TagLabel is the component tag naming this manifest in the release
	// document, or the literal tag for the root reference.
	TagLabel  string
	Digest    digest.Digest
	MediaType string
	// Bytes is the manifest exactly as served; replication pushes these
	// bytes untouched so digests survive the copy.
	Bytes []byte
}

// ContentGraph aggregates every manifest and content-addressed blob
// discovered under a root image. Graphs are built fresh per resolution and
// are read-only once returned.
type ContentGraph struct {
	// Blobs maps each blob digest to the set of repository namespaces it
	// was discovered in. The same blob may legitimately originate from
	// several namespaces; the set union is what dedups it.
	Blobs map[digest.Digest]map[string]struct{}
	// Manifests is keyed by the canonical reference string.
	Manifests map[string]ManifestEntry
}

func NewContentGraph() ContentGraph {
	return ContentGraph{
		Blobs:     map[digest.Digest]map[string]struct{}{},
		Manifests: map[string]ManifestEntry{},
	}
}

// ReleaseMetadata is the resolved content graph of one release image.
type ReleaseMetadata struct {
	ManifestDigest digest.Digest
	ContentGraph
	// RawImageReferences / RawRelease are retained for re-emission
	// unmodified except for endpoint translation.
	RawImageReferences []byte
	RawRelease         []byte
	SignatureStores    []string
	SigningKeys        []string
}

// OperatorRecord is one resolved package/channel selection.
type OperatorRecord struct {
	Package       string
	Channel       string
	BundleImage   image.ImageSpec
	BundleName    string
	RelatedImages []image.ImageSpec
}

// OperatorMetadata is the resolved content graph of one catalog index.
type OperatorMetadata struct {
	ManifestDigest digest.Digest
	ContentGraph
	// IndexDatabase is the opaque configs layer the catalog rows were
	// decoded from.
	IndexDatabase []byte
	Operators     []OperatorRecord
}
