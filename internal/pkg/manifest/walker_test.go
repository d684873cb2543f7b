package manifest

import (
	"context"
	"fmt"
	"testing"

	containersmanifest "github.com/containers/image/v5/manifest"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/op-mirror/internal/pkg/image"
	clog "github.com/openshift/op-mirror/internal/pkg/log"
	"github.com/openshift/op-mirror/internal/pkg/registry"
)

type mockRegistry struct {
	manifests map[string]registry.ManifestResponse
	blobs     map[string][]byte
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		manifests: map[string]registry.ManifestResponse{},
		blobs:     map[string][]byte{},
	}
}

func (m *mockRegistry) addManifest(namespace, reference, mediaType string, data []byte) digest.Digest {
	dgst := digest.FromBytes(data)
	resp := registry.ManifestResponse{Bytes: data, MediaType: mediaType, Digest: dgst}
	m.manifests[namespace+"|"+reference] = resp
	m.manifests[namespace+"|"+dgst.String()] = resp
	return dgst
}

func (m *mockRegistry) FetchManifest(ctx context.Context, namespace string, reference string) (registry.ManifestResponse, error) {
	resp, ok := m.manifests[namespace+"|"+reference]
	if !ok {
		return registry.ManifestResponse{}, fmt.Errorf("manifest %s %s not found", namespace, reference)
	}
	return resp, nil
}

func (m *mockRegistry) FetchBlob(ctx context.Context, namespace string, dgst digest.Digest) ([]byte, error) {
	data, ok := m.blobs[namespace+"|"+dgst.String()]
	if !ok {
		return nil, fmt.Errorf("blob %s %s not found", namespace, dgst)
	}
	return data, nil
}

func (m *mockRegistry) PushManifest(ctx context.Context, namespace string, reference string, mediaType string, data []byte) error {
	return nil
}

func (m *mockRegistry) PushBlob(ctx context.Context, namespace string, dgst digest.Digest, data []byte) error {
	return nil
}

func (m *mockRegistry) Close() error { return nil }

func schema2Manifest(configDigest digest.Digest, layerDigests ...digest.Digest) []byte {
	layers := ""
	for i, layer := range layerDigests {
		if i > 0 {
			layers += ","
		}
		layers += fmt.Sprintf(`{"mediaType":"application/vnd.docker.image.rootfs.diff.tar.gzip","size":10,"digest":%q}`, layer)
	}
	return []byte(fmt.Sprintf(`{"schemaVersion":2,"mediaType":%q,"config":{"mediaType":"application/vnd.docker.container.image.v1+json","size":10,"digest":%q},"layers":[%s]}`,
		containersmanifest.DockerV2Schema2MediaType, configDigest, layers))
}

func manifestList(entries map[string]digest.Digest) []byte {
	manifests := ""
	first := true
	for arch, dgst := range entries {
		if !first {
			manifests += ","
		}
		first = false
		manifests += fmt.Sprintf(`{"mediaType":%q,"size":10,"digest":%q,"platform":{"architecture":%q,"os":"linux"}}`,
			containersmanifest.DockerV2Schema2MediaType, dgst, arch)
	}
	return []byte(fmt.Sprintf(`{"schemaVersion":2,"mediaType":%q,"manifests":[%s]}`,
		containersmanifest.DockerV2ListMediaType, manifests))
}

func TestGraphBuilder(t *testing.T) {
	t.Run("Testing AddBlob : namespace union", func(t *testing.T) {
		builder := NewGraphBuilder()
		dgst := digest.FromString("shared layer")
		builder.AddBlob(dgst, "quay.io/a/a")
		builder.AddBlob(dgst, "quay.io/b/b")
		builder.AddBlob(dgst, "quay.io/a/a")

		require.Len(t, builder.Graph.Blobs, 1)
		assert.Len(t, builder.Graph.Blobs[dgst], 2)
	})
}

func TestFetchReference(t *testing.T) {
	tagged, err := image.ParseRef("quay.io/foo/bar:v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", FetchReference(tagged))

	pinned := tagged.WithDigest(digest.FromString("pinned"))
	assert.Equal(t, pinned.DigestValue().String(), FetchReference(pinned))
}

func TestWalker(t *testing.T) {
	log := clog.New("error")
	ctx := context.Background()

	t.Run("Testing ResolveArchManifest : multi arch root", func(t *testing.T) {
		reg := newMockRegistry()
		namespace := "quay.io/openshift/release"

		amd64Bytes := schema2Manifest(digest.FromString("amd64 config"), digest.FromString("amd64 layer"))
		amd64Digest := digest.FromBytes(amd64Bytes)
		arm64Bytes := schema2Manifest(digest.FromString("arm64 config"), digest.FromString("arm64 layer"))
		arm64Digest := digest.FromBytes(arm64Bytes)

		listBytes := manifestList(map[string]digest.Digest{"amd64": amd64Digest, "arm64": arm64Digest})
		reg.addManifest(namespace, "4.16.0", containersmanifest.DockerV2ListMediaType, listBytes)
		reg.addManifest(namespace, amd64Digest.String(), containersmanifest.DockerV2Schema2MediaType, amd64Bytes)
		reg.addManifest(namespace, arm64Digest.String(), containersmanifest.DockerV2Schema2MediaType, arm64Bytes)

		imgSpec, err := image.ParseRef(namespace + ":4.16.0")
		require.NoError(t, err)

		builder := NewGraphBuilder()
		walker := NewWalker(log, reg, "amd64", "linux")
		root, err := reg.FetchManifest(ctx, namespace, "4.16.0")
		require.NoError(t, err)

		archManifest, err := walker.ResolveArchManifest(ctx, builder, imgSpec, root)
		require.NoError(t, err)
		assert.Equal(t, amd64Digest, archManifest.Digest)
		// root list and arch manifest both land in the graph
		assert.Len(t, builder.Graph.Manifests, 2)
		assert.Equal(t, "amd64", builder.Graph.Manifests[imgSpec.WithDigest(amd64Digest).String()].TagLabel)
	})

	t.Run("Testing ResolveArchManifest : single manifest root", func(t *testing.T) {
		reg := newMockRegistry()
		namespace := "quay.io/openshift/release"
		manifestBytes := schema2Manifest(digest.FromString("config"))
		reg.addManifest(namespace, "4.16.0", containersmanifest.DockerV2Schema2MediaType, manifestBytes)

		imgSpec, err := image.ParseRef(namespace + ":4.16.0")
		require.NoError(t, err)

		builder := NewGraphBuilder()
		walker := NewWalker(log, reg, "amd64", "linux")
		root, err := reg.FetchManifest(ctx, namespace, "4.16.0")
		require.NoError(t, err)

		archManifest, err := walker.ResolveArchManifest(ctx, builder, imgSpec, root)
		require.NoError(t, err)
		assert.Equal(t, root.Digest, archManifest.Digest)
		assert.Len(t, builder.Graph.Manifests, 1)
	})

	t.Run("Testing Collect : single manifest blobs", func(t *testing.T) {
		reg := newMockRegistry()
		namespace := "quay.io/openshift/component"
		configDigest := digest.FromString("component config")
		layerDigest := digest.FromString("component layer")
		manifestBytes := schema2Manifest(configDigest, layerDigest)
		reg.addManifest(namespace, "v1", containersmanifest.DockerV2Schema2MediaType, manifestBytes)

		imgSpec, err := image.ParseRef(namespace + ":v1")
		require.NoError(t, err)

		builder := NewGraphBuilder()
		walker := NewWalker(log, reg, "amd64", "linux")
		require.NoError(t, walker.Collect(ctx, builder, imgSpec, "component"))

		assert.Len(t, builder.Graph.Manifests, 1)
		require.Len(t, builder.Graph.Blobs, 2)
		assert.Contains(t, builder.Graph.Blobs[configDigest], namespace)
		assert.Contains(t, builder.Graph.Blobs[layerDigest], namespace)
	})

	t.Run("Testing Collect : recurses through lists", func(t *testing.T) {
		reg := newMockRegistry()
		namespace := "quay.io/openshift/component"

		amd64Bytes := schema2Manifest(digest.FromString("amd64 config"), digest.FromString("amd64 layer"))
		amd64Digest := digest.FromBytes(amd64Bytes)
		arm64Bytes := schema2Manifest(digest.FromString("arm64 config"), digest.FromString("arm64 layer"))
		arm64Digest := digest.FromBytes(arm64Bytes)

		listBytes := manifestList(map[string]digest.Digest{"amd64": amd64Digest, "arm64": arm64Digest})
		reg.addManifest(namespace, "v1", containersmanifest.DockerV2ListMediaType, listBytes)
		reg.addManifest(namespace, amd64Digest.String(), containersmanifest.DockerV2Schema2MediaType, amd64Bytes)
		reg.addManifest(namespace, arm64Digest.String(), containersmanifest.DockerV2Schema2MediaType, arm64Bytes)

		imgSpec, err := image.ParseRef(namespace + ":v1")
		require.NoError(t, err)

		builder := NewGraphBuilder()
		walker := NewWalker(log, reg, "amd64", "linux")
		require.NoError(t, walker.Collect(ctx, builder, imgSpec, "component"))

		// list plus both instances
		assert.Len(t, builder.Graph.Manifests, 3)
		assert.Len(t, builder.Graph.Blobs, 4)
	})

	t.Run("Testing ParseBlobInfos : should pass", func(t *testing.T) {
		configDigest := digest.FromString("config")
		layerDigest := digest.FromString("layer")
		resp := registry.ManifestResponse{
			Bytes:     schema2Manifest(configDigest, layerDigest),
			MediaType: containersmanifest.DockerV2Schema2MediaType,
		}
		gotConfig, gotLayers, err := ParseBlobInfos(resp)
		require.NoError(t, err)
		assert.Equal(t, configDigest, gotConfig)
		assert.Equal(t, []digest.Digest{layerDigest}, gotLayers)
	})
}
