package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/containers/image/v5/manifest"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

type fakeRegistryServer struct {
	mu        sync.Mutex
	manifests map[string][]byte
	blobs     map[digest.Digest][]byte
	pushes    []string
}

func newFakeRegistryServer() *fakeRegistryServer {
	return &fakeRegistryServer{
		manifests: map[string][]byte{},
		blobs:     map[digest.Digest][]byte{},
	}
}

func (f *fakeRegistryServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/manifests/"):
			reference := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			data, ok := f.manifests[reference]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", manifest.DockerV2Schema2MediaType)
			_, _ = w.Write(data)
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/manifests/"):
			reference := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			data, _ := io.ReadAll(r.Body)
			f.manifests[reference] = data
			f.pushes = append(f.pushes, "manifest:"+reference)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/blobs/"):
			dgst := digest.Digest(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])
			data, ok := f.blobs[dgst]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/blobs/uploads/"):
			// relative Location exercises url resolution in the client
			w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/session-1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/blobs/uploads/"):
			dgst := digest.Digest(r.URL.Query().Get("digest"))
			data, _ := io.ReadAll(r.Body)
			f.blobs[dgst] = data
			f.pushes = append(f.pushes, "blob:"+dgst.String())
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestClient(t *testing.T) {
	log := clog.New("error")
	ctx := context.Background()

	fake := newFakeRegistryServer()
	server := httptest.NewServer(fake.handler())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")
	namespace := host + "/testdomain/testrepo"

	client := New(log, WithPlainHTTP(true), WithHTTPClient(server.Client()))
	defer client.Close()

	manifestBytes := []byte(fmt.Sprintf(`{"schemaVersion":2,"mediaType":%q,"config":{"mediaType":"application/vnd.docker.container.image.v1+json","size":2,"digest":%q},"layers":[]}`,
		manifest.DockerV2Schema2MediaType, digest.FromString("{}")))
	manifestDigest, err := manifest.Digest(manifestBytes)
	require.NoError(t, err)
	fake.manifests["latest"] = manifestBytes
	fake.manifests[manifestDigest.String()] = manifestBytes

	t.Run("Testing FetchManifest by tag : should pass", func(t *testing.T) {
		resp, err := client.FetchManifest(ctx, namespace, "latest")
		require.NoError(t, err)
		assert.Equal(t, manifestBytes, resp.Bytes)
		assert.Equal(t, manifest.DockerV2Schema2MediaType, resp.MediaType)
		assert.Equal(t, manifestDigest, resp.Digest)
	})

	t.Run("Testing FetchManifest by digest : should pass", func(t *testing.T) {
		resp, err := client.FetchManifest(ctx, namespace, manifestDigest.String())
		require.NoError(t, err)
		assert.Equal(t, manifestDigest, resp.Digest)
	})

	t.Run("Testing FetchManifest by digest : content mismatch fails", func(t *testing.T) {
		bogus := digest.FromString("something else")
		fake.manifests[bogus.String()] = manifestBytes
		_, err := client.FetchManifest(ctx, namespace, bogus.String())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
	})

	t.Run("Testing FetchManifest : missing manifest surfaces status", func(t *testing.T) {
		_, err := client.FetchManifest(ctx, namespace, "nosuchtag")
		require.Error(t, err)
		var transportErr *TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, http.StatusNotFound, transportErr.StatusCode)
	})

	t.Run("Testing FetchBlob : should pass", func(t *testing.T) {
		blob := []byte("layer content")
		blobDigest := digest.FromBytes(blob)
		fake.blobs[blobDigest] = blob

		data, err := client.FetchBlob(ctx, namespace, blobDigest)
		require.NoError(t, err)
		assert.Equal(t, blob, data)
	})

	t.Run("Testing FetchBlob : content mismatch fails", func(t *testing.T) {
		blobDigest := digest.FromString("expected content")
		fake.blobs[blobDigest] = []byte("served content differs")

		_, err := client.FetchBlob(ctx, namespace, blobDigest)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
	})

	t.Run("Testing PushBlob : should pass", func(t *testing.T) {
		blob := []byte("pushed layer")
		blobDigest := digest.FromBytes(blob)

		require.NoError(t, client.PushBlob(ctx, namespace, blobDigest, blob))
		assert.Equal(t, blob, fake.blobs[blobDigest])
	})

	t.Run("Testing PushManifest : should pass", func(t *testing.T) {
		require.NoError(t, client.PushManifest(ctx, namespace, "v1", manifest.DockerV2Schema2MediaType, manifestBytes))
		assert.Equal(t, manifestBytes, fake.manifests["v1"])
	})

	t.Run("Testing dry run : no writes reach the registry", func(t *testing.T) {
		dryClient := New(log, WithPlainHTTP(true), WithHTTPClient(server.Client()), WithDryRun(true))
		defer dryClient.Close()
		assert.True(t, dryClient.DryRun())

		before := len(fake.pushes)
		blob := []byte("dry run layer")
		require.NoError(t, dryClient.PushBlob(ctx, namespace, digest.FromBytes(blob), blob))
		require.NoError(t, dryClient.PushManifest(ctx, namespace, "dry", manifest.DockerV2Schema2MediaType, manifestBytes))
		assert.Len(t, fake.pushes, before)
	})

	t.Run("Testing invalid namespace : should fail", func(t *testing.T) {
		_, err := client.FetchManifest(ctx, "norepo", "latest")
		assert.Error(t, err)
	})
}
