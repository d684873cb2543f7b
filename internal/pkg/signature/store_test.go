package signature

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

func TestSignaturePath(t *testing.T) {
	dgst := digest.Digest("sha256:b5f5d04d7e6f8be8dee54e58c0a5c9500e238c1a4184af1ee3cb51e1d24a1ac9")
	assert.Equal(t, "sha256=b5f5d04d7e6f8be8dee54e58c0a5c9500e238c1a4184af1ee3cb51e1d24a1ac9/signature-1", SignaturePath(dgst, 1))
	assert.Equal(t, "sha256=b5f5d04d7e6f8be8dee54e58c0a5c9500e238c1a4184af1ee3cb51e1d24a1ac9/signature-12", SignaturePath(dgst, 12))
}

func TestHTTPStore(t *testing.T) {
	log := clog.New("error")
	ctx := context.Background()

	var mu sync.Mutex
	blobs := map[string][]byte{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			data, ok := blobs[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			blobs[r.URL.Path] = data
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer server.Close()

	store := NewHTTPStore(log, StoreWithHTTPClient(server.Client()))
	path := SignaturePath(digest.FromString("payload"), 1)

	t.Run("Testing Get : missing slot is not an error", func(t *testing.T) {
		data, found, err := store.Get(ctx, server.URL, path)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, data)
	})

	t.Run("Testing Put then Get : should pass", func(t *testing.T) {
		url, err := store.Put(ctx, server.URL, path, []byte("signed blob"))
		require.NoError(t, err)
		assert.Equal(t, server.URL+"/"+path, url)

		data, found, err := store.Get(ctx, server.URL, path)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("signed blob"), data)
	})

	t.Run("Testing Put : dry run skips the write", func(t *testing.T) {
		dryStore := NewHTTPStore(log, StoreWithHTTPClient(server.Client()), StoreWithDryRun(true))
		otherPath := SignaturePath(digest.FromString("other"), 1)
		url, err := dryStore.Put(ctx, server.URL, otherPath, []byte("signed blob"))
		require.NoError(t, err)
		assert.Equal(t, server.URL+"/"+otherPath, url)

		_, found, err := store.Get(ctx, server.URL, otherPath)
		require.NoError(t, err)
		assert.False(t, found)
	})
}
