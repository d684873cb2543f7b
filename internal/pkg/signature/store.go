package signature

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	digest "github.com/opencontainers/go-digest"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
	"github.com/openshift/op-mirror/internal/pkg/registry"
)

// DefaultSignatureStores are the well-known OpenShift release signature
// mirrors used when no store is configured.
var DefaultSignatureStores = []string{
	"https://mirror.openshift.com/pub/openshift-v4/signatures/openshift/release",
	"https://mirror2.openshift.com/pub/openshift-v4/signatures/openshift/release",
}

// StoreInterface is the transport boundary to one or more signature store
// locations.
type StoreInterface interface {
	// Get retrieves the blob at location/path; found is false on a missing
	// slot (http 404), which is not an error.
	Get(ctx context.Context, location string, path string) (data []byte, found bool, err error)
	// Put publishes the blob at location/path and returns its resolved url.
	Put(ctx context.Context, location string, path string, data []byte) (string, error)
}

// SignaturePath is the storage path convention shared with the signature
// store ecosystem: sha256=<hex>/signature-<n>.
func SignaturePath(dgst digest.Digest, ordinal int) string {
	return fmt.Sprintf("%s=%s/signature-%d", dgst.Algorithm(), dgst.Encoded(), ordinal)
}

type HTTPStore struct {
	Log        clog.PluggableLoggerInterface
	httpClient *http.Client
	dryRun     bool
}

type StoreOption func(*HTTPStore)

func StoreWithHTTPClient(httpClient *http.Client) StoreOption {
	return func(s *HTTPStore) { s.httpClient = httpClient }
}

func StoreWithDryRun(dryRun bool) StoreOption {
	return func(s *HTTPStore) { s.dryRun = dryRun }
}

func NewHTTPStore(log clog.PluggableLoggerInterface, opts ...StoreOption) *HTTPStore {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: false},
		Proxy:           http.ProxyFromEnvironment,
	}
	store := &HTTPStore{Log: log, httpClient: &http.Client{Transport: tr}}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func resolveURL(location, path string) string {
	return strings.TrimSuffix(location, "/") + "/" + path
}

func (s *HTTPStore) Get(ctx context.Context, location string, path string) ([]byte, bool, error) {
	endpoint := resolveURL(location, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, &registry.TransportError{URL: endpoint, Err: err}
	}
	req.Header.Set(contentType, applicationJson)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, &registry.TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, &registry.TransportError{URL: endpoint, Err: err}
		}
		return data, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, &registry.TransportError{URL: endpoint, StatusCode: resp.StatusCode}
	}
}

func (s *HTTPStore) Put(ctx context.Context, location string, path string, data []byte) (string, error) {
	endpoint := resolveURL(location, path)
	if s.dryRun {
		s.Log.Info("dry run : would publish signature %s", endpoint)
		return endpoint, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", &registry.TransportError{URL: endpoint, Err: err}
	}
	req.Header.Set(contentType, "application/octet-stream")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &registry.TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", &registry.TransportError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	return endpoint, nil
}
