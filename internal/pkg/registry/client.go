package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/containers/image/v5/manifest"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	clog "github.com/openshift/op-mirror/internal/pkg/log"
)

const (
	contentType     = "Content-Type"
	applicationJson = "application/json"
)

// acceptedManifestTypes is sent on every manifest fetch so registries hand
// back lists and single manifests alike.
var acceptedManifestTypes = []string{
	manifest.DockerV2ListMediaType,
	manifest.DockerV2Schema2MediaType,
	ocispec.MediaTypeImageIndex,
	ocispec.MediaTypeImageManifest,
}

type Client struct {
	Log        clog.PluggableLoggerInterface
	httpClient *http.Client
	plainHTTP  bool
	dryRun     bool
}

type Option func(*Client)

// WithPlainHTTP switches the client to http, used against local test
// registries.
func WithPlainHTTP(plain bool) Option {
	return func(c *Client) { c.plainHTTP = plain }
}

// WithDryRun suppresses all writes while keeping reads live.
func WithDryRun(dryRun bool) Option {
	return func(c *Client) { c.dryRun = dryRun }
}

// WithHTTPClient overrides the underlying http client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func New(log clog.PluggableLoggerInterface, opts ...Option) *Client {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: false},
		Proxy:           http.ProxyFromEnvironment,
	}
	client := &Client{
		Log:        log,
		httpClient: &http.Client{Transport: tr},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) DryRun() bool {
	return c.dryRun
}

func (c *Client) scheme() string {
	if c.plainHTTP {
		return "http"
	}
	return "https"
}

// splitNamespace separates the registry host from the repository path.
func splitNamespace(namespace string) (string, string, error) {
	parts := strings.SplitN(namespace, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository namespace %q", namespace)
	}
	return parts[0], parts[1], nil
}

func (c *Client) manifestURL(namespace, reference string) (string, error) {
	host, repo, err := splitNamespace(namespace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme(), host, repo, reference), nil
}

func (c *Client) blobURL(namespace string, dgst digest.Digest) (string, error) {
	host, repo, err := splitNamespace(namespace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme(), host, repo, dgst.String()), nil
}

func (c *Client) FetchManifest(ctx context.Context, namespace string, reference string) (ManifestResponse, error) {
	endpoint, err := c.manifestURL(namespace, reference)
	if err != nil {
		return ManifestResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ManifestResponse{}, &TransportError{URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", strings.Join(acceptedManifestTypes, ", "))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ManifestResponse{}, &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ManifestResponse{}, &TransportError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ManifestResponse{}, &TransportError{URL: endpoint, Err: err}
	}

	dgst, err := manifest.Digest(data)
	if err != nil {
		return ManifestResponse{}, fmt.Errorf("digesting manifest %s: %w", endpoint, err)
	}
	// fetch-by-digest must hand back exactly the addressed content
	if strings.Contains(reference, ":") {
		if expected, parseErr := digest.Parse(reference); parseErr == nil && expected != dgst {
			return ManifestResponse{}, fmt.Errorf("manifest digest mismatch for %s: requested %s received %s", namespace, expected, dgst)
		}
	}

	mediaType := resp.Header.Get(contentType)
	if mediaType == "" || mediaType == applicationJson {
		mediaType = manifest.GuessMIMEType(data)
	}
	c.Log.Trace("fetched manifest %s %s (%s)", namespace, reference, dgst)
	return ManifestResponse{Bytes: data, MediaType: mediaType, Digest: dgst}, nil
}

func (c *Client) FetchBlob(ctx context.Context, namespace string, dgst digest.Digest) ([]byte, error) {
	endpoint, err := c.blobURL(namespace, dgst)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{URL: endpoint, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: endpoint, Err: err}
	}
	if verifyErr := dgst.Validate(); verifyErr == nil {
		if actual := dgst.Algorithm().FromBytes(data); actual != dgst {
			return nil, fmt.Errorf("blob digest mismatch for %s: requested %s received %s", namespace, dgst, actual)
		}
	}
	return data, nil
}

func (c *Client) PushManifest(ctx context.Context, namespace string, reference string, mediaType string, data []byte) error {
	endpoint, err := c.manifestURL(namespace, reference)
	if err != nil {
		return err
	}
	if c.dryRun {
		c.Log.Info("dry run : would push manifest %s %s", namespace, reference)
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return &TransportError{URL: endpoint, Err: err}
	}
	req.Header.Set(contentType, mediaType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return &TransportError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) PushBlob(ctx context.Context, namespace string, dgst digest.Digest, data []byte) error {
	host, repo, err := splitNamespace(namespace)
	if err != nil {
		return err
	}
	if c.dryRun {
		c.Log.Info("dry run : would push blob %s %s", namespace, dgst)
		return nil
	}

	initiateURL := fmt.Sprintf("%s://%s/v2/%s/blobs/uploads/", c.scheme(), host, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, initiateURL, nil)
	if err != nil {
		return &TransportError{URL: initiateURL, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: initiateURL, Err: err}
	}
	location := resp.Header.Get("Location")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return &TransportError{URL: initiateURL, StatusCode: resp.StatusCode}
	}

	uploadURL, err := c.resolveLocation(host, location, dgst)
	if err != nil {
		return err
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return &TransportError{URL: uploadURL, Err: err}
	}
	req.Header.Set(contentType, "application/octet-stream")
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: uploadURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return &TransportError{URL: uploadURL, StatusCode: resp.StatusCode}
	}
	return nil
}

// resolveLocation completes the monolithic upload url from the Location
// header, which registries may return relative or absolute.
func (c *Client) resolveLocation(host, location string, dgst digest.Digest) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid upload location %q: %w", location, err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = c.scheme()
		parsed.Host = host
	}
	query := parsed.Query()
	query.Set("digest", dgst.String())
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
