package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kilnforge/buildcore/src/builderrors"
	"github.com/kilnforge/buildcore/src/hashutil"
)

// HTTPStore is a remote content-addressed Store speaking a minimal HTTP verb
// set (GET/PUT/HEAD/DELETE) against a server keyed by content digest in the
// URL path, per §4.2. Retries with exponential backoff are layered on the
// transport via retryablehttp so transient network errors don't need to be
// handled by every caller.
type HTTPStore struct {
	baseURL  string
	writable bool
	client   *retryablehttp.Client
	signer   *signer
}

// NewHTTPStore constructs a remote store client. writable controls whether
// Put actually uploads (a read-only remote tier is common for CI-populated
// caches consumed by developer machines).
func NewHTTPStore(baseURL string, writable bool, timeout time.Duration, maxRetries int, workspaceRoot, machineID string) *HTTPStore {
	c := retryablehttp.NewClient()
	c.RetryMax = maxRetries
	c.HTTPClient.Timeout = timeout
	c.Logger = nil // the teacher's op/go-logging logger doesn't implement retryablehttp's interface; route failures through our own Warning calls instead
	return &HTTPStore{
		baseURL:  baseURL,
		writable: writable,
		client:   c,
		signer:   newSigner(workspaceRoot, machineID),
	}
}

func (s *HTTPStore) url(d hashutil.Digest) string {
	return s.baseURL + "/" + d.String()
}

// Put uploads bytes under their content digest. On a read-only remote tier
// this is a no-op that still returns the correct digest, matching the local
// store's idempotent semantics.
func (s *HTTPStore) Put(b []byte) (hashutil.Digest, error) {
	d := hashutil.HashBytes(b)
	if !s.writable {
		return d, nil
	}
	sealed := s.signer.seal(time.Now().Unix(), b)
	req, err := retryablehttp.NewRequest(http.MethodPut, s.url(d), bytes.NewReader(sealed))
	if err != nil {
		return d, builderrors.Wrap(builderrors.NetworkError, err, "building PUT request for %s", d)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return d, builderrors.Wrap(builderrors.NetworkError, err, "uploading %s to remote cache", d)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return d, builderrors.New(builderrors.NetworkError, "remote cache PUT %s: status %d", d, resp.StatusCode)
	}
	return d, nil
}

// Get downloads and verifies an object.
func (s *HTTPStore) Get(d hashutil.Digest) ([]byte, error) {
	req, err := retryablehttp.NewRequest(http.MethodGet, s.url(d), nil)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.NetworkError, err, "building GET request for %s", d)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.NetworkError, err, "downloading %s from remote cache", d)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, missingDigestError("HTTPStore.Get", d)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, builderrors.New(builderrors.NetworkError, "remote cache GET %s: status %d", d, resp.StatusCode)
	}
	sealed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, builderrors.Wrap(builderrors.NetworkError, err, "reading response body for %s", d)
	}
	payload, _, err := s.signer.open(sealed)
	if err != nil {
		return nil, err
	}
	if hashutil.HashBytes(payload) != d {
		return nil, builderrors.New(builderrors.CacheCorrupted, "remote object %s: content hash does not match name", d)
	}
	return payload, nil
}

// Has issues a HEAD request to check existence without downloading the body.
func (s *HTTPStore) Has(d hashutil.Digest) bool {
	req, err := retryablehttp.NewRequest(http.MethodHead, s.url(d), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Delete removes a remote object, if the remote supports it and this store is writable.
func (s *HTTPStore) Delete(d hashutil.Digest) error {
	if !s.writable {
		return nil
	}
	req, err := retryablehttp.NewRequest(http.MethodDelete, s.url(d), nil)
	if err != nil {
		return builderrors.Wrap(builderrors.NetworkError, err, "building DELETE request for %s", d)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return builderrors.Wrap(builderrors.NetworkError, err, "deleting %s from remote cache", d)
	}
	resp.Body.Close()
	return nil
}

// GC is a no-op on the remote tier: retention is the server's responsibility, not the client's.
func (s *HTTPStore) GC(GCPolicy) (int, error) { return 0, nil }

// Shutdown closes idle connections held by the underlying transport.
func (s *HTTPStore) Shutdown() {
	s.client.HTTPClient.CloseIdleConnections()
}

var _ Store = (*HTTPStore)(nil)
