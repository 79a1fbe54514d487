// Package cloudclient implements cloudproto.DocumentService and
// cloudproto.BlobService against a plain HTTP endpoint. No library in the
// retrieval pack offers a REST document-tree client shaped like Ledger's
// remote document service contract (get/put/patch/delete/watch over a
// Firebase-style path tree), so this is built directly on net/http rather
// than adapting an unrelated client library to a contract it wasn't meant
// for.
package cloudclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/ledger/internal/cloudproto"
	"github.com/cuemby/ledger/internal/ledgererr"
)

// DocumentClient talks to a remote document service reachable at baseURL.
type DocumentClient struct {
	baseURL string
	http    *http.Client
	// PollInterval governs how often Watch re-polls path for changes,
	// since a generic document endpoint isn't assumed to support
	// long-lived streaming connections.
	PollInterval time.Duration
}

// NewDocumentClient builds a client against baseURL (e.g.
// "https://ledger-cloud.example.com").
func NewDocumentClient(baseURL string) *DocumentClient {
	return &DocumentClient{
		baseURL:      baseURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		PollInterval: 2 * time.Second,
	}
}

func (c *DocumentClient) url(path string) string {
	return fmt.Sprintf("%s/%s", c.baseURL, path)
}

// Get returns the value stored at path, or a nil slice if absent.
func (c *DocumentClient) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ledgererr.Network, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, path)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response for %s: %v", ledgererr.Network, path, err)
	}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return data, nil
}

// Put writes value verbatim to path.
func (c *DocumentClient) Put(ctx context.Context, path string, value []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(path), bytes.NewReader(value))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ledgererr.Network, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return classifyStatus(resp.StatusCode, path)
	}
	return nil
}

// Patch merges fields into the document at path.
func (c *DocumentClient) Patch(ctx context.Context, path string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: encode patch for %s: %v", ledgererr.DataIntegrity, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.url(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: patch %s: %v", ledgererr.Network, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return classifyStatus(resp.StatusCode, path)
	}
	return nil
}

// Delete removes the document at path.
func (c *DocumentClient) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ledgererr.Network, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return classifyStatus(resp.StatusCode, path)
	}
	return nil
}

// Watch polls path for changes at PollInterval, emitting an event whenever
// the stored content differs from what was last observed. fromTimestamp is
// accepted for contract compatibility but a plain REST endpoint has no
// way to resume a server-side change stream from it; every Watch starts by
// reading the current value and emits initial + subsequent changes.
func (c *DocumentClient) Watch(ctx context.Context, path string, fromTimestamp int64) (<-chan cloudproto.WatchEvent, error) {
	out := make(chan cloudproto.WatchEvent, 8)
	go func() {
		defer close(out)
		var last []byte
		ticker := time.NewTicker(c.PollInterval)
		defer ticker.Stop()
		for {
			data, err := c.Get(ctx, path)
			if err == nil && !bytes.Equal(data, last) && data != nil {
				last = data
				select {
				case out <- cloudproto.WatchEvent{Path: path, Data: data}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func classifyStatus(status int, path string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s (status %d)", ledgererr.Auth, path, status)
	case status >= 500:
		return fmt.Errorf("%w: %s (status %d)", ledgererr.Network, path, status)
	default:
		return fmt.Errorf("%w: %s (status %d)", ledgererr.Network, path, status)
	}
}

// BlobClient talks to a remote content-addressed blob service at baseURL.
type BlobClient struct {
	baseURL string
	http    *http.Client
}

// NewBlobClient builds a client against baseURL.
func NewBlobClient(baseURL string) *BlobClient {
	return &BlobClient{baseURL: baseURL, http: &http.Client{Timeout: 60 * time.Second}}
}

// Upload stores size bytes from r under key. Re-uploading an existing key
// is treated as success without sending the body (r is drained and
// discarded), mirroring an if-none-match precondition: a HEAD check
// precedes the PUT.
func (c *BlobClient) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.blobURL(key), nil)
	if err != nil {
		return err
	}
	if resp, err := c.http.Do(headReq); err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			io.Copy(io.Discard, r)
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.blobURL(key), r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", ledgererr.Network, key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return classifyStatus(resp.StatusCode, key)
	}
	return nil
}

// Download returns a stream for key and its declared size.
func (c *BlobClient) Download(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(key), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: download %s: %v", ledgererr.Network, key, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, classifyStatus(resp.StatusCode, key)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *BlobClient) blobURL(key string) string {
	return fmt.Sprintf("%s/blobs/%s", c.baseURL, key)
}
