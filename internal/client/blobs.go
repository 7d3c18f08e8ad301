package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// BlobClient stores and fetches blobs through /v1/blobs.
type BlobClient struct {
	c       *Client
	maxSize int64
}

// Blobs returns the blob API of c.
func (c *Client) Blobs() *BlobClient {
	return &BlobClient{c: c, maxSize: 256 << 20}
}

// Put uploads data and returns its content address. progress receives the
// share of the body sent so far.
func (b *BlobClient) Put(ctx context.Context, data []byte, name string, progress func(int)) (string, error) {
	var body io.Reader = bytes.NewReader(data)
	if progress != nil {
		body = &countingReader{r: body, total: int64(len(data)), progress: progress}
	}
	header := http.Header{"Content-Type": {"application/octet-stream"}}
	if name != "" {
		header.Set("X-Blob-Name", name)
	}

	resp, err := b.c.do(ctx, http.MethodPost, "/v1/blobs", body, int64(len(data)), header)
	if err != nil {
		return "", fmt.Errorf("uploading blob: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Address string `json:"address"`
		Size    int    `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if out.Size != len(data) {
		return "", fmt.Errorf("server stored %d bytes, sent %d", out.Size, len(data))
	}
	if progress != nil {
		progress(100)
	}
	return out.Address, nil
}

// Get downloads the blob at address.
func (b *BlobClient) Get(ctx context.Context, address string) ([]byte, error) {
	resp, err := b.c.do(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(address), nil, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading blob %s: %w", address, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("downloading blob %s: %w", address, err)
	}
	if int64(len(data)) > b.maxSize {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", address, b.maxSize)
	}
	return data, nil
}

// Has reports whether the server holds a blob at address.
func (b *BlobClient) Has(ctx context.Context, address string) (bool, error) {
	resp, err := b.c.do(ctx, http.MethodHead, "/v1/blobs/"+url.PathEscape(address), nil, 0, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

type countingReader struct {
	r        io.Reader
	sent     int64
	total    int64
	last     int
	progress func(int)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.sent += int64(n)
	if cr.total > 0 {
		// 100 is reported once the server has answered.
		pct := int(cr.sent * 99 / cr.total)
		if pct > cr.last {
			cr.last = pct
			cr.progress(pct)
		}
	}
	return n, err
}
