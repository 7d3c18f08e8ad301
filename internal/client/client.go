// Package client talks to the timecapsule server. BlobClient and LedgerClient
// satisfy the pipeline's BlobStore and Ledger interfaces over HTTP.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/org/timecapsule/internal/storage"
)

// Options configures a Client.
type Options struct {
	// CACertFile, when set, replaces the system roots with this PEM bundle.
	CACertFile string
	Timeout    time.Duration
}

// Client is an HTTP client for the timecapsule API.
type Client struct {
	addr string
	http *http.Client
}

// New creates a Client for the server at addr, e.g. "http://127.0.0.1:8200".
func New(addr string, opts Options) (*Client, error) {
	if addr == "" {
		return nil, errors.New("client: server address is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CACertFile != "" {
		data, err := os.ReadFile(opts.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", opts.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		addr: strings.TrimRight(addr, "/"),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// ErrRequest matches every error answered by the server with a non-2xx status.
var ErrRequest = errors.New("request failed")

// StatusError is a non-2xx response. It matches the storage sentinels so
// callers can test remote failures with errors.Is.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

// Is maps status codes onto storage errors.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRequest:
		return true
	case storage.ErrNotFound:
		return e.Code == http.StatusNotFound
	case storage.ErrAlreadyExists:
		return e.Code == http.StatusConflict
	case storage.ErrInvalidDescriptor:
		return e.Code == http.StatusBadRequest
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, size int64, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = size
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, 0, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var result struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(data, &result); err == nil && len(result.Errors) > 0 {
		return &StatusError{Code: resp.StatusCode, Message: result.Errors[0]}
	}
	return &StatusError{Code: resp.StatusCode}
}

// Health returns the server's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/v1/sys/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}
