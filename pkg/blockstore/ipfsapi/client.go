// Package ipfsapi implements the remote block store backends: the IPFS HTTP
// API, the IPFS Cluster API (block writes via /add, reads via the cluster's
// IPFS proxy), and the IPFS Pinning Services API. Transport failures are
// retried with exponential backoff inside a bounded budget; integrity and
// not-found errors are surfaced immediately.
package ipfsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/functionland/fula-store/pkg/blockstore"
)

const (
	// DefaultRequestTimeout bounds every block store call
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries bounds the transport retry budget
	DefaultMaxRetries = 3
)

// ClientConfig holds shared HTTP client configuration
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:5001
	BaseURL string
	// Timeout bounds each request, default 30s
	Timeout time.Duration
	// MaxRetries bounds the transport retry budget, default 3
	MaxRetries int
	// Logger receives transport diagnostics; never logs payload bytes
	Logger zerolog.Logger
}

func (c *ClientConfig) normalize() error {
	if c.BaseURL == "" {
		return &blockstore.StoreError{Code: blockstore.CodeConfiguration, Message: "base URL is required"}
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return &blockstore.StoreError{Code: blockstore.CodeConfiguration, Message: "invalid base URL", Cause: err}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return nil
}

type httpClient struct {
	cfg     ClientConfig
	backend string
	client  *http.Client
}

func newHTTPClient(cfg ClientConfig, backend string) (*httpClient, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &httpClient{
		cfg:     cfg,
		backend: backend,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// postMultipart sends data as a multipart file field named "file"
func (h *httpClient) postMultipart(ctx context.Context, path string, data []byte) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "blob")
	if err != nil {
		return nil, transportErr(h.backend, err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, transportErr(h.backend, err)
	}
	if err := w.Close(); err != nil {
		return nil, transportErr(h.backend, err)
	}

	return h.do(ctx, http.MethodPost, path, w.FormDataContentType(), body.Bytes(), "")
}

func (h *httpClient) post(ctx context.Context, path string) ([]byte, error) {
	return h.do(ctx, http.MethodPost, path, "", nil, "")
}

func (h *httpClient) do(ctx context.Context, method, path, contentType string, body []byte, bearer string) ([]byte, error) {
	var out []byte
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, h.cfg.BaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(transportErr(h.backend, err))
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return classifyTransport(h.backend, err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransport(h.backend, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out = payload
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(&blockstore.StoreError{
				Code:    blockstore.CodeNotFound,
				Message: "not found",
				Backend: h.backend,
			})
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return &blockstore.StoreError{
				Code:    blockstore.CodeConnection,
				Message: fmt.Sprintf("server returned %d", resp.StatusCode),
				Backend: h.backend,
			}
		default:
			return backoff.Permanent(&blockstore.StoreError{
				Code:    blockstore.CodeInvalidInput,
				Message: fmt.Sprintf("server rejected request with %d: %s", resp.StatusCode, truncate(payload)),
				Backend: h.backend,
			})
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.cfg.MaxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		h.cfg.Logger.Warn().Err(err).Dur("retry_in", wait).Str("path", path).Msg("retrying request")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return out, nil
}

func classifyTransport(backend string, err error) error {
	code := blockstore.CodeConnection
	msg := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		code = blockstore.CodeTimeout
		msg = "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	return &blockstore.StoreError{Code: code, Message: msg, Backend: backend, Cause: err}
}

func transportErr(backend string, err error) error {
	return &blockstore.StoreError{Code: blockstore.CodeConnection, Backend: backend, Cause: err}
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func decodeJSON(backend string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &blockstore.StoreError{Code: blockstore.CodeSerialization, Backend: backend, Cause: err}
	}
	return nil
}
