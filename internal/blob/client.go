// Package blob is the HTTP client for the object store that holds uploaded
// PDFs. The store speaks a flat object API: one path per object under a
// bucket, authenticated with a service key.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/tracing"
)

// maxObjectBytes caps a single download. Uploads are capped at the HTTP edge
// before they reach the store.
const maxObjectBytes = 100 << 20

// Client fetches and stores objects by path.
type Client struct {
	base   string
	bucket string
	key    string
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds the store client from config.
func NewClient(cfg config.BlobConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		bucket: cfg.Bucket,
		key:    cfg.ServiceKey,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *Client) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", c.base, c.bucket, strings.TrimLeft(path, "/"))
}

// Download fetches one object.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("object %s not found", path)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download %s returned %d: %s", path, resp.StatusCode, string(payload))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	c.logger.Debug("Downloaded object",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return data, nil
}

// Upload stores one object, replacing any previous content at the path.
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload %s returned %d: %s", path, resp.StatusCode, string(payload))
	}
	c.logger.Debug("Uploaded object", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}
