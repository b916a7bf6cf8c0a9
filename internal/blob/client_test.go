package blob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.BlobConfig{
		URL:        srv.URL,
		ServiceKey: "service-key",
		Bucket:     "documents",
	}, zap.NewNop())
}

func TestDownload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/storage/v1/object/documents/owner/file.pdf", r.URL.Path)
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		w.Write([]byte("%PDF-1.7 payload"))
	})

	data, err := c.Download(context.Background(), "owner/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 payload", string(data))
}

func TestDownloadNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Download(context.Background(), "missing.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestUpload(t *testing.T) {
	var gotUpsert string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUpsert = r.Header.Get("x-upsert")
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.Upload(context.Background(), "owner/file.pdf", []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "true", gotUpsert)
}
