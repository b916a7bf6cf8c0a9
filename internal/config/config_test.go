package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Retrieval.DefaultLimit != 40 {
		t.Errorf("DefaultLimit = %d, want 40", cfg.Retrieval.DefaultLimit)
	}
	if cfg.Retrieval.MaxTotalChunks != 200 {
		t.Errorf("MaxTotalChunks = %d, want 200", cfg.Retrieval.MaxTotalChunks)
	}
	if cfg.Retrieval.MaxDocsPerRequest != 5 {
		t.Errorf("MaxDocsPerRequest = %d, want 5", cfg.Retrieval.MaxDocsPerRequest)
	}
	if cfg.Registry.RefreshInterval != 120*time.Second {
		t.Errorf("RefreshInterval = %v, want 120s", cfg.Registry.RefreshInterval)
	}
	if cfg.Ingest.ChunkTokens != 500 || cfg.Ingest.ChunkOverlap != 100 {
		t.Errorf("chunking = %d/%d, want 500/100", cfg.Ingest.ChunkTokens, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Ingest.MaxUploadBytes != 50<<20 {
		t.Errorf("MaxUploadBytes = %d, want 50MiB", cfg.Ingest.MaxUploadBytes)
	}
	if cfg.Ingest.EmbedBatchSize != 50 {
		t.Errorf("EmbedBatchSize = %d, want 50", cfg.Ingest.EmbedBatchSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://test")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LOCAL_EMBEDDING_URL", "http://embedder:11434")
	t.Setenv("PORT", "9091")

	cfg := Default()
	applyEnvOverrides(cfg)

	if cfg.Database.URL != "postgres://test" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Embeddings.OpenAIAPIKey != "sk-test" || cfg.Generation.OpenAIAPIKey != "sk-test" {
		t.Error("OPENAI_API_KEY should apply to embeddings and generation")
	}
	if cfg.Embeddings.LocalURL != "http://embedder:11434" {
		t.Errorf("LocalURL = %q", cfg.Embeddings.LocalURL)
	}
	if cfg.Service.Port != 9091 {
		t.Errorf("Port = %d, want 9091", cfg.Service.Port)
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want missing-credential error")
	}
	for _, want := range []string{"DATABASE_URL", "OPENAI_API_KEY", "BLOB_STORE_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestValidateChunkOverlap(t *testing.T) {
	cfg := Default()
	cfg.Database.URL = "postgres://x"
	cfg.Embeddings.OpenAIAPIKey = "k"
	cfg.Blob.URL = "http://blob"
	cfg.Blob.ServiceKey = "key"
	cfg.Ingest.ChunkOverlap = cfg.Ingest.ChunkTokens

	if err := cfg.Validate(); err == nil {
		t.Error("overlap >= window should fail validation")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pagecite.yaml")
	body := []byte(`
service:
  port: 9000
retrieval:
  default_limit: 25
  max_total_chunks: 150
registry:
  refresh_interval: 60s
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Service.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Service.Port)
	}
	if cfg.Retrieval.DefaultLimit != 25 {
		t.Errorf("DefaultLimit = %d, want 25", cfg.Retrieval.DefaultLimit)
	}
	if cfg.Registry.RefreshInterval != 60*time.Second {
		t.Errorf("RefreshInterval = %v, want 60s", cfg.Registry.RefreshInterval)
	}
	// untouched keys keep defaults
	if cfg.Retrieval.MaxPerDocument != 100 {
		t.Errorf("MaxPerDocument = %d, want default 100", cfg.Retrieval.MaxPerDocument)
	}
}
