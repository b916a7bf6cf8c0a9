package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/models"
)

// Provider turns texts into vectors. Implementations are safe for concurrent
// use.
type Provider interface {
	// Name identifies the backing account for pacing and breaker labels.
	Name() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIProvider embeds through the OpenAI embeddings API.
type OpenAIProvider struct {
	client openaisdk.Client
	model  openaisdk.EmbeddingModel
	dims   int
}

func NewOpenAIProvider(cfg config.EmbeddingsConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return &OpenAIProvider{
		client: openaisdk.NewClient(opts...),
		model:  openaisdk.EmbeddingModel(cfg.RemoteModel),
		dims:   models.RemoteDimensions,
	}
}

func (p *OpenAIProvider) Name() string    { return "openai" }
func (p *OpenAIProvider) Dimensions() int { return p.dims }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Model: p.model,
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[int(d.Index)] = vec
	}
	return out, nil
}

// OllamaProvider embeds through a local Ollama-compatible server. It is only
// probed when a document actually selects the local partition, so deployments
// without the sidecar never pay for it.
type OllamaProvider struct {
	baseURL string
	model   string
	http    *http.Client

	probeOnce sync.Once
	probeErr  error
}

func NewOllamaProvider(cfg config.EmbeddingsConfig) *OllamaProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(cfg.LocalURL, "/"),
		model:   cfg.LocalModel,
		http:    &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string    { return "ollama" }
func (p *OllamaProvider) Dimensions() int { return models.LocalDimensions }

func (p *OllamaProvider) probe(ctx context.Context) error {
	p.probeOnce.Do(func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
		if err != nil {
			p.probeErr = err
			return
		}
		resp, err := p.http.Do(req)
		if err != nil {
			p.probeErr = fmt.Errorf("local embedding server unreachable at %s: %w", p.baseURL, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			p.probeErr = fmt.Errorf("local embedding server returned %d", resp.StatusCode)
		}
	})
	return p.probeErr
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.probe(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama embeddings returned %d: %s", resp.StatusCode, string(payload))
	}
	var er ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if len(er.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding")
	}
	return er.Embedding, nil
}
