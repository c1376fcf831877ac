package dupdetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Provider computes embedding vectors for texts, preserving input order.
type Provider interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ProviderFactory builds a provider from the environment.
type ProviderFactory func() (Provider, error)

var providerRegistry = map[string]ProviderFactory{
	"openai": NewOpenAIProvider,
	"voyage": NewVoyageProvider,
	"local":  NewLocalProvider,
}

// NewProvider resolves a provider by name; empty name follows
// EMBEDDING_PROVIDER and defaults to "openai".
func NewProvider(name string) (Provider, error) {
	if name == "" {
		name = os.Getenv("EMBEDDING_PROVIDER")
	}
	if name == "" {
		name = "openai"
	}
	factory, ok := providerRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (have %v)", name, registeredProviders())
	}
	return factory()
}

func registeredProviders() []string {
	names := make([]string, 0, len(providerRegistry))
	for n := range providerRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newEmbedHTTPClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = nil
	return c
}

// postJSON issues one retrying POST and returns the response body.
func postJSON(ctx context.Context, client *retryablehttp.Client, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, clipBody(data))
	}
	return data, nil
}

func clipBody(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// openAIProvider talks to an OpenAI-compatible /v1/embeddings endpoint.
type openAIProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *retryablehttp.Client
}

// NewOpenAIProvider reads OPENAI_API_KEY and optional OPENAI_BASE_URL /
// OPENAI_EMBEDDING_MODEL.
func NewOpenAIProvider() (Provider, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = "https://api.openai.com"
	}
	model := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openAIProvider{
		endpoint: base + "/v1/embeddings",
		apiKey:   key,
		model:    model,
		client:   newEmbedHTTPClient(),
	}, nil
}

func (p *openAIProvider) Name() string { return "openai/" + p.model }

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	data, err := postJSON(ctx, p.client, p.endpoint,
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		map[string]any{"model": p.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("openai embed: parse response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(parsed.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// voyageProvider talks to the Voyage AI embeddings API.
type voyageProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *retryablehttp.Client
}

// NewVoyageProvider reads VOYAGE_API_KEY and optional VOYAGE_EMBEDDING_MODEL.
func NewVoyageProvider() (Provider, error) {
	key := os.Getenv("VOYAGE_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("VOYAGE_API_KEY is not set")
	}
	model := os.Getenv("VOYAGE_EMBEDDING_MODEL")
	if model == "" {
		model = "voyage-3-lite"
	}
	return &voyageProvider{
		endpoint: "https://api.voyageai.com/v1/embeddings",
		apiKey:   key,
		model:    model,
		client:   newEmbedHTTPClient(),
	}, nil
}

func (p *voyageProvider) Name() string { return "voyage/" + p.model }

func (p *voyageProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	data, err := postJSON(ctx, p.client, p.endpoint,
		map[string]string{"Authorization": "Bearer " + p.apiKey},
		map[string]any{"model": p.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("voyage embed: %w", err)
	}
	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("voyage embed: parse response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("voyage embed: got %d vectors for %d texts", len(parsed.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// localProvider talks to a self-hosted sentence-transformer HTTP server.
type localProvider struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewLocalProvider reads LOCAL_EMBEDDING_URL (default http://localhost:8080).
func NewLocalProvider() (Provider, error) {
	base := os.Getenv("LOCAL_EMBEDDING_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &localProvider{
		endpoint: base + "/embed",
		client:   newEmbedHTTPClient(),
	}, nil
}

func (p *localProvider) Name() string { return "local/sentence-transformer" }

func (p *localProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	data, err := postJSON(ctx, p.client, p.endpoint, nil,
		map[string]any{"texts": texts})
	if err != nil {
		return nil, fmt.Errorf("local embed: %w", err)
	}
	var parsed struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("local embed: parse response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("local embed: got %d vectors for %d texts", len(parsed.Embeddings), len(texts))
	}
	return parsed.Embeddings, nil
}
