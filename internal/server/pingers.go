package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	openai "github.com/sashabaranov/go-openai"
)

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// HTTPPinger probes a dependency with a GET request and expects a 2xx
// response. It is used for Ollama, whose GET /api/tags lists local models
// without loading one.
type HTTPPinger struct {
	name   string
	url    string
	client *http.Client
}

// NewOllamaPinger constructs an HTTPPinger for the Ollama instance at host.
func NewOllamaPinger(host string) *HTTPPinger {
	return NewHTTPPinger("ollama", strings.TrimRight(host, "/")+"/api/tags", nil)
}

// NewHTTPPinger constructs an HTTPPinger. A nil client selects
// http.DefaultClient; the probe deadline comes from the request context.
func NewHTTPPinger(name, url string, client *http.Client) *HTTPPinger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPinger{name: name, url: url, client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *HTTPPinger) Name() string { return p.name }

// Ping issues the GET request.
func (p *HTTPPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// OpenAIPinger probes an OpenAI or Azure OpenAI endpoint by listing models,
// which consumes no tokens.
type OpenAIPinger struct {
	name   string
	client *openai.Client
}

// NewOpenAIPinger constructs an OpenAIPinger from a go-openai client config.
func NewOpenAIPinger(name string, cfg openai.ClientConfig) *OpenAIPinger {
	return &OpenAIPinger{name: name, client: openai.NewClientWithConfig(cfg)}
}

// Name returns the dependency label used in readiness responses.
func (p *OpenAIPinger) Name() string { return p.name }

// Ping lists the models visible to the configured key.
func (p *OpenAIPinger) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models failed: %w", err)
	}
	return nil
}
