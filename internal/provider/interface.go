// Package provider selects and constructs the chat model that answers
// Stevie's questions. Supported backends: OpenAI, Azure OpenAI, Ollama,
// Google Gemini and Volcengine Ark.
package provider

import (
	"fmt"
	"strings"

	"github.com/54b3r/stevie-go/internal/rag"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
	// BackendArk selects the Volcengine Ark model runtime.
	BackendArk Backend = "ark"
)

// ProviderOpenAI holds OpenAI settings.
type ProviderOpenAI struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, e.g. for an OpenAI-compatible proxy.
	BaseURL string
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// ProviderOllama holds Ollama settings.
type ProviderOllama struct {
	Host  string
	Model string
}

// ProviderGemini holds Google AI Studio settings.
type ProviderGemini struct {
	APIKey string
	Model  string
}

// ProviderArk holds Volcengine Ark settings.
type ProviderArk struct {
	APIKey  string
	Model   string
	BaseURL string
}

// SharedTuning holds generation parameters applied to every backend that
// accepts them.
type SharedTuning struct {
	// MaxTokens caps the number of tokens the model may generate per answer.
	MaxTokens int
	// Temperature controls response randomness (0.0-1.0).
	Temperature float32
}

// Config holds all provider-level configuration. Only the block matching
// Backend is read.
type Config struct {
	Backend     Backend
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Ollama      ProviderOllama
	Gemini      ProviderGemini
	Ark         ProviderArk
	Tuning      SharedTuning
}

// Validate reports the first missing setting for the selected backend,
// naming the environment variable that supplies it.
func (c *Config) Validate() error {
	var missing string
	switch c.Backend {
	case BackendOpenAI:
		switch {
		case c.OpenAI.APIKey == "":
			missing = "OPENAI_API_KEY"
		case c.OpenAI.Model == "":
			missing = "OPENAI_MODEL"
		}
	case BackendAzure:
		switch {
		case c.AzureOpenAI.APIKey == "":
			missing = "AZURE_OPENAI_API_KEY"
		case c.AzureOpenAI.Endpoint == "":
			missing = "AZURE_OPENAI_ENDPOINT"
		case c.AzureOpenAI.Deployment == "":
			missing = "AZURE_OPENAI_DEPLOYMENT"
		}
	case BackendOllama:
		if c.Ollama.Model == "" {
			missing = "OLLAMA_MODEL"
		}
	case BackendGemini:
		switch {
		case c.Gemini.APIKey == "":
			missing = "GOOGLE_API_KEY"
		case c.Gemini.Model == "":
			missing = "GEMINI_MODEL"
		}
	case BackendArk:
		switch {
		case c.Ark.APIKey == "":
			missing = "ARK_API_KEY"
		case c.Ark.Model == "":
			missing = "ARK_MODEL"
		}
	default:
		return fmt.Errorf("provider: %w: unknown backend %q (valid values: %s)",
			rag.ErrConfiguration, c.Backend, strings.Join(backendNames(), ", "))
	}
	if missing != "" {
		return fmt.Errorf("provider: %w: %s is required for the %s backend", rag.ErrConfiguration, missing, c.Backend)
	}
	if c.Tuning.Temperature < 0 || c.Tuning.Temperature > 2 {
		return fmt.Errorf("provider: %w: MODEL_TEMPERATURE must be within [0, 2], got %g", rag.ErrConfiguration, c.Tuning.Temperature)
	}
	return nil
}

// ModelName returns the model or deployment the config selects.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendOllama:
		return c.Ollama.Model
	case BackendGemini:
		return c.Gemini.Model
	case BackendArk:
		return c.Ark.Model
	}
	return ""
}

func backendNames() []string {
	return []string{
		string(BackendOpenAI), string(BackendAzure), string(BackendOllama),
		string(BackendGemini), string(BackendArk),
	}
}
