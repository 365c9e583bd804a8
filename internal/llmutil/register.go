// Package llmutil wires the built-in provider backends into an
// llm.ProviderFactory.
package llmutil

import (
	"fmt"

	"github.com/efebarandurmaz/pdfrag/internal/domain"
	"github.com/efebarandurmaz/pdfrag/internal/llm"
	"github.com/efebarandurmaz/pdfrag/internal/llm/anthropic"
	"github.com/efebarandurmaz/pdfrag/internal/llm/openai"
)

// RegisterDefaultProviders registers all built-in LLM provider constructors
// (anthropic, openai, and all OpenAI-compatible providers) into factory.
// The CLI and the MCP server share this so both see the same presets.
func RegisterDefaultProviders(factory *llm.ProviderFactory) {
	factory.Register("anthropic", func(c llm.ProviderConfig) (llm.Provider, error) {
		return anthropic.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	factory.Register("openai", func(c llm.ProviderConfig) (llm.Provider, error) {
		return openai.New(c.APIKey, c.Model, c.BaseURL, c.EmbedModel), nil
	})
	// All OpenAI-compatible providers
	for _, name := range []string{"groq", "huggingface", "ollama", "together", "deepseek"} {
		preset := llm.KnownProviders[name]
		factory.Register(name, func(c llm.ProviderConfig) (llm.Provider, error) {
			base := c.BaseURL
			if base == "" {
				base = preset
			}
			return openai.New(c.APIKey, c.Model, base, c.EmbedModel).WithName(name), nil
		})
	}
	factory.Register("custom", func(c llm.ProviderConfig) (llm.Provider, error) {
		if c.BaseURL == "" {
			return nil, fmt.Errorf("%w: provider \"custom\" requires a base_url", domain.ErrConfiguration)
		}
		return openai.New(c.APIKey, c.Model, c.BaseURL, c.EmbedModel).WithName("custom"), nil
	})
}
