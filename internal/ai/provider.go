package ai

import (
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one (role, content) turn as sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Dialect is the wire convention a provider speaks: request shape, auth headers
// and the framing of its streamed partial responses.
type Dialect int

const (
	// DialectOpenAI covers OpenAI, DeepSeek, OpenRouter and every provider that
	// is not registered under another dialect.
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectOllama
)

func (d Dialect) String() string {
	switch d {
	case DialectAnthropic:
		return "anthropic"
	case DialectOllama:
		return "ollama"
	default:
		return "openai"
	}
}

// ParseDialect maps a configured dialect tag to a Dialect. Unknown tags fall
// back to DialectOpenAI.
func ParseDialect(s string) Dialect {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anthropic", "claude":
		return DialectAnthropic
	case "ollama", "ndjson":
		return DialectOllama
	default:
		return DialectOpenAI
	}
}

// RequiresKey reports whether requests in this dialect must carry a credential.
func (d Dialect) RequiresKey() bool {
	return d != DialectOllama
}

// Model is one entry of a provider's model catalogue.
type Model struct {
	ID             string `json:"id" toml:"id"`
	Name           string `json:"name" toml:"name"`
	MaxTokens      int    `json:"max_tokens" toml:"max_tokens"`
	SupportsStream bool   `json:"supports_stream" toml:"supports_stream"`
}

// Descriptor is the immutable description of one LLM provider.
type Descriptor struct {
	ID      string
	Name    string
	APIURL  string
	APIKey  string
	Dialect Dialect
	// Headers are sent verbatim with every request (e.g. OpenRouter's
	// HTTP-Referer and X-Title).
	Headers map[string]string
	Models  []Model
}

// Model returns the catalogue entry for id, if any.
func (d Descriptor) Model(id string) (Model, bool) {
	for _, m := range d.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// DefaultModel returns the first catalogued model id, or "" when none is configured.
func (d Descriptor) DefaultModel() string {
	if len(d.Models) == 0 {
		return ""
	}
	return d.Models[0].ID
}

// DefaultDescriptors is the provider table used when no configuration file is present.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:      "openai",
			Name:    "OpenAI",
			APIURL:  "https://api.openai.com/v1/chat/completions",
			Dialect: DialectOpenAI,
			Models: []Model{
				{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", MaxTokens: 4096, SupportsStream: true},
				{ID: "gpt-4", Name: "GPT-4", MaxTokens: 8192, SupportsStream: true},
				{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", MaxTokens: 4096, SupportsStream: true},
			},
		},
		{
			ID:      "anthropic",
			Name:    "Anthropic",
			APIURL:  "https://api.anthropic.com/v1/messages",
			Dialect: DialectAnthropic,
			Models: []Model{
				{ID: "claude-3-sonnet", Name: "Claude 3 Sonnet", MaxTokens: 4096, SupportsStream: true},
				{ID: "claude-3-opus", Name: "Claude 3 Opus", MaxTokens: 4096, SupportsStream: true},
				{ID: "claude-2", Name: "Claude 2", MaxTokens: 4096, SupportsStream: true},
			},
		},
		{
			ID:      "deepseek",
			Name:    "DeepSeek",
			APIURL:  "https://api.deepseek.com/v1/chat/completions",
			Dialect: DialectOpenAI,
			Models: []Model{
				{ID: "deepseek-chat", Name: "DeepSeek Chat", MaxTokens: 4096, SupportsStream: true},
				{ID: "deepseek-coder", Name: "DeepSeek Coder", MaxTokens: 8192, SupportsStream: true},
			},
		},
		{
			ID:      "openrouter",
			Name:    "OpenRouter",
			APIURL:  "https://openrouter.ai/api/v1/chat/completions",
			Dialect: DialectOpenAI,
			Models: []Model{
				{ID: "openrouter/auto", Name: "Auto", MaxTokens: 4096, SupportsStream: true},
			},
		},
		{
			ID:      "ollama",
			Name:    "Ollama",
			APIURL:  "http://localhost:11434/api/chat",
			Dialect: DialectOllama,
			Models: []Model{
				{ID: "llama3:latest", Name: "Llama 3", MaxTokens: 8192, SupportsStream: true},
			},
		},
	}
}
