package ai

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
	DefaultTopP        = 1.0
)

// Params are the generation parameters of one request. Nil pointers take the
// package defaults.
type Params struct {
	Temperature  *float64
	MaxTokens    *int
	TopP         *float64
	SystemPrompt string
	// Stream sets the provider's stream flag. A false value selects the
	// degraded path where the whole body is parsed at end of response.
	Stream bool
	// Extra fields merged into OpenAI-family request bodies.
	Extra map[string]any
}

func (p Params) temperature() float64 {
	if p.Temperature == nil {
		return DefaultTemperature
	}
	return *p.Temperature
}

func (p Params) maxTokens() int {
	if p.MaxTokens == nil || *p.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return *p.MaxTokens
}

func (p Params) topP() float64 {
	if p.TopP == nil {
		return DefaultTopP
	}
	return *p.TopP
}

// Conversation is the snapshot of a session a request is built from.
type Conversation struct {
	ProviderID string
	ModelID    string
	History    []Message
}

// Request is a fully serialized provider call.
type Request struct {
	Provider string
	Dialect  Dialect
	Model    string
	URL      string
	Header   http.Header
	Body     []byte
	Stream   bool
}

// codec is the per-dialect strategy: payload shape, auth headers and the
// decoding rules of streamed frames.
type codec interface {
	body(model, system string, history []Message, user string, p Params) ([]byte, error)
	setAuth(h http.Header, key string)
	// prefix is the literal that marks an event line; "" means every line is an event.
	prefix() string
	terminal(payload []byte) bool
	// delta extracts the text fragment of one event payload.
	delta(payload []byte) (string, error)
	complete(body []byte) (string, error)
}

func codecFor(d Dialect) codec {
	switch d {
	case DialectAnthropic:
		return anthropicCodec{}
	case DialectOllama:
		return ollamaCodec{}
	default:
		return openAICodec{}
	}
}

// Builder serializes provider requests. It has no side effects.
type Builder struct {
	registry *Registry
}

func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry}
}

func (b *Builder) Registry() *Registry { return b.registry }

// Descriptor resolves and validates the provider a request would be sent to.
func (b *Builder) Descriptor(providerID string) (Descriptor, error) {
	desc, err := b.registry.Get(providerID)
	if err != nil {
		return Descriptor{}, &ConfigurationError{Provider: providerID, Field: "provider", Reason: "not configured"}
	}
	if strings.TrimSpace(desc.APIURL) == "" {
		return Descriptor{}, &ConfigurationError{Provider: desc.ID, Field: "api_url", Reason: "not configured"}
	}
	if !ValidURL(desc.APIURL) {
		return Descriptor{}, &ConfigurationError{Provider: desc.ID, Field: "api_url", Reason: "invalid URL format: " + desc.APIURL}
	}
	if desc.Dialect.RequiresKey() && strings.TrimSpace(desc.APIKey) == "" {
		return Descriptor{}, &ConfigurationError{Provider: desc.ID, Field: "api_key", Reason: "not configured"}
	}
	return desc, nil
}

// Build assembles the request for userMessage on top of conv's history.
func (b *Builder) Build(conv Conversation, userMessage string, p Params) (*Request, error) {
	desc, err := b.Descriptor(conv.ProviderID)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(conv.ModelID)
	if model == "" {
		model = desc.DefaultModel()
	}
	if model == "" {
		return nil, &ConfigurationError{Provider: desc.ID, Field: "model", Reason: "not configured"}
	}

	c := codecFor(desc.Dialect)
	body, err := c.body(model, strings.TrimSpace(p.SystemPrompt), conv.History, userMessage, p)
	if err != nil {
		return nil, err
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if p.Stream && c.prefix() != "" {
		h.Set("Accept", "text/event-stream")
	}
	for k, v := range desc.Headers {
		h.Set(k, v)
	}
	c.setAuth(h, desc.APIKey)

	return &Request{
		Provider: desc.ID,
		Dialect:  desc.Dialect,
		Model:    model,
		URL:      desc.APIURL,
		Header:   h,
		Body:     body,
		Stream:   p.Stream,
	}, nil
}

// ValidURL accepts absolute http(s) URLs with a host.
func ValidURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != "" && !strings.ContainsAny(u.Host, " \t")
}

// ParseComplete extracts the assistant text from a non-streamed response body.
func ParseComplete(d Dialect, body []byte) (string, error) {
	return codecFor(d).complete(body)
}
