package ai

import (
	"encoding/json"
	"errors"
	"testing"
)

func testRegistry() *Registry {
	descs := DefaultDescriptors()
	for i := range descs {
		if descs[i].Dialect.RequiresKey() {
			descs[i].APIKey = "sk-test"
		}
	}
	return NewRegistry(descs...)
}

func TestBuild_OpenAIMessageOrder(t *testing.T) {
	b := NewBuilder(testRegistry())
	temp := 0.2
	req, err := b.Build(Conversation{
		ProviderID: "OpenAI",
		ModelID:    "gpt-4",
		History: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
	}, "how are you", Params{Temperature: &temp, SystemPrompt: "be brief", Stream: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("unexpected auth header: %q", got)
	}
	if got := req.Header.Get("Accept"); got != "text/event-stream" {
		t.Fatalf("unexpected accept header: %q", got)
	}

	var body openAIChatReq
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Model != "gpt-4" || !body.Stream || body.Temperature != 0.2 || body.MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected body: %+v", body)
	}
	want := []string{"system:be brief", "user:hi", "assistant:hello", "user:how are you"}
	if len(body.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(body.Messages))
	}
	for i, m := range body.Messages {
		if m.Role+":"+m.Content != want[i] {
			t.Fatalf("message %d = %s:%s, want %s", i, m.Role, m.Content, want[i])
		}
	}
}

func TestBuild_AnthropicSystemField(t *testing.T) {
	b := NewBuilder(testRegistry())
	req, err := b.Build(Conversation{ProviderID: "anthropic"}, "q", Params{SystemPrompt: "sys", Stream: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Header.Get("x-api-key") != "sk-test" || req.Header.Get("anthropic-version") != anthropicVersion {
		t.Fatalf("unexpected headers: %v", req.Header)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("anthropic request must not carry a bearer token")
	}

	var body anthropicChatReq
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.System != "sys" {
		t.Fatalf("expected system field, got %q", body.System)
	}
	if body.Model != "claude-3-sonnet" {
		t.Fatalf("expected default model, got %q", body.Model)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != RoleUser {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
}

func TestBuild_ExtraFieldsCannotOverrideReserved(t *testing.T) {
	b := NewBuilder(testRegistry())
	req, err := b.Build(Conversation{ProviderID: "deepseek", ModelID: "deepseek-chat"}, "q", Params{
		Extra: map[string]any{"model": "other", "user": "u-1"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["model"] != "deepseek-chat" || body["user"] != "u-1" {
		t.Fatalf("unexpected merged body: %v", body)
	}
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	reg := NewRegistry(
		Descriptor{ID: "nokey", APIURL: "https://example.com/v1/chat", Models: []Model{{ID: "m"}}},
		Descriptor{ID: "badurl", APIURL: "not a url", APIKey: "k", Models: []Model{{ID: "m"}}},
		Descriptor{ID: "nourl", APIKey: "k", Models: []Model{{ID: "m"}}},
		Descriptor{ID: "local", APIURL: "http://localhost:11434/api/chat", Dialect: DialectOllama},
	)
	b := NewBuilder(reg)

	cases := map[string]string{
		"nokey":   "api_key",
		"badurl":  "api_url",
		"nourl":   "api_url",
		"missing": "provider",
		"local":   "model",
	}
	for provider, field := range cases {
		_, err := b.Build(Conversation{ProviderID: provider}, "q", Params{})
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: expected ConfigurationError, got %v", provider, err)
		}
		if ce.Field != field {
			t.Fatalf("%s: field=%q want %q", provider, ce.Field, field)
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected errors.Is ErrConfiguration", provider)
		}
	}
}

func TestBuild_OllamaWithoutKey(t *testing.T) {
	b := NewBuilder(NewRegistry(DefaultDescriptors()...))
	req, err := b.Build(Conversation{ProviderID: "ollama"}, "q", Params{Stream: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("unexpected auth header")
	}
	if req.Header.Get("Accept") != "" {
		t.Fatalf("ndjson request should not ask for an event stream")
	}
}

func TestParseComplete(t *testing.T) {
	cases := []struct {
		dialect Dialect
		body    string
		want    string
	}{
		{DialectOpenAI, `{"choices":[{"message":{"role":"assistant","content":"one"}}]}`, "one"},
		{DialectAnthropic, `{"content":[{"type":"text","text":"tw"},{"type":"text","text":"o"}]}`, "two"},
		{DialectOllama, `{"message":{"role":"assistant","content":"three"},"done":true}`, "three"},
	}
	for _, c := range cases {
		got, err := ParseComplete(c.dialect, []byte(c.body))
		if err != nil {
			t.Fatalf("%s: %v", c.dialect, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %q want %q", c.dialect, got, c.want)
		}
	}
}

func TestValidURL(t *testing.T) {
	good := []string{"https://api.openai.com/v1/chat/completions", "http://localhost:11434/api/chat"}
	bad := []string{"", "api.openai.com", "ftp://example.com", "https://"}
	for _, u := range good {
		if !ValidURL(u) {
			t.Fatalf("expected %q to be valid", u)
		}
	}
	for _, u := range bad {
		if ValidURL(u) {
			t.Fatalf("expected %q to be invalid", u)
		}
	}
}
