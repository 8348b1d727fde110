package ai

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// anthropicCodec speaks the Messages API: `event: <type>` / `data: {json}`
// pairs, text arriving in content_block_delta events.
type anthropicCodec struct{}

type anthropicChatReq struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
	Stream      bool      `json:"stream"`
}

type anthropicChatResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error json.RawMessage `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error json.RawMessage `json:"error,omitempty"`
}

func (anthropicCodec) body(model, system string, history []Message, user string, p Params) ([]byte, error) {
	// The Messages API rejects system-role turns; they travel in "system".
	systemParts := make([]string, 0, 1)
	if system != "" {
		systemParts = append(systemParts, system)
	}
	msgs := make([]Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: user})

	return json.Marshal(anthropicChatReq{
		Model:       model,
		System:      strings.Join(systemParts, "\n\n"),
		Messages:    msgs,
		MaxTokens:   p.maxTokens(),
		Temperature: p.temperature(),
		TopP:        p.topP(),
		Stream:      p.Stream,
	})
}

func (anthropicCodec) setAuth(h http.Header, key string) {
	h.Set("x-api-key", key)
	h.Set("anthropic-version", anthropicVersion)
}

func (anthropicCodec) prefix() string { return "data:" }

func (anthropicCodec) terminal([]byte) bool { return false }

func (anthropicCodec) delta(payload []byte) (string, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", err
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type == "" || ev.Delta.Type == "text_delta" {
			return ev.Delta.Text, nil
		}
	case "error":
		return "", &TransportError{Kind: KindProvider, Message: inlineErrorMessage(ev.Error)}
	}
	return "", nil
}

func (anthropicCodec) complete(body []byte) (string, error) {
	var decoded anthropicChatResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if hasError(decoded.Error) {
		return "", &TransportError{Kind: KindProvider, Message: inlineErrorMessage(decoded.Error)}
	}
	if len(decoded.Content) == 0 {
		return "", errors.New("anthropic: empty response")
	}
	var b strings.Builder
	for _, c := range decoded.Content {
		if c.Type == "" || c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String(), nil
}
