package ai

import (
	"encoding/json"
	"errors"
	"net/http"
)

// openAICodec speaks the chat-completions dialect used by OpenAI, DeepSeek and
// OpenRouter: `data: {json}` frames terminated by `data: [DONE]`.
type openAICodec struct{}

type openAIChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopP        float64   `json:"top_p"`
	Stream      bool      `json:"stream"`
}

type openAIChatResp struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

type openAIStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// reserved body keys that caller supplied extras may not override.
var openAIReserved = map[string]bool{"model": true, "messages": true, "stream": true}

func (openAICodec) body(model, system string, history []Message, user string, p Params) ([]byte, error) {
	msgs := make([]Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: user})

	reqBody := openAIChatReq{
		Model:       model,
		Messages:    msgs,
		Temperature: p.temperature(),
		MaxTokens:   p.maxTokens(),
		TopP:        p.topP(),
		Stream:      p.Stream,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return b, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if openAIReserved[k] {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (openAICodec) setAuth(h http.Header, key string) {
	h.Set("Authorization", "Bearer "+key)
}

func (openAICodec) prefix() string { return "data:" }

func (openAICodec) terminal(payload []byte) bool {
	return string(payload) == "[DONE]"
}

func (openAICodec) delta(payload []byte) (string, error) {
	var decoded openAIStreamResp
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}
	if hasError(decoded.Error) {
		return "", &TransportError{Kind: KindProvider, Message: inlineErrorMessage(decoded.Error)}
	}
	if len(decoded.Choices) == 0 {
		return "", nil
	}
	return decoded.Choices[0].Delta.Content, nil
}

func (openAICodec) complete(body []byte) (string, error) {
	var decoded openAIChatResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if hasError(decoded.Error) {
		return "", &TransportError{Kind: KindProvider, Message: inlineErrorMessage(decoded.Error)}
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}
