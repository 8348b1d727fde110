package ai

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ollamaCodec speaks Ollama's /api/chat: newline-delimited JSON objects with no
// frame prefix; the last object carries "done": true.
type ollamaCodec struct{}

type ollamaChatReq struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResp struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (ollamaCodec) body(model, system string, history []Message, user string, p Params) ([]byte, error) {
	msgs := make([]Message, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: user})

	return json.Marshal(ollamaChatReq{
		Model:    model,
		Messages: msgs,
		Stream:   p.Stream,
		Options: ollamaOptions{
			Temperature: p.temperature(),
			TopP:        p.topP(),
			NumPredict:  p.maxTokens(),
		},
	})
}

// setAuth only applies when a key is configured, e.g. behind an auth proxy.
func (ollamaCodec) setAuth(h http.Header, key string) {
	if key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
}

func (ollamaCodec) prefix() string { return "" }

func (ollamaCodec) terminal([]byte) bool { return false }

func (ollamaCodec) delta(payload []byte) (string, error) {
	var decoded ollamaChatResp
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", &TransportError{Kind: KindProvider, Message: decoded.Error}
	}
	return decoded.Message.Content, nil
}

func (ollamaCodec) complete(body []byte) (string, error) {
	var decoded ollamaChatResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", &TransportError{Kind: KindProvider, Message: decoded.Error}
	}
	if decoded.Message.Content == "" && !decoded.Done {
		return "", errors.New("ollama: empty response")
	}
	return decoded.Message.Content, nil
}
