package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// OllamaProvider talks to a local Ollama server. Reports are requested in
// JSON mode so the reply parses as one document.
type OllamaProvider struct {
	BaseURL     string
	Model       string
	JSON        bool
	Temperature float64
	// NumPredict caps generated tokens; zero leaves the server default.
	NumPredict int
	Client     *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Model:       model,
		JSON:        true,
		Temperature: 0.7,
		NumPredict:  4096,
		// the caller's context bounds a generation
		Client: &http.Client{},
	}
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	opts := map[string]any{"temperature": p.Temperature}
	if p.NumPredict > 0 {
		opts["num_predict"] = p.NumPredict
	}
	reqBody := ollamaChatReq{Model: p.Model, Messages: messages, Options: opts}
	if p.JSON {
		reqBody.Format = "json"
	}

	var decoded ollamaChatResp
	if err := postJSON(ctx, p.Client, "ollama", p.BaseURL+"/api/chat", nil, reqBody, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != "" {
		return "", errors.New("ollama: " + decoded.Error)
	}
	if decoded.DoneReason == "length" {
		return "", errors.New("ollama: response truncated")
	}
	if strings.TrimSpace(decoded.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return decoded.Message.Content, nil
}
