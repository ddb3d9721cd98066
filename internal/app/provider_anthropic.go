package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnthropicProvider talks to an Anthropic-style /v1/messages endpoint.
type AnthropicProvider struct {
	name    string
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProvider(name, baseURL, model, apiKey string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1/messages"
	}
	return &AnthropicProvider{
		name:    name,
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Send(ctx context.Context, req SendRequest) (Completion, error) {
	if p.APIKey == "" {
		return Completion{}, providerErr(ProviderAuthFailed, p.name, errors.New("missing api key"))
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  anthropicHistory(req.History, req.Input),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, providerErr(ProviderUnavailable, p.name, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-api-key", p.APIKey)
	request.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.HTTP.Do(request)
	if err != nil {
		return Completion{}, providerErr(ProviderUnavailable, p.name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, providerErr(ProviderUnavailable, p.name, err)
	}
	if err := classifyStatus(p.name, resp.StatusCode, raw); err != nil {
		return Completion{}, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name, err)
	}
	if parsed.Error != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name,
			fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			text = block.Text
		}
	}
	if text == "" {
		return Completion{}, providerErr(ProviderMalformed, p.name,
			fmt.Errorf("no text content in response: %s", truncateForError(raw)))
	}

	out := Completion{Text: text}
	if parsed.Usage != nil && parsed.Usage.InputTokens > 0 {
		out.TokensIn = parsed.Usage.InputTokens
		out.TokensOut = parsed.Usage.OutputTokens
	} else {
		out.TokensIn = EstimateTokens(req.System + req.Input + flattenHistory(req.History))
		out.TokensOut = EstimateTokens(text)
		out.TokensEstimated = true
	}
	return out, nil
}

func anthropicHistory(history []ChatMessage, input string) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, anthropicMessage{Role: "user", Content: input})
	return msgs
}

func flattenHistory(history []ChatMessage) string {
	var total int
	for _, m := range history {
		total += len(m.Content)
	}
	buf := make([]byte, 0, total)
	for _, m := range history {
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// classifyStatus maps an HTTP status to a ProviderError, nil for 2xx.
func classifyStatus(name string, status int, raw []byte) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return providerErr(ProviderAuthFailed, name, fmt.Errorf("status %d: %s", status, truncateForError(raw)))
	case status == http.StatusTooManyRequests:
		return providerErr(ProviderRateLimited, name, fmt.Errorf("status %d", status))
	case status >= 500:
		return providerErr(ProviderUnavailable, name, fmt.Errorf("status %d: %s", status, truncateForError(raw)))
	default:
		return providerErr(ProviderMalformed, name, fmt.Errorf("status %d: %s", status, truncateForError(raw)))
	}
}

func truncateForError(raw []byte) string {
	const max = 200
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
