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

// OpenAIProvider talks to an OpenAI-style /chat/completions endpoint. It also
// serves OpenRouter, which speaks the same wire format.
type OpenAIProvider struct {
	name    string
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewOpenAIProvider(name, baseURL, model, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		switch name {
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1/chat/completions"
		default:
			baseURL = "https://api.openai.com/v1/chat/completions"
		}
	}
	return &OpenAIProvider{
		name:    name,
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Send(ctx context.Context, req SendRequest) (Completion, error) {
	if p.APIKey == "" {
		return Completion{}, providerErr(ProviderAuthFailed, p.name, errors.New("missing api key"))
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}
	msgs := make([]openAIMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		if m.Role != "user" && m.Role != "assistant" && m.Role != "system" {
			continue
		}
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: req.Input})

	payload, err := json.Marshal(openAIRequest{Model: model, MaxTokens: req.MaxTokens, Messages: msgs})
	if err != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, providerErr(ProviderUnavailable, p.name, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+p.APIKey)

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

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name, err)
	}
	if parsed.Error != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name,
			fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Completion{}, providerErr(ProviderMalformed, p.name,
			fmt.Errorf("no choices in response: %s", truncateForError(raw)))
	}

	out := Completion{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil && parsed.Usage.PromptTokens > 0 {
		out.TokensIn = parsed.Usage.PromptTokens
		out.TokensOut = parsed.Usage.CompletionTokens
	} else {
		out.TokensIn = EstimateTokens(req.System + req.Input + flattenHistory(req.History))
		out.TokensOut = EstimateTokens(out.Text)
		out.TokensEstimated = true
	}
	return out, nil
}
