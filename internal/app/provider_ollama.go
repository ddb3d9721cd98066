package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaProvider drives a local model runtime over its HTTP API. No
// credential is needed; the runtime serves one prompt at a time so the
// orchestrator serializes calls through it.
type OllamaProvider struct {
	name    string
	BaseURL string
	Model   string
	HTTP    *http.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

func NewOllamaProvider(name, baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/api/chat"
	}
	return &OllamaProvider{
		name:    name,
		BaseURL: baseURL,
		Model:   model,
		HTTP:    &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *OllamaProvider) Name() string { return p.name }

func (p *OllamaProvider) Send(ctx context.Context, req SendRequest) (Completion, error) {
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

	payload, err := json.Marshal(ollamaRequest{Model: model, Messages: msgs})
	if err != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, providerErr(ProviderUnavailable, p.name, err)
	}
	request.Header.Set("Content-Type", "application/json")

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

	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Completion{}, providerErr(ProviderMalformed, p.name, err)
	}
	if parsed.Error != "" {
		return Completion{}, providerErr(ProviderUnavailable, p.name, fmt.Errorf("%s", parsed.Error))
	}
	if parsed.Message.Content == "" {
		return Completion{}, providerErr(ProviderMalformed, p.name,
			fmt.Errorf("empty message in response: %s", truncateForError(raw)))
	}

	out := Completion{Text: parsed.Message.Content}
	if parsed.PromptEvalCount > 0 {
		out.TokensIn = parsed.PromptEvalCount
		out.TokensOut = parsed.EvalCount
	} else {
		out.TokensIn = EstimateTokens(req.System + req.Input + flattenHistory(req.History))
		out.TokensOut = EstimateTokens(out.Text)
		out.TokensEstimated = true
	}
	return out, nil
}
