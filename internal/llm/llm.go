// Package llm defines the completion-client interface the agent loop
// consumes. Concrete provider clients are thin, hand-rolled HTTP clients
// (net/http.Client, not a vendor SDK) behind the same Client interface so
// the orchestrator never depends on a provider's wire format.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentbox/internal/apperror"
)

// Role is a closed set of conversation roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the running conversation the orchestrator builds.
type Message struct {
	Role    Role
	Content string
}

// CompletionResult is the return value of Client.Complete.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Client is the narrow surface the Agent Loop depends on. Concrete
// implementations wrap one provider's HTTP API.
type Client interface {
	// Complete requests a single completion for the given conversation and
	// optional system prompt, returning text plus token usage.
	Complete(ctx context.Context, messages []Message, systemPrompt string) (CompletionResult, error)
}

// OpenAICompatibleClient implements Client against any OpenAI
// chat-completions-compatible HTTP endpoint (OpenAI itself, and most local
// or self-hosted gateways that mirror its wire format).
type OpenAICompatibleClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatibleClient builds a client against baseURL (e.g.
// "https://api.openai.com/v1/chat/completions") using apiKey as a bearer
// token and model as the default model identifier.
func NewOpenAICompatibleClient(apiKey, baseURL, model string) *OpenAICompatibleClient {
	return &OpenAICompatibleClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Client.
func (c *OpenAICompatibleClient) Complete(ctx context.Context, messages []Message, systemPrompt string) (CompletionResult, error) {
	chatMessages := make([]chatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		chatMessages = append(chatMessages, chatMessage{Role: string(RoleSystem), Content: systemPrompt})
	}
	for _, m := range messages {
		chatMessages = append(chatMessages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody := chatRequest{Model: c.model, Messages: chatMessages}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(data))
	if err != nil {
		return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResult{}, apperror.LLM("openai_compatible", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("rate limited (status %d)", resp.StatusCode))
		case http.StatusUnauthorized, http.StatusForbidden:
			return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("auth rejected (status %d)", resp.StatusCode))
		default:
			return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("request failed (status %d): %s", resp.StatusCode, string(body)))
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("unmarshal response: %w", err))
	}
	if parsed.Error != nil {
		return CompletionResult{}, apperror.LLM("openai_compatible", fmt.Errorf("provider error: %s", parsed.Error.Message))
	}

	text := ""
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}

	return CompletionResult{
		Text:         text,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Model:        c.model,
	}, nil
}
