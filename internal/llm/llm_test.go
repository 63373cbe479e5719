package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompleteParsesUsageAndText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
			t.Fatalf("expected system prompt as first message, got %+v", req.Messages)
		}
		resp := chatResponse{}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}{{Message: struct {
			Content string `json:"content"`
		}{Content: "```python\nprint(1)\n```"}}}
		resp.Usage.PromptTokens = 42
		resp.Usage.CompletionTokens = 7
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient("test-key", srv.URL, "gpt-4o-mini")
	result, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "system prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InputTokens != 42 || result.OutputTokens != 7 {
		t.Fatalf("unexpected usage: %+v", result)
	}
	if result.Model != "gpt-4o-mini" {
		t.Fatalf("expected model echoed back, got %q", result.Model)
	}
}

func TestCompleteSurfacesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient("bad-key", srv.URL, "gpt-4o-mini")
	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "")
	if err == nil {
		t.Fatal("expected error on 401 response")
	}
}
