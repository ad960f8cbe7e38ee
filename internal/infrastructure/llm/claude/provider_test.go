package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Nyukimin/convoroute/internal/domain/llm"
)

func messageResponse(text string) map[string]interface{} {
	return map[string]interface{}{
		"id":    "msg_123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-5",
		"content": []map[string]interface{}{
			{"type": "text", "text": text},
		},
		"stop_reason": "end_turn",
		"usage": map[string]interface{}{
			"input_tokens":  10,
			"output_tokens": 20,
		},
	}
}

func TestNewClaudeProvider_Name(t *testing.T) {
	provider := NewClaudeProvider(Options{APIKey: "test-api-key", Model: "claude-sonnet-4-5"})
	if provider.Name() != "claude-claude-sonnet-4-5" {
		t.Errorf("Expected name 'claude-claude-sonnet-4-5', got '%s'", provider.Name())
	}
}

func TestClaudeProviderGenerate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected path '/v1/messages', got '%s'", r.URL.Path)
		}

		// APIキーヘッダー確認
		if apiKey := r.Header.Get("x-api-key"); apiKey != "test-api-key" {
			t.Errorf("Expected API key 'test-api-key', got '%s'", apiKey)
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header should be set")
		}

		var reqBody struct {
			MaxTokens int `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&reqBody)

		if reqBody.MaxTokens != 300 {
			t.Errorf("Expected max_tokens 300, got %d", reqBody.MaxTokens)
		}
		if len(reqBody.System) != 1 || reqBody.System[0].Text != "Classify the message" {
			t.Errorf("Expected top-level system prompt, got %+v", reqBody.System)
		}
		// system ロールは messages から除外される
		if len(reqBody.Messages) != 1 || reqBody.Messages[0].Role != "user" {
			t.Errorf("Expected one user message, got %+v", reqBody.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse(`{"category":"greeting","confidence":0.8}`))
	}))
	defer server.Close()

	provider := NewClaudeProvider(Options{APIKey: "test-api-key", Model: "claude-sonnet-4-5", BaseURL: server.URL})
	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		SystemPrompt: "Classify the message",
		Messages:     []llm.Message{{Role: "user", Content: "oi, bom dia"}},
		MaxTokens:    300,
		Temperature:  0.2,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if resp.Content != `{"category":"greeting","confidence":0.8}` {
		t.Errorf("Unexpected content '%s'", resp.Content)
	}
	if resp.TokensUsed != 30 {
		t.Errorf("Expected 30 tokens used, got %d", resp.TokensUsed)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("Expected stop reason 'end_turn', got '%s'", resp.FinishReason)
	}
}

func TestClaudeProviderGenerate_DefaultMaxTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["max_tokens"] != float64(defaultMaxTokens) {
			t.Errorf("Expected default max_tokens %d, got %v", defaultMaxTokens, reqBody["max_tokens"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse("ok"))
	}))
	defer server.Close()

	provider := NewClaudeProvider(Options{APIKey: "k", Model: "claude-sonnet-4-5", BaseURL: server.URL})
	if _, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{{Role: "user", Content: "oi"}},
	}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
}

func TestClaudeProviderGenerate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type": "error",
			"error": map[string]interface{}{
				"type":    "invalid_request_error",
				"message": "max_tokens: field required",
			},
		})
	}))
	defer server.Close()

	provider := NewClaudeProvider(Options{APIKey: "k", Model: "claude-sonnet-4-5", BaseURL: server.URL})
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{{Role: "user", Content: "テスト"}},
	})
	if err == nil {
		t.Error("Expected error when API returns 400")
	}
}
