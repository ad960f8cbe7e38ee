package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Nyukimin/convoroute/internal/domain/llm"
)

func completion(content string, totalTokens int) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     10,
			"completion_tokens": totalTokens - 10,
			"total_tokens":      totalTokens,
		},
	}
}

func newTestProvider(serverURL, label string) *OpenAIProvider {
	return NewOpenAIProvider(Options{
		APIKey:  "test-api-key",
		Model:   "gpt-4o-mini",
		BaseURL: serverURL + "/v1/",
		Label:   label,
	})
}

func TestNewOpenAIProvider_Name(t *testing.T) {
	provider := NewOpenAIProvider(Options{APIKey: "k", Model: "gpt-4o-mini"})
	if provider.Name() != "openai-gpt-4o-mini" {
		t.Errorf("Expected name 'openai-gpt-4o-mini', got '%s'", provider.Name())
	}

	compat := NewOpenAIProvider(Options{Model: "deepseek-chat", Label: "deepseek", BaseURL: "https://api.deepseek.com/v1/"})
	if compat.Name() != "deepseek-deepseek-chat" {
		t.Errorf("Expected name 'deepseek-deepseek-chat', got '%s'", compat.Name())
	}
}

func TestOpenAIProviderGenerate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected path '/v1/chat/completions', got '%s'", r.URL.Path)
		}

		// Authorizationヘッダー確認
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-api-key" {
			t.Errorf("Expected 'Bearer test-api-key', got '%s'", auth)
		}

		var reqBody map[string]interface{}
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody["model"] != "gpt-4o-mini" {
			t.Errorf("Expected model 'gpt-4o-mini', got '%v'", reqBody["model"])
		}
		if reqBody["max_tokens"] != float64(300) {
			t.Errorf("Expected max_tokens 300, got '%v'", reqBody["max_tokens"])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completion(`{"category":"scheduling","confidence":0.9}`, 30))
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, "")
	resp, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages:    []llm.Message{{Role: "user", Content: "quero agendar uma aula"}},
		MaxTokens:   300,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !strings.Contains(resp.Content, `"scheduling"`) {
		t.Errorf("Expected classification JSON, got '%s'", resp.Content)
	}
	if resp.TokensUsed != 30 {
		t.Errorf("Expected 30 tokens used, got %d", resp.TokensUsed)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected finish reason 'stop', got '%s'", resp.FinishReason)
	}
}

func TestOpenAIProviderGenerate_SystemPromptAndRoles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&reqBody)

		// system, user, assistant, user
		if len(reqBody.Messages) != 4 {
			t.Fatalf("Expected 4 messages, got %d", len(reqBody.Messages))
		}
		if reqBody.Messages[0].Role != "system" || reqBody.Messages[0].Content != "Classify the message" {
			t.Errorf("First message should be the system prompt, got %+v", reqBody.Messages[0])
		}
		if reqBody.Messages[2].Role != "assistant" {
			t.Errorf("Expected assistant role preserved, got '%s'", reqBody.Messages[2].Role)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completion("ok", 15))
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, "")
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		SystemPrompt: "Classify the message",
		Messages: []llm.Message{
			{Role: "user", Content: "oi"},
			{Role: "assistant", Content: "Olá!"},
			{Role: "user", Content: "quanto custa?"},
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
}

func TestOpenAIProviderGenerate_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Incorrect API key provided",
				"type":    "invalid_request_error",
			},
		})
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, "deepseek")
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{{Role: "user", Content: "テスト"}},
	})
	if err == nil {
		t.Fatal("Expected error for invalid API key")
	}
	if !strings.Contains(err.Error(), "deepseek API error") {
		t.Errorf("Expected error to name the provider label, got '%v'", err)
	}
}

func TestOpenAIProviderGenerate_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-empty",
			"object":  "chat.completion",
			"choices": []interface{}{},
		})
	}))
	defer server.Close()

	provider := newTestProvider(server.URL, "")
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Messages: []llm.Message{{Role: "user", Content: "oi"}},
	})
	if err == nil {
		t.Fatal("Expected error when no choices are returned")
	}
}
