package line

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

func newTestSender(url string) *MessageSender {
	sender := NewMessageSender("test-token")
	sender.apiEndpoint = url
	return sender
}

func TestMessageSender_Channel(t *testing.T) {
	if got := NewMessageSender("t").Channel(); got != outbox.ChannelLINE {
		t.Errorf("Expected channel line, got %s", got)
	}
}

func TestMessageSender_Send_Success(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}

		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Expected Authorization 'Bearer test-token', got '%s'", auth)
		}

		// 冪等キーから導出した Retry-Key
		if got := r.Header.Get("X-Line-Retry-Key"); got != RetryKey("key-1") {
			t.Errorf("Expected retry key %s, got '%s'", RetryKey("key-1"), got)
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if payload["to"] != "U123456" {
			t.Errorf("Expected 'to' field 'U123456', got '%v'", payload["to"])
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"sentMessages":[{"id":"461230966842064897","quoteToken":"q"}]}`))
	}))
	defer mockServer.Close()

	res, err := newTestSender(mockServer.URL).Send(context.Background(), delivery.SendRequest{
		Destination:    "U123456",
		Text:           "Olá!",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Status != delivery.StatusOK || res.HTTPStatus != http.StatusOK {
		t.Errorf("Expected ok/200, got %s/%d", res.Status, res.HTTPStatus)
	}
	if res.MessageID != "461230966842064897" {
		t.Errorf("Expected message ID from sentMessages, got '%s'", res.MessageID)
	}
}

func TestMessageSender_Send_DuplicateRetryKeyIsDegraded(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"The retry key is already accepted"}`))
	}))
	defer mockServer.Close()

	res, err := newTestSender(mockServer.URL).Send(context.Background(), delivery.SendRequest{
		Destination: "U123456", Text: "Olá!", IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Status != delivery.StatusDegraded {
		t.Errorf("Expected degraded, got %s", res.Status)
	}
}

func TestMessageSender_Send_APIError(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Invalid request"}`))
	}))
	defer mockServer.Close()

	res, err := newTestSender(mockServer.URL).Send(context.Background(), delivery.SendRequest{
		Destination: "U123456", Text: "Olá!",
	})
	if err == nil {
		t.Fatal("Expected error for API error response")
	}
	if res.Status != delivery.StatusFailed || res.HTTPStatus != http.StatusBadRequest {
		t.Errorf("Expected failed/400, got %s/%d", res.Status, res.HTTPStatus)
	}
}

func TestMessageSender_Send_EmptyInputs(t *testing.T) {
	sender := NewMessageSender("test-token")

	if _, err := sender.Send(context.Background(), delivery.SendRequest{Text: "Olá"}); err == nil {
		t.Error("Expected error for empty destination")
	}
	if _, err := sender.Send(context.Background(), delivery.SendRequest{Destination: "U1"}); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestRetryKey_Stable(t *testing.T) {
	if RetryKey("abc") != RetryKey("abc") {
		t.Error("RetryKey should be deterministic")
	}
	if RetryKey("abc") == RetryKey("abd") {
		t.Error("RetryKey should differ for different keys")
	}
}
