package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

const linePushAPIEndpoint = "https://api.line.me/v2/bot/message/push"

// retryKeyNamespace は冪等キーから X-Line-Retry-Key (UUID) を導出する名前空間
var retryKeyNamespace = uuid.MustParse("6f1d7c1e-2b5a-4c7e-9a53-1d0f3b8e4a21")

// MessageSender sends outbox envelopes to LINE users via the Push API
type MessageSender struct {
	accessToken string
	apiEndpoint string // Push API endpoint (can be overridden for testing)
	httpClient  *http.Client
}

// NewMessageSender creates a new MessageSender
func NewMessageSender(accessToken string) *MessageSender {
	return &MessageSender{
		accessToken: accessToken,
		apiEndpoint: linePushAPIEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Channel returns the outbox channel served by this adapter
func (s *MessageSender) Channel() outbox.Channel {
	return outbox.ChannelLINE
}

// Send pushes a text message to the resolved LINE user
// The idempotency key is mapped onto X-Line-Retry-Key so LINE drops duplicate retries
func (s *MessageSender) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	if req.Destination == "" {
		return delivery.SendResult{}, fmt.Errorf("destination cannot be empty")
	}

	textMsg, err := buildTextMessage(req.Text)
	if err != nil {
		return delivery.SendResult{}, fmt.Errorf("failed to build text message: %w", err)
	}

	payload := map[string]interface{}{
		"to":       req.Destination,
		"messages": []map[string]interface{}{textMsg},
	}

	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["X-Line-Retry-Key"] = RetryKey(req.IdempotencyKey)
	}

	return s.callAPI(ctx, s.apiEndpoint, payload, headers)
}

// RetryKey derives a stable UUID from an idempotency key
func RetryKey(idempotencyKey string) string {
	return uuid.NewSHA1(retryKeyNamespace, []byte(idempotencyKey)).String()
}

// callAPI makes an authenticated HTTP request to LINE Messaging API
func (s *MessageSender) callAPI(ctx context.Context, endpoint string, payload interface{}, headers map[string]string) (delivery.SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return delivery.SendResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return delivery.SendResult{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return delivery.SendResult{Status: delivery.StatusFailed}, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	result := delivery.SendResult{HTTPStatus: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusOK:
		result.Status = delivery.StatusOK
	case resp.StatusCode == http.StatusConflict:
		// 同じ Retry-Key のリクエストは受理済み
		result.Status = delivery.StatusDegraded
		return result, nil
	default:
		result.Status = delivery.StatusFailed
		return result, fmt.Errorf("LINE API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		SentMessages []struct {
			ID string `json:"id"`
		} `json:"sentMessages"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && len(parsed.SentMessages) > 0 {
		result.MessageID = parsed.SentMessages[0].ID
	}
	return result, nil
}

// buildTextMessage creates a LINE text message object
func buildTextMessage(text string) (map[string]interface{}, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	return map[string]interface{}{
		"type": "text",
		"text": text,
	}, nil
}
