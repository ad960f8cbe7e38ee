package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// Adapter はHTTPゲートウェイ（Evolution API互換）経由のWhatsApp送信アダプタ
// POST {base}/message/sendText/{instance}
type Adapter struct {
	client   *resty.Client
	instance string
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(baseURL, apiKey, instance string) *Adapter {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("apikey", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	return &Adapter{client: client, instance: instance}
}

// Channel は担当チャネルを返す
func (a *Adapter) Channel() outbox.Channel {
	return outbox.ChannelWhatsApp
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

// Send は電話番号（または JID）へテキストを送信する
// メッセージ単位の Instance があればアダプタ既定のインスタンスより優先する
func (a *Adapter) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	if req.Destination == "" {
		return delivery.SendResult{}, errors.New("whatsapp number cannot be empty")
	}
	instance := req.Instance
	if instance == "" {
		instance = a.instance
	}
	if instance == "" {
		return delivery.SendResult{}, errors.New("whatsapp instance is not configured")
	}

	var out sendTextResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParam("instance", instance).
		SetBody(sendTextRequest{Number: req.Destination, Text: req.Text}).
		SetResult(&out).
		Post("/message/sendText/{instance}")
	if err != nil {
		return delivery.SendResult{Status: delivery.StatusFailed}, fmt.Errorf("whatsapp gateway request failed: %w", err)
	}

	result := delivery.SendResult{HTTPStatus: resp.StatusCode(), MessageID: out.Key.ID}
	if resp.IsError() {
		result.Status = delivery.StatusFailed
		return result, fmt.Errorf("whatsapp gateway error (status %d): %s", resp.StatusCode(), resp.String())
	}

	result.Status = delivery.StatusOK
	// 受理されたがIDが返らない場合は送達を確認できない
	if out.Key.ID == "" {
		result.Status = delivery.StatusDegraded
	}
	return result, nil
}

// TurnProcessor はターン処理のインターフェース
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.ProcessTurnRequest) (orchestrator.ProcessTurnResponse, error)
}

// WebhookHandler はゲートウェイの messages.upsert イベントを受け取りターンとして処理する
type WebhookHandler struct {
	processor TurnProcessor
	logger    *zap.Logger
}

// NewWebhookHandler は新しいWebhookHandlerを作成
func NewWebhookHandler(processor TurnProcessor, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{processor: processor, logger: logger}
}

type webhookEvent struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJID string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		Message struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
	} `json:"data"`
}

func (e webhookEvent) text() string {
	if e.Data.Message.Conversation != "" {
		return e.Data.Message.Conversation
	}
	return e.Data.Message.ExtendedTextMessage.Text
}

// ServeHTTP はwebhookを処理
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var event webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// 自分の送信・テキスト以外は無視
	text := event.text()
	if event.Event != "messages.upsert" || event.Data.Key.FromMe || text == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	number := strings.SplitN(event.Data.Key.RemoteJID, "@", 2)[0]
	req := orchestrator.ProcessTurnRequest{
		ConversationID: "whatsapp-" + number,
		Channel:        outbox.ChannelWhatsApp,
		Destination:    number,
		Text:           text,
	}
	if _, err := h.processor.ProcessTurn(r.Context(), req); err != nil {
		h.logger.Error("Error processing whatsapp turn",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
