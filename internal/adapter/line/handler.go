package line

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// TurnProcessor はターン処理のインターフェース
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.ProcessTurnRequest) (orchestrator.ProcessTurnResponse, error)
}

// Handler はLINE webhookハンドラー
type Handler struct {
	processor     TurnProcessor
	channelSecret string
	botUserID     string
	logger        *zap.Logger
}

// NewHandler は新しいHandlerを作成
// channelSecret が空の場合は署名検証を行わない（ローカル検証用）
func NewHandler(processor TurnProcessor, channelSecret, botUserID string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		processor:     processor,
		channelSecret: channelSecret,
		botUserID:     botUserID,
		logger:        logger,
	}
}

// ServeHTTP はLINE webhookを処理
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	if h.channelSecret != "" && !verifySignature(body, r.Header.Get("X-Line-Signature"), h.channelSecret) {
		h.logger.Warn("LINE webhook signature mismatch")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	// リクエストボディをパース
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	for _, event := range payload.Events {
		// テキストメッセージのみ処理
		if event.Type != "message" || event.Message.Type != "text" {
			continue
		}

		// グループ/ルームではメンションされた場合のみ応答
		if !isBotMention(event.Source.Type, event.Message.Mention.Mentionees, h.botUserID) {
			continue
		}

		req := orchestrator.ProcessTurnRequest{
			ConversationID: conversationID(event.Source),
			Channel:        outbox.ChannelLINE,
			Destination:    event.Source.chatID(),
			Text:           event.Message.Text,
		}

		resp, err := h.processor.ProcessTurn(r.Context(), req)
		if err != nil {
			h.logger.Error("Error processing LINE turn",
				zap.String("conversation_id", req.ConversationID),
				zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		h.logger.Info("LINE turn processed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("turn_id", resp.TurnID),
			zap.String("action", string(resp.Decision.ThresholdAction)),
			zap.Int("sent", resp.Delivery.Sent))
	}

	w.WriteHeader(http.StatusOK)
}

// conversationID は送信元から会話IDを決める
// フォーマット: line-{userId|groupId|roomId}
func conversationID(src EventSource) string {
	return "line-" + src.chatID()
}

// isBotMention checks if the bot is mentioned in group/room chat
func isBotMention(sourceType string, mentionees []Mentionee, botUserID string) bool {
	// User chat - always process
	if sourceType == "user" || botUserID == "" {
		return true
	}

	for _, mention := range mentionees {
		if mention.UserID == botUserID {
			return true
		}
	}
	return false
}

// WebhookPayload はLINE webhookペイロード
type WebhookPayload struct {
	Events []WebhookEvent `json:"events"`
}

// WebhookEvent はLINE webhookイベント
type WebhookEvent struct {
	Type       string       `json:"type"`
	Message    EventMessage `json:"message"`
	Source     EventSource  `json:"source"`
	ReplyToken string       `json:"replyToken"`
	Timestamp  int64        `json:"timestamp"`
}

// EventMessage はイベントメッセージ
type EventMessage struct {
	Type    string  `json:"type"`
	Text    string  `json:"text"`
	ID      string  `json:"id"`
	Mention Mention `json:"mention"`
}

// Mention はメッセージ内のメンション情報
type Mention struct {
	Mentionees []Mentionee `json:"mentionees"`
}

// Mentionee はメンションされたユーザー
type Mentionee struct {
	UserID string `json:"userId"`
}

// EventSource はイベントソース
type EventSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// chatID は Push API の宛先を返す
func (s EventSource) chatID() string {
	switch s.Type {
	case "group":
		return s.GroupID
	case "room":
		return s.RoomID
	default:
		return s.UserID
	}
}
