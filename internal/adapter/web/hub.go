package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// ErrNotConnected は宛先のクライアントが接続していない場合のエラー
// エンベロープは再キューされ、再接続後にスイーパーが再送する
var ErrNotConnected = errors.New("web client is not connected")

const writeTimeout = 10 * time.Second

// TurnProcessor はターン処理のインターフェース
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.ProcessTurnRequest) (orchestrator.ProcessTurnResponse, error)
}

// InboundMessage はクライアントからのメッセージ
type InboundMessage struct {
	Text string `json:"text"`
}

// OutboundMessage はクライアントへのメッセージ
type OutboundMessage struct {
	Type           string `json:"type"` // session | message | error
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Error          string `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // 書き込みは同時に1つまで
}

func (c *client) write(msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// Hub はweb/appチャネルのWebSocket接続を会話IDごとに保持する
// 受信はターンとして処理し、送信はチャネルアダプタとして配信エンジンから呼ばれる
type Hub struct {
	channel   outbox.Channel
	processor TurnProcessor
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub は新しいHubを作成（channel は web または app）
func NewHub(channel outbox.Channel, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channel: channel,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*client),
	}
}

// SetProcessor は受信メッセージの処理先を設定する
// 配信エンジンとオーケストレータが互いを参照するため構築後に設定する
func (h *Hub) SetProcessor(p TurnProcessor) {
	h.processor = p
}

// Channel は担当チャネルを返す
func (h *Hub) Channel() outbox.Channel {
	return h.channel
}

// Connected は接続中のクライアント数を返す
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send は会話IDで接続中のクライアントへテキストを送る
func (h *Hub) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	h.mu.RLock()
	c, ok := h.clients[req.Destination]
	h.mu.RUnlock()
	if !ok {
		return delivery.SendResult{Status: delivery.StatusFailed, HTTPStatus: http.StatusNotFound},
			fmt.Errorf("%w: %s", ErrNotConnected, req.Destination)
	}
	if err := ctx.Err(); err != nil {
		return delivery.SendResult{Status: delivery.StatusFailed}, err
	}

	msgID := uuid.NewString()
	if err := c.write(OutboundMessage{Type: "message", MessageID: msgID, Text: req.Text}); err != nil {
		return delivery.SendResult{Status: delivery.StatusFailed}, fmt.Errorf("websocket write failed: %w", err)
	}
	return delivery.SendResult{Status: delivery.StatusOK, MessageID: msgID}, nil
}

// ServeHTTP は接続をアップグレードし、切断までメッセージを読み続ける
// ?conversation_id= が無ければ新しいIDを払い出す
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	c := &client{conn: conn}
	h.register(conversationID, c)
	defer func() {
		h.unregister(conversationID, c)
		conn.Close()
	}()

	if err := c.write(OutboundMessage{Type: "session", ConversationID: conversationID}); err != nil {
		return
	}
	h.logger.Info("Websocket client connected",
		zap.String("channel", h.channel.String()),
		zap.String("conversation_id", conversationID))

	for {
		var in InboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			h.logger.Info("Websocket client disconnected",
				zap.String("conversation_id", conversationID),
				zap.String("reason", err.Error()))
			return
		}
		if in.Text == "" || h.processor == nil {
			continue
		}

		_, err := h.processor.ProcessTurn(r.Context(), orchestrator.ProcessTurnRequest{
			ConversationID: conversationID,
			Channel:        h.channel,
			Destination:    conversationID,
			Text:           in.Text,
		})
		if err != nil {
			h.logger.Error("Error processing websocket turn",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
			if werr := c.write(OutboundMessage{Type: "error", Error: "message could not be processed"}); werr != nil {
				return
			}
		}
	}
}

// Close は全ての接続を閉じる
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
}

// register は同じ会話IDの古い接続を置き換える
func (h *Hub) register(id string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[id]; ok {
		old.conn.Close()
	}
	h.clients[id] = c
}

func (h *Hub) unregister(id string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[id] == c {
		delete(h.clients, id)
	}
}
