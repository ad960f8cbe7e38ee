package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// BotAPI は telego.Bot のうち使用するメソッド
type BotAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
}

// TurnProcessor はターン処理のインターフェース
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.ProcessTurnRequest) (orchestrator.ProcessTurnResponse, error)
}

// Adapter はTelegram Bot APIによる送受信アダプタ
type Adapter struct {
	bot    BotAPI
	logger *zap.Logger
}

// NewBot はトークンからtelegoのボットを作成する
func NewBot(token string, opts ...telego.BotOption) (*telego.Bot, error) {
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return bot, nil
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(bot BotAPI, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{bot: bot, logger: logger}
}

// Channel は担当チャネルを返す
func (a *Adapter) Channel() outbox.Channel {
	return outbox.ChannelTelegram
}

// Send はチャットIDにテキストを送信する
// 数値IDは ChatID.ID、@username 形式はそのまま ChatID.Username として扱う
func (a *Adapter) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	if req.Destination == "" {
		return delivery.SendResult{}, errors.New("telegram chat id cannot be empty")
	}

	msg, err := a.bot.SendMessage(ctx, tu.Message(chatID(req.Destination), req.Text))
	if err != nil {
		var apiErr *ta.Error
		if errors.As(err, &apiErr) {
			return delivery.SendResult{Status: delivery.StatusFailed, HTTPStatus: apiErr.ErrorCode}, fmt.Errorf("telegram API error: %w", err)
		}
		return delivery.SendResult{Status: delivery.StatusFailed}, fmt.Errorf("telegram send failed: %w", err)
	}

	return delivery.SendResult{
		Status:     delivery.StatusOK,
		HTTPStatus: 200,
		MessageID:  strconv.Itoa(msg.MessageID),
	}, nil
}

// Listen はロングポーリングで受信したテキストをターンとして処理する
// ctx が終了するまでブロックする
func (a *Adapter) Listen(ctx context.Context, processor TurnProcessor) error {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start telegram long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, processor, update)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, processor TurnProcessor, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}

	id := strconv.FormatInt(msg.Chat.ID, 10)
	req := orchestrator.ProcessTurnRequest{
		ConversationID: "telegram-" + id,
		Channel:        outbox.ChannelTelegram,
		Destination:    id,
		Text:           msg.Text,
	}
	resp, err := processor.ProcessTurn(ctx, req)
	if err != nil {
		a.logger.Error("Error processing telegram turn",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
		return
	}
	a.logger.Info("Telegram turn processed",
		zap.String("conversation_id", req.ConversationID),
		zap.String("turn_id", resp.TurnID),
		zap.Int("sent", resp.Delivery.Sent))
}

func chatID(destination string) telego.ChatID {
	if id, err := strconv.ParseInt(destination, 10, 64); err == nil {
		return tu.ID(id)
	}
	return tu.Username(destination)
}
