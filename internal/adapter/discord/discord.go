package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// MessageAPI は discordgo.Session のうち送信に使うメソッド
type MessageAPI interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// TurnProcessor はターン処理のインターフェース
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req orchestrator.ProcessTurnRequest) (orchestrator.ProcessTurnResponse, error)
}

// Adapter はDiscordのチャンネル/DMへの送受信アダプタ
type Adapter struct {
	api    MessageAPI
	logger *zap.Logger
}

// NewSession はボットトークンからdiscordgoのセッションを作成する
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	return s, nil
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(api MessageAPI, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{api: api, logger: logger}
}

// Channel は担当チャネルを返す
func (a *Adapter) Channel() outbox.Channel {
	return outbox.ChannelDiscord
}

// Send はチャンネルIDへテキストを送信する
func (a *Adapter) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	if req.Destination == "" {
		return delivery.SendResult{}, errors.New("discord channel id cannot be empty")
	}

	msg, err := a.api.ChannelMessageSend(req.Destination, req.Text, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil {
			return delivery.SendResult{Status: delivery.StatusFailed, HTTPStatus: restErr.Response.StatusCode},
				fmt.Errorf("discord API error: %w", err)
		}
		return delivery.SendResult{Status: delivery.StatusFailed}, fmt.Errorf("discord send failed: %w", err)
	}

	return delivery.SendResult{
		Status:     delivery.StatusOK,
		HTTPStatus: 200,
		MessageID:  msg.ID,
	}, nil
}

// MessageHandler は MessageCreate イベントをターンとして処理するハンドラを返す
// session.AddHandler に渡す
func (a *Adapter) MessageHandler(ctx context.Context, processor TurnProcessor) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.Content == "" {
			return
		}

		req := orchestrator.ProcessTurnRequest{
			ConversationID: "discord-" + m.ChannelID,
			Channel:        outbox.ChannelDiscord,
			Destination:    m.ChannelID,
			Text:           m.Content,
		}
		resp, err := processor.ProcessTurn(ctx, req)
		if err != nil {
			a.logger.Error("Error processing discord turn",
				zap.String("conversation_id", req.ConversationID),
				zap.Error(err))
			return
		}
		a.logger.Info("Discord turn processed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("turn_id", resp.TurnID),
			zap.Int("sent", resp.Delivery.Sent))
	}
}
