package slack

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// Adapter はSlack Web API (chat.postMessage) による送信アダプタ
type Adapter struct {
	client *slack.Client
}

// NewAdapter は新しいAdapterを作成
// apiURL が空でなければ Web API のエンドポイントを差し替える（テスト用）
func NewAdapter(token, apiURL string) *Adapter {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Adapter{client: slack.New(token, opts...)}
}

// Channel は担当チャネルを返す
func (a *Adapter) Channel() outbox.Channel {
	return outbox.ChannelSlack
}

// Send はチャンネルIDまたはユーザーIDへテキストを投稿する
// Instance が指定されていればスレッド ts として返信する
func (a *Adapter) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	if req.Destination == "" {
		return delivery.SendResult{}, errors.New("slack channel cannot be empty")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(req.Text, false)}
	if req.Instance != "" {
		opts = append(opts, slack.MsgOptionTS(req.Instance))
	}

	_, ts, err := a.client.PostMessageContext(ctx, req.Destination, opts...)
	if err != nil {
		var rateLimited *slack.RateLimitedError
		if errors.As(err, &rateLimited) {
			return delivery.SendResult{Status: delivery.StatusFailed, HTTPStatus: 429},
				fmt.Errorf("slack rate limited, retry after %s: %w", rateLimited.RetryAfter, err)
		}
		return delivery.SendResult{Status: delivery.StatusFailed}, fmt.Errorf("slack post failed: %w", err)
	}

	return delivery.SendResult{
		Status:     delivery.StatusOK,
		HTTPStatus: 200,
		MessageID:  ts,
	}, nil
}
