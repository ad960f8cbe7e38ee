package delivery

import (
	"context"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// Status は送信結果の状態
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded" // 送信はされたが応答に問題あり（成功扱い）
	StatusFailed   Status = "failed"
)

// SendRequest はチャネルアダプタへの送信要求
type SendRequest struct {
	ConversationID string
	Destination    string
	Instance       string
	Text           string
	IdempotencyKey string
}

// SendResult はチャネルアダプタの応答
type SendResult struct {
	Status     Status
	HTTPStatus int
	MessageID  string
}

// ChannelAdapter は外部チャネルへの送信を担う
type ChannelAdapter interface {
	Channel() outbox.Channel
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Outcome は1件の送信結果
type Outcome struct {
	Success        bool
	Channel        outbox.Channel
	IdempotencyKey string
	Destination    string
	MessageID      string
	Status         Status
	HTTPStatus     int
	Reason         string
}

// statusFor は応答からStatusを決める（Status 未設定時はHTTPコードから推定）
func statusFor(res SendResult, err error) Status {
	if err != nil {
		return StatusFailed
	}
	if res.Status != "" {
		return res.Status
	}
	switch {
	case res.HTTPStatus == 0, res.HTTPStatus >= 200 && res.HTTPStatus < 300:
		return StatusOK
	default:
		return StatusFailed
	}
}
