package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/domain/guard"
)

// トレース行のタグ（運用ツールが解析するためフィールド名は固定）
const (
	TagOutbox      = "OUTBOX_TRACE"
	TagDestination = "DESTINATION_TRACE"
	TagDelivery    = "DELIVERY_TRACE"
	TagGuard       = "GUARD_VIOLATION"
)

// Line は "TAG|key=value|key=value" 形式のトレース行を作る
func Line(tag string, fields ...guard.Field) string {
	var b strings.Builder
	b.WriteString(tag)
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(sanitize(f.Value))
	}
	return b.String()
}

// sanitize は区切り文字と改行を値から除く
func sanitize(v string) string {
	return strings.NewReplacer("|", "/", "\n", " ", "\r", " ").Replace(v)
}

// Tracer はパイプラインのトレース行をzapへ出力する
type Tracer struct {
	logger *zap.Logger
}

// NewTracer は新しいTracerを作成
func NewTracer(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{logger: logger}
}

// Logger は内部のzapロガーを返す
func (t *Tracer) Logger() *zap.Logger {
	return t.logger
}

// Outbox はOutboxの各フェーズを記録する
func (t *Tracer) Outbox(phase, conversationID, idempotencyKey string, count int) {
	t.logger.Info(Line(TagOutbox,
		guard.Field{Key: "phase", Value: phase},
		guard.Field{Key: "conversation_id", Value: conversationID},
		guard.Field{Key: "idempotency_key", Value: idempotencyKey},
		guard.Field{Key: "count", Value: fmt.Sprint(count)},
	), zap.String("trace", TagOutbox))
}

// Destination は宛先解決の結果を記録する
func (t *Tracer) Destination(conversationID, source, value string) {
	t.logger.Info(Line(TagDestination,
		guard.Field{Key: "conversation_id", Value: conversationID},
		guard.Field{Key: "source", Value: source},
		guard.Field{Key: "value", Value: value},
	), zap.String("trace", TagDestination))
}

// DeliverySend は送信試行を記録する
func (t *Tracer) DeliverySend(conversationID, channel, idempotencyKey, destination string) {
	t.logger.Info(Line(TagDelivery,
		guard.Field{Key: "action", Value: "send"},
		guard.Field{Key: "conversation_id", Value: conversationID},
		guard.Field{Key: "channel", Value: channel},
		guard.Field{Key: "idempotency_key", Value: idempotencyKey},
		guard.Field{Key: "destination", Value: destination},
	), zap.String("trace", TagDelivery))
}

// DeliveryResult は送信結果を記録する
func (t *Tracer) DeliveryResult(conversationID, channel, idempotencyKey, status string, httpStatus int, messageID string) {
	fields := []guard.Field{
		{Key: "action", Value: "result"},
		{Key: "conversation_id", Value: conversationID},
		{Key: "channel", Value: channel},
		{Key: "idempotency_key", Value: idempotencyKey},
		{Key: "status", Value: status},
		{Key: "http", Value: fmt.Sprint(httpStatus)},
		{Key: "message_id", Value: messageID},
	}
	line := Line(TagDelivery, fields...)
	if status == "failed" {
		t.logger.Warn(line, zap.String("trace", TagDelivery))
		return
	}
	t.logger.Info(line, zap.String("trace", TagDelivery))
}

// Violation はガード違反を CRITICAL として記録する
func (t *Tracer) Violation(v guard.Violation) {
	fields := append([]guard.Field{
		{Key: "level", Value: "CRITICAL"},
		{Key: "type", Value: v.ViolationType()},
	}, v.Fields()...)
	t.logger.Error(Line(TagGuard, fields...),
		zap.String("trace", TagGuard),
		zap.Error(v))
	GuardViolations.WithLabelValues(v.ViolationType()).Inc()
}
