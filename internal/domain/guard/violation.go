package guard

import (
	"errors"
	"fmt"

	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// 違反種別（ログの type フィールド）
const (
	TypeOutboxHandoff  = "outbox_handoff"
	TypeStateIntegrity = "state_integrity"
	TypeDestination    = "destination_pattern"
)

// Violation はフェーズ境界の不変条件違反（再試行しない）
type Violation interface {
	error
	ViolationType() string
	Fields() []Field
}

// Field はログ出力用のキーと値
type Field struct {
	Key   string
	Value string
}

// IsViolation はエラーがガード違反かを判定
func IsViolation(err error) bool {
	var v Violation
	return errors.As(err, &v)
}

// OutboxHandoffViolation は計画フェーズの送信予定が配信フェーズで消えたことを示す
type OutboxHandoffViolation struct {
	ConversationID string
	PlannerAfter   int
	DeliveryBefore int
}

func (v *OutboxHandoffViolation) Error() string {
	return fmt.Sprintf("outbox hand-off violation: conversation %s planned %d envelope(s) but delivery observed %d",
		v.ConversationID, v.PlannerAfter, v.DeliveryBefore)
}

// ViolationType は違反種別を返す
func (v *OutboxHandoffViolation) ViolationType() string { return TypeOutboxHandoff }

// Fields はログ出力用のフィールドを返す
func (v *OutboxHandoffViolation) Fields() []Field {
	return []Field{
		{"conversation_id", v.ConversationID},
		{"planner_after", fmt.Sprint(v.PlannerAfter)},
		{"delivery_before", fmt.Sprint(v.DeliveryBefore)},
	}
}

// StateIntegrityViolation はOutbox参照が欠落・差し替えられたことを示す
type StateIntegrityViolation struct {
	ConversationID string
	Phase          string
	Problem        string
}

func (v *StateIntegrityViolation) Error() string {
	return fmt.Sprintf("state reference integrity violation at %s: conversation %s: %s",
		v.Phase, v.ConversationID, v.Problem)
}

// ViolationType は違反種別を返す
func (v *StateIntegrityViolation) ViolationType() string { return TypeStateIntegrity }

// Fields はログ出力用のフィールドを返す
func (v *StateIntegrityViolation) Fields() []Field {
	return []Field{
		{"conversation_id", v.ConversationID},
		{"phase", v.Phase},
		{"problem", v.Problem},
	}
}

// DestinationViolation は宛先が禁止パターンに一致したことを示す
// 送信はブロックされ、リゾルバは次の候補へ進む
type DestinationViolation struct {
	ConversationID string
	Source         Source
	Value          string
	Pattern        string
}

func (v *DestinationViolation) Error() string {
	return fmt.Sprintf("destination %q from %s matches forbidden pattern %q", v.Value, v.Source, v.Pattern)
}

// ViolationType は違反種別を返す
func (v *DestinationViolation) ViolationType() string { return TypeDestination }

// Fields はログ出力用のフィールドを返す
func (v *DestinationViolation) Fields() []Field {
	return []Field{
		{"conversation_id", v.ConversationID},
		{"source", string(v.Source)},
		{"value", v.Value},
		{"pattern", v.Pattern},
	}
}

// CheckOutboxHandoff は planner_after >= 1 かつ delivery_before == 0 を検出する
func CheckOutboxHandoff(conversationID string, plannerAfter, deliveryBefore int) error {
	if plannerAfter >= 1 && deliveryBefore == 0 {
		return &OutboxHandoffViolation{
			ConversationID: conversationID,
			PlannerAfter:   plannerAfter,
			DeliveryBefore: deliveryBefore,
		}
	}
	return nil
}

// CheckStateIntegrity はフェーズ境界でOutbox参照が存在し、期待したハンドルと同一かを検査
// 欠落時に黙ってデフォルトを作らない
func CheckStateIntegrity(state *conversation.State, phase string, expected *outbox.Outbox) error {
	if state == nil {
		return &StateIntegrityViolation{Phase: phase, Problem: "conversation state is nil"}
	}
	current := state.Outbox()
	if current == nil {
		return &StateIntegrityViolation{ConversationID: state.ID(), Phase: phase, Problem: "outbox field is missing"}
	}
	if expected != nil && current != expected {
		return &StateIntegrityViolation{ConversationID: state.ID(), Phase: phase, Problem: "outbox handle was replaced"}
	}
	return nil
}
