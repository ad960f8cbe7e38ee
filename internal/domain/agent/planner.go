package agent

import (
	"context"
	"errors"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// TechnicalDifficultyText は下書き作成に失敗した場合の送信文面
const TechnicalDifficultyText = "Desculpe, estamos com uma dificuldade técnica no momento. Já vamos te responder."

// PlanResult は計画フェーズの結果
type PlanResult struct {
	Planned    int      // 計画後のOutbox件数（スナップショット時点）
	Keys       []string // 今回追加した冪等キー
	ComposeErr error    // 下書き失敗（技術的フォールバック文を代わりに積んだ）
}

// Planner は決定をOutboxへの追加に変換する
type Planner struct {
	composer ResponseComposer
}

// NewPlanner は新しいPlannerを作成
func NewPlanner(composer ResponseComposer) *Planner {
	return &Planner{composer: composer}
}

// Plan は下書きを既存のOutboxへ追加し、直後にスナップショットを取る
// Outbox は差し替えず、常に state が持つ同じハンドルへ追加する
func (p *Planner) Plan(ctx context.Context, state *conversation.State, d routing.Decision, outcome classification.Outcome, meta map[string]string) (PlanResult, error) {
	var res PlanResult
	box := state.EnsureOutbox()

	drafts, err := p.composer.Compose(ctx, state, d, outcome)
	if err != nil {
		res.ComposeErr = err
		drafts = []string{TechnicalDifficultyText}
	}

	envMeta := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		envMeta[k] = v
	}
	envMeta[outbox.MetaNode] = d.TargetNode.String()

	for _, text := range drafts {
		env, err := box.Enqueue(text, state.Channel(), envMeta)
		if errors.Is(err, outbox.ErrEmptyText) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Keys = append(res.Keys, env.IdempotencyKey)
	}

	// 全ての下書きが空になった場合も無言にはしない
	if len(res.Keys) == 0 {
		env, err := box.Enqueue(TechnicalDifficultyText, state.Channel(), envMeta)
		if err != nil {
			return res, err
		}
		res.Keys = append(res.Keys, env.IdempotencyKey)
	}

	res.Planned = state.TakeSnapshot()
	return res, nil
}
