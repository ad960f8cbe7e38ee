package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/decision"
	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/rollout"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
	"github.com/Nyukimin/convoroute/internal/domain/turn"
)

// DefaultEnhanceTimeout はLLM補強の既定タイムアウト
const DefaultEnhanceTimeout = 4 * time.Second

// RouteResult は1ターン分のルーティング結果
type RouteResult struct {
	Decision routing.Decision
	Outcome  classification.Outcome // エラーフォールバック時は nil
	Score    routing.RouteScore
	Mode     rollout.Mode
	Filled   []string // このターンで埋まったスロット

	// ClassifyErr は分類失敗（Decision はエラーフォールバック）
	ClassifyErr error
	// EnhanceErr はLLM補強の失敗（Decision はルール結果から作られる）
	EnhanceErr error
}

// RouterAgent は分類・補強・決定エンジンを束ねて1ターンの決定を作る
type RouterAgent struct {
	classifier     Classifier
	enhancer       Enhancer
	engine         *decision.Engine
	rollout        rollout.Config
	enhanceTimeout time.Duration
}

// NewRouterAgent は新しいRouterAgentを作成（enhancer は nil 可）
func NewRouterAgent(
	classifier Classifier,
	enhancer Enhancer,
	engine *decision.Engine,
	rolloutCfg rollout.Config,
	enhanceTimeout time.Duration,
) *RouterAgent {
	if enhanceTimeout <= 0 {
		enhanceTimeout = DefaultEnhanceTimeout
	}
	return &RouterAgent{
		classifier:     classifier,
		enhancer:       enhancer,
		engine:         engine,
		rollout:        rolloutCfg,
		enhanceTimeout: enhanceTimeout,
	}
}

// Route は優先順位に従って決定を作る
// 抽出エンティティはスロットへ反映し、分類器にはターン前の収集状況を渡す
//  1. 明示コマンド（/human）
//  2. ルール分類（失敗・パニック時はエラーフォールバック）
//  3. llm_enhanced モードかつ低確信度ならLLM補強
//  4. 決定エンジン
func (a *RouterAgent) Route(ctx context.Context, state *conversation.State, t turn.Turn) (res RouteResult) {
	res.Mode = rollout.ArchitectureMode(state.ID(), a.rollout)

	prior := state.Slots()
	res.Filled = state.ApplyEntities(entity.Extract(t.Text()))

	if t.Command() == turn.CommandHuman {
		res.Decision = a.engine.Explicit(a.engine.Config().HandoffStage, routing.ActionEscalateHuman, "explicit /human command")
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during routing: %v", r)
			res = RouteResult{
				Decision:    a.engine.ErrorFallback(err),
				Mode:        res.Mode,
				Filled:      res.Filled,
				ClassifyErr: err,
			}
		}
	}()

	in := classification.Input{
		Text:      t.Text(),
		Stage:     state.Stage(),
		Collected: prior,
	}

	outcome, score, err := a.classifier.Classify(ctx, in)
	if err == nil && outcome == nil {
		err = fmt.Errorf("classifier returned no outcome")
	}
	if err != nil {
		res.ClassifyErr = err
		res.Decision = a.engine.ErrorFallback(err)
		return res
	}
	res.Score = score

	if a.shouldEnhance(res.Mode, outcome) {
		enhanced, enhErr := a.enhance(ctx, in, outcome.Result())
		if enhErr != nil {
			res.EnhanceErr = enhErr
		} else {
			outcome = enhanced
		}
	}
	res.Outcome = outcome

	res.Decision = a.engine.Decide(decision.Input{
		Classification: outcome,
		Score:          score,
		CurrentStage:   state.Stage(),
		Collected:      state.Completeness(),
		Metrics:        state.Metrics(),
	})
	return res
}

// shouldEnhance はLLM補強の対象かを判定
func (a *RouterAgent) shouldEnhance(mode rollout.Mode, outcome classification.Outcome) bool {
	if a.enhancer == nil || mode != rollout.ModeLLMEnhanced {
		return false
	}
	return outcome.Result().Confidence < a.engine.Config().Thresholds.Template
}

func (a *RouterAgent) enhance(ctx context.Context, in classification.Input, base classification.Result) (classification.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, a.enhanceTimeout)
	defer cancel()

	outcome, err := a.enhancer.Enhance(ctx, in, base)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, fmt.Errorf("enhancer returned no outcome")
	}
	return outcome, nil
}
