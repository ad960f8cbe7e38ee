package decision

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// ErrorFallbackConfidence は分類失敗時に合成する保守的な確信度
const ErrorFallbackConfidence = 0.3

// Input は決定エンジンへの入力
type Input struct {
	Classification classification.Outcome
	Score          routing.RouteScore
	CurrentStage   routing.Route
	Collected      map[string]bool // 収集済みフラグ（フィールド名 → 済/未）
	Metrics        conversation.Metrics
}

// Engine は分類確信度・パターン確信度・ステージ係数・必須データからルーティング決定を作る
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine は新しいEngineを作成
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Config は設定を返す
func (e *Engine) Config() Config {
	return e.cfg
}

// Decide は優先順位に従って1ターン分の決定を作る
//  1. 必須データ（最優先・他を全て上書き）
//  2. 確信度ブレンド × ステージ係数
//  3. 閾値マッピング（全境界で >=）
//  4. 進行ブロック時は escalate_human
func (e *Engine) Decide(in Input) routing.Decision {
	res := in.Classification.Result()
	intent := routing.Clamp(res.Confidence)
	pattern := routing.Clamp(in.Score.PatternConfidence)
	tentative := e.tentativeTarget(res, in.Score)
	blocked := e.ProgressionBlocked(in.Metrics)

	d := routing.Decision{
		IntentConfidence:        intent,
		PatternConfidence:       pattern,
		Timestamp:               e.now(),
		StageProgressionBlocked: blocked,
	}

	// 優先度1: 必須データ
	if missing := e.MissingFields(tentative, in.Collected); len(missing) > 0 {
		d.TargetNode = e.cfg.DataCollectionStage
		d.ThresholdAction = routing.ActionProceed
		d.FinalConfidence = intent
		d.MandatoryDataOverride = true
		d.MissingFields = missing
		d.RuleApplied = routing.RuleMandatoryData
		d.Reasoning = fmt.Sprintf("target %s requires [%s] not yet collected; redirecting to %s",
			tentative, strings.Join(missing, ","), e.cfg.DataCollectionStage)
		return d
	}

	// 優先度2: ブレンド
	multiplier := e.StageMultiplier(in.CurrentStage)
	combined := routing.Clamp((e.cfg.IntentWeight*intent + e.cfg.PatternWeight*pattern) * multiplier)
	d.FinalConfidence = combined

	// 優先度3: 閾値マッピング
	action := e.MapThreshold(combined)
	d.ThresholdAction = action
	d.TargetNode = e.targetFor(action, tentative)
	d.RuleApplied = routing.RuleThreshold
	d.Reasoning = fmt.Sprintf("combined=%.3f (intent=%.3f pattern=%.3f x%.2f @%s) -> %s via %s",
		combined, intent, pattern, multiplier, in.CurrentStage, action, classificationSource(in.Classification))

	// 進行ブロックは数値結果に関係なく人間へ
	if blocked {
		d.ThresholdAction = routing.ActionEscalateHuman
		d.TargetNode = e.cfg.HandoffStage
		d.RuleApplied = routing.RuleProgressBlocked
		d.Reasoning = fmt.Sprintf("stage progression blocked (failures=%d confusion=%d); %s",
			in.Metrics.ConsecutiveFailures, in.Metrics.ConfusionCount, d.Reasoning)
	}

	return d
}

// MapThreshold は確信度を処理区分に変換する（境界は全て >=）
func (e *Engine) MapThreshold(combined float64) routing.ThresholdAction {
	t := e.cfg.Thresholds
	switch {
	case combined >= t.Template:
		return routing.ActionProceed
	case combined >= t.LLMRAG:
		return routing.ActionEnhanceWithLLM
	case combined >= t.Low:
		return routing.ActionFallbackLevel1
	default:
		return routing.ActionFallbackLevel2
	}
}

// StageMultiplier は現在ステージの係数を返す（未設定は 1.0）
func (e *Engine) StageMultiplier(stage routing.Route) float64 {
	if m, ok := e.cfg.StageMultipliers[stage]; ok {
		return m
	}
	return 1.0
}

// MissingFields はターゲットステージに必要で未収集のフィールドを返す
func (e *Engine) MissingFields(target routing.Route, collected map[string]bool) []string {
	var missing []string
	for _, field := range e.cfg.MandatoryFields[target] {
		if !collected[field] {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}

// ProgressionBlocked は失敗・混乱カウンタが上限に達しているかを判定
func (e *Engine) ProgressionBlocked(m conversation.Metrics) bool {
	if e.cfg.MaxConsecutiveFailures > 0 && m.ConsecutiveFailures >= e.cfg.MaxConsecutiveFailures {
		return true
	}
	if e.cfg.MaxConfusion > 0 && m.ConfusionCount >= e.cfg.MaxConfusion {
		return true
	}
	return false
}

// ErrorFallback は分類失敗時の保守的な決定を合成する
func (e *Engine) ErrorFallback(err error) routing.Decision {
	reason := "classification failed"
	if err != nil {
		reason = fmt.Sprintf("classification failed: %v", err)
	}
	return routing.Decision{
		TargetNode:      e.cfg.FallbackStage,
		ThresholdAction: routing.ActionFallbackLevel2,
		FinalConfidence: ErrorFallbackConfidence,
		RuleApplied:     routing.RuleErrorFallback,
		Reasoning:       reason,
		Timestamp:       e.now(),
	}
}

// Explicit は明示コマンドによる決定を作る
func (e *Engine) Explicit(target routing.Route, action routing.ThresholdAction, reason string) routing.Decision {
	return routing.Decision{
		TargetNode:       target,
		ThresholdAction:  action,
		FinalConfidence:  1.0,
		IntentConfidence: 1.0,
		RuleApplied:      routing.RuleExplicitCommand,
		Reasoning:        reason,
		Timestamp:        e.now(),
	}
}

// tentativeTarget はカテゴリ（なければ最良ルート）から暫定ターゲットを決める
func (e *Engine) tentativeTarget(res classification.Result, score routing.RouteScore) routing.Route {
	if route, ok := res.Category.TargetRoute(); ok {
		return route
	}
	if score.BestRoute != "" {
		return score.BestRoute
	}
	return e.cfg.ClarificationStage
}

// targetFor は処理区分ごとの遷移先を返す
func (e *Engine) targetFor(action routing.ThresholdAction, tentative routing.Route) routing.Route {
	switch action {
	case routing.ActionFallbackLevel1:
		return e.cfg.ClarificationStage
	case routing.ActionFallbackLevel2:
		return e.cfg.FallbackStage
	case routing.ActionEscalateHuman:
		return e.cfg.HandoffStage
	default:
		return tentative
	}
}

func classificationSource(o classification.Outcome) string {
	if o == nil {
		return "none"
	}
	return o.Source()
}
