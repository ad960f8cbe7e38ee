package routing

import "time"

// Route はルーティング先（会話ステージ/ノード）を表す型
type Route string

// ルート（ステージ）の定数定義
const (
	RouteGreeting       Route = "greeting"        // 挨拶
	RouteInformation    Route = "information"     // 情報提供
	RouteQualification  Route = "qualification"   // 見込み判定
	RouteScheduling     Route = "scheduling"      // 日程調整
	RouteDataCollection Route = "data_collection" // 必須データ収集
	RouteClarification  Route = "clarification"   // 聞き返し
	RouteObjection      Route = "objection"       // 反論対応
	RouteFallback       Route = "fallback"        // 安全側フォールバック
	RouteHandoff        Route = "handoff"         // 人間への引き継ぎ
	RouteCompleted      Route = "completed"       // 完了
)

// String はRouteの文字列表現を返す
func (r Route) String() string {
	return string(r)
}

// IsTerminal は会話を終える終端ステージかを判定
func (r Route) IsTerminal() bool {
	return r == RouteCompleted || r == RouteHandoff
}

// ThresholdAction は確信度から導かれる処理区分
type ThresholdAction string

const (
	ActionProceed        ThresholdAction = "proceed"
	ActionEnhanceWithLLM ThresholdAction = "enhance_with_llm"
	ActionFallbackLevel1 ThresholdAction = "fallback_level1"
	ActionFallbackLevel2 ThresholdAction = "fallback_level2"
	ActionEscalateHuman  ThresholdAction = "escalate_human"
)

// ルール識別子（rule_applied）
const (
	RuleMandatoryData   = "mandatory_data_override"
	RuleThreshold       = "threshold_mapping"
	RuleProgressBlocked = "stage_progression_blocked"
	RuleExplicitCommand = "explicit_command"
	RuleErrorFallback   = "error_fallback"
)

// Decision はターンごとに一度だけ作られるルーティング決定
type Decision struct {
	TargetNode              Route           `json:"target_node"`
	ThresholdAction         ThresholdAction `json:"threshold_action"`
	FinalConfidence         float64         `json:"final_confidence"`
	IntentConfidence        float64         `json:"intent_confidence"`
	PatternConfidence       float64         `json:"pattern_confidence"`
	RuleApplied             string          `json:"rule_applied"`
	Reasoning               string          `json:"reasoning"`
	Timestamp               time.Time       `json:"timestamp"`
	MandatoryDataOverride   bool            `json:"mandatory_data_override"`
	StageProgressionBlocked bool            `json:"stage_progression_blocked"`
	MissingFields           []string        `json:"missing_fields,omitempty"`
}

// AdvancesStage はこの決定でステージを進めるかを判定
func (d Decision) AdvancesStage() bool {
	if d.MandatoryDataOverride {
		return true
	}
	switch d.ThresholdAction {
	case ActionProceed, ActionEnhanceWithLLM, ActionEscalateHuman:
		return true
	default:
		return false
	}
}

// IsFallback はフォールバック系の決定かを判定
func (d Decision) IsFallback() bool {
	return d.ThresholdAction == ActionFallbackLevel1 || d.ThresholdAction == ActionFallbackLevel2
}
