package classification

import (
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// Category はステージに依存しない分類カテゴリ
type Category string

const (
	CategoryGreeting           Category = "greeting"
	CategoryInformationRequest Category = "information_request"
	CategoryQualification      Category = "qualification"
	CategoryScheduling         Category = "scheduling"
	CategoryClarification      Category = "clarification"
	CategoryObjection          Category = "objection"
	CategoryDecision           Category = "decision"
	CategoryHandoff            Category = "handoff"
	CategoryDataProvision      Category = "data_provision"
)

// FallbackConfidence はパターン不一致時に合成する低確信度
const FallbackConfidence = routing.NoMatchScore

// Result は分類結果（confidence は常に定義される）
type Result struct {
	Category        Category
	Subcategory     string
	Confidence      float64
	Entities        entity.Entities
	DeliveryPayload string // 事前レンダリング済みの応答ヒント（任意）
	PolicyAction    string
}

// Fallback は一致なし時の低確信度レコードを返す（nil を返さない）
func Fallback(entities entity.Entities) Result {
	if entities == nil {
		entities = entity.Entities{}
	}
	return Result{
		Category:   CategoryClarification,
		Confidence: FallbackConfidence,
		Entities:   entities,
	}
}

// categoryRoutes はカテゴリから暫定ターゲットへの対応
var categoryRoutes = map[Category]routing.Route{
	CategoryGreeting:           routing.RouteGreeting,
	CategoryInformationRequest: routing.RouteInformation,
	CategoryQualification:      routing.RouteQualification,
	CategoryScheduling:         routing.RouteScheduling,
	CategoryClarification:      routing.RouteClarification,
	CategoryObjection:          routing.RouteObjection,
	CategoryDecision:           routing.RouteScheduling,
	CategoryHandoff:            routing.RouteHandoff,
	CategoryDataProvision:      routing.RouteDataCollection,
}

// TargetRoute はカテゴリに対応する暫定ターゲットを返す
func (c Category) TargetRoute() (routing.Route, bool) {
	route, ok := categoryRoutes[c]
	return route, ok
}

// CategoryForRoute はルートからカテゴリを逆引きする
func CategoryForRoute(route routing.Route) Category {
	switch route {
	case routing.RouteGreeting:
		return CategoryGreeting
	case routing.RouteInformation:
		return CategoryInformationRequest
	case routing.RouteQualification:
		return CategoryQualification
	case routing.RouteScheduling:
		return CategoryScheduling
	case routing.RouteObjection:
		return CategoryObjection
	case routing.RouteHandoff:
		return CategoryHandoff
	case routing.RouteDataCollection:
		return CategoryDataProvision
	default:
		return CategoryClarification
	}
}

// Outcome は分類結果の出所を表す閉じた直和型
// 決定エンジンはどちらの変種も Result() 経由で同一に扱う
type Outcome interface {
	Result() Result
	Source() string
	sealed()
}

// RuleBased はルール（パターン）ベースの分類結果
type RuleBased struct {
	Res Result
}

// Result は分類結果を返す
func (r RuleBased) Result() Result { return r.Res }

// Source は出所を返す
func (r RuleBased) Source() string { return "rule" }

func (RuleBased) sealed() {}

// Enhanced はLLMで補強された分類結果
type Enhanced struct {
	Base     Result
	Res      Result
	Provider string
	Latency  time.Duration
}

// Result は補強後の分類結果を返す
func (e Enhanced) Result() Result { return e.Res }

// Source は出所を返す
func (e Enhanced) Source() string { return "llm:" + e.Provider }

func (Enhanced) sealed() {}

// Input は分類器への入力
type Input struct {
	Text      string
	Stage     routing.Route
	Collected map[string]string // 収集済みスロット
}
