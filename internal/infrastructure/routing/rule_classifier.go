package routing

import (
	"context"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// handoffWinsAt 以上の人間要求は他のルートより優先する
const handoffWinsAt = 0.85

// RuleClassifier はパターンスコアからカテゴリを決めるルールベース分類器
type RuleClassifier struct {
	scorer *PatternScorer
}

// NewRuleClassifier は新しいRuleClassifierを作成
func NewRuleClassifier(scorer *PatternScorer) *RuleClassifier {
	if scorer == nil {
		scorer = NewPatternScorer(nil)
	}
	return &RuleClassifier{scorer: scorer}
}

// Classify はテキストを分類する
// パターン不一致でも clarification の低確信度レコードを返し、nil にはならない
func (c *RuleClassifier) Classify(ctx context.Context, in classification.Input) (classification.Outcome, routing.RouteScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, routing.RouteScore{}, err
	}

	scored := c.scorer.Score(in.Text, in.Stage, in.Collected)
	score := scored.Score

	res := classification.Result{
		Entities: scored.Entities,
	}

	switch {
	case score.Score(routing.RouteHandoff) >= handoffWinsAt:
		res.Category = classification.CategoryHandoff
		res.Confidence = score.Score(routing.RouteHandoff)
		res.Subcategory = scored.Labels[routing.RouteHandoff]
	case in.Stage == routing.RouteDataCollection && score.Score(routing.RouteDataCollection) > 0 &&
		score.Score(routing.RouteDataCollection) >= score.PatternConfidence-0.05:
		// 収集ステージ中のスロット値は他パターンに僅差で負けてもデータ提供とみなす
		res.Category = classification.CategoryDataProvision
		res.Confidence = score.Score(routing.RouteDataCollection)
		res.Subcategory = scored.Labels[routing.RouteDataCollection]
	case scored.Labels[routing.RouteClarification] == noMatchLabel:
		res = classification.Fallback(scored.Entities)
		res.Subcategory = noMatchLabel
	default:
		res.Category = classification.CategoryForRoute(score.BestRoute)
		res.Confidence = score.PatternConfidence
		res.Subcategory = scored.Labels[score.BestRoute]
		if scored.Labels[score.BestRoute] == "decision" {
			res.Category = classification.CategoryDecision
		}
	}

	return classification.RuleBased{Res: res}, score, nil
}
