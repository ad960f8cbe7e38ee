package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

func TestStageWeights_Multiplier(t *testing.T) {
	w := DefaultStageWeights()

	tests := []struct {
		name  string
		stage routing.Route
		route routing.Route
		want  float64
	}{
		{"挨拶ステージの挨拶", routing.RouteGreeting, routing.RouteGreeting, 1.2},
		{"後続ステージの挨拶", routing.RouteScheduling, routing.RouteGreeting, 0.5},
		{"収集ステージの収集", routing.RouteDataCollection, routing.RouteDataCollection, 1.2},
		{"完了ステージのワイルドカード", routing.RouteCompleted, routing.RouteInformation, 0.5},
		{"未設定ルート", routing.RouteGreeting, routing.RouteHandoff, 1.0},
		{"未知のステージ", routing.Route("unknown"), routing.RouteGreeting, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, w.Multiplier(tt.stage, tt.route), 1e-9)
		})
	}
}

func TestStageWeights_Merge(t *testing.T) {
	base := DefaultStageWeights()
	merged := base.Merge(StageWeights{
		routing.RouteGreeting:  {routing.RouteInformation: 0.8},
		routing.RouteCompleted: {AnyRoute: 0.3},
	})

	assert.InDelta(t, 1.2, merged.Multiplier(routing.RouteGreeting, routing.RouteGreeting), 1e-9, "既存の係数は残る")
	assert.InDelta(t, 0.8, merged.Multiplier(routing.RouteGreeting, routing.RouteInformation), 1e-9)
	assert.InDelta(t, 0.3, merged.Multiplier(routing.RouteCompleted, routing.RouteScheduling), 1e-9)
	assert.InDelta(t, 1.0, base.Multiplier(routing.RouteGreeting, routing.RouteInformation), 1e-9, "元の係数は変更されない")
	assert.InDelta(t, 0.5, base.Multiplier(routing.RouteCompleted, routing.RouteScheduling), 1e-9)

	assert.Equal(t, base, base.Merge(nil))
}

func TestPatternScorer_NoMatchSynthesizesClarification(t *testing.T) {
	scorer := NewPatternScorer(nil)

	scored := scorer.Score("xyzzy", routing.RouteGreeting, nil)

	assert.Equal(t, routing.RouteClarification, scored.Score.BestRoute)
	assert.InDelta(t, routing.NoMatchScore, scored.Score.PatternConfidence, 1e-9)
	assert.Equal(t, "no_match", scored.Labels[routing.RouteClarification])
	assert.NotEmpty(t, scored.Score.Scores)
}

func TestPatternScorer_StageChangesGreetingWeight(t *testing.T) {
	scorer := NewPatternScorer(nil)

	atGreeting := scorer.Score("Oi", routing.RouteGreeting, nil)
	later := scorer.Score("Oi", routing.RouteScheduling, nil)

	assert.Equal(t, routing.RouteGreeting, atGreeting.Score.BestRoute)
	assert.InDelta(t, 1.0, atGreeting.Score.Score(routing.RouteGreeting), 1e-9, "0.85*1.2 はクランプされる")
	assert.InDelta(t, 0.425, later.Score.Score(routing.RouteGreeting), 1e-9)
}

func TestPatternScorer_EntityBoost(t *testing.T) {
	scorer := NewPatternScorer(nil)

	scored := scorer.Score("Quero agendar uma aula experimental amanhã", routing.RouteInformation, nil)

	require.True(t, scored.Entities.Has(entity.KeyDate))
	assert.Equal(t, "amanhã", scored.Entities[entity.KeyDate])
	assert.Equal(t, routing.RouteScheduling, scored.Score.BestRoute)
	assert.InDelta(t, 1.0, scored.Score.Score(routing.RouteScheduling), 1e-9)
}

func TestPatternScorer_ScheduleAnswerDuringDataCollection(t *testing.T) {
	scorer := NewPatternScorer(nil)
	collected := map[string]string{
		"parent_name":   "Maria",
		"child_name":    "Pedro",
		"child_age":     "8",
		"contact_email": "maria@example.com",
	}

	scored := scorer.Score("Pode ser sexta às 15h", routing.RouteDataCollection, collected)

	assert.Equal(t, routing.RouteScheduling, scored.Score.BestRoute)
	assert.InDelta(t, 1.0, scored.Score.Score(routing.RouteScheduling), 1e-9)
	assert.Equal(t, "schedule_fill:preferred_date,preferred_time", scored.Labels[routing.RouteScheduling])

	// 挨拶ステージでは日程だけでは予約の回答にならない
	early := scorer.Score("Pode ser sexta às 15h", routing.RouteGreeting, nil)
	assert.InDelta(t, 0.25, early.Score.Score(routing.RouteScheduling), 1e-9)

	// 既に日程が決まっていればベーススコアは加算しない
	collected["preferred_date"] = "sexta"
	collected["preferred_time"] = "15h"
	again := scorer.Score("Pode ser sexta às 15h", routing.RouteDataCollection, collected)
	assert.Equal(t, "entity:date", again.Labels[routing.RouteScheduling])
	assert.InDelta(t, 0.25, again.Score.Score(routing.RouteScheduling), 1e-9)
}

func TestPatternScorer_ScoresAlwaysInRange(t *testing.T) {
	scorer := NewPatternScorer(nil)
	inputs := []string{
		"", "Oi, bom dia! Quero agendar amanhã às 10:00",
		"Meu nome é Ana, meu filho Pedro tem 8 anos, ana@example.com",
		"muito caro, vou pensar", "quanto custa?", "atendente humano por favor",
	}
	stages := []routing.Route{routing.RouteGreeting, routing.RouteDataCollection, routing.RouteCompleted}

	for _, in := range inputs {
		for _, stage := range stages {
			scored := scorer.Score(in, stage, nil)
			for route, s := range scored.Score.Scores {
				assert.GreaterOrEqual(t, s, 0.0, "%q/%s/%s", in, stage, route)
				assert.LessOrEqual(t, s, 1.0, "%q/%s/%s", in, stage, route)
			}
		}
	}
}

func TestRuleClassifier_Classify(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		stage        routing.Route
		collected    map[string]string
		wantCategory classification.Category
	}{
		{"挨拶", "Oi", routing.RouteGreeting, nil, classification.CategoryGreeting},
		{"人間要求", "Quero falar com um atendente", routing.RouteInformation, nil, classification.CategoryHandoff},
		{"予約", "Quero agendar uma aula experimental amanhã", routing.RouteInformation, nil, classification.CategoryScheduling},
		{"決定", "Quero matricular meu filho", routing.RouteGreeting, nil, classification.CategoryDecision},
		{"データ提供", "maria@example.com", routing.RouteDataCollection, nil, classification.CategoryDataProvision},
		{"不一致", "xyzzy", routing.RouteGreeting, nil, classification.CategoryClarification},
	}

	c := NewRuleClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, score, err := c.Classify(context.Background(), classification.Input{
				Text:      tt.text,
				Stage:     tt.stage,
				Collected: tt.collected,
			})
			require.NoError(t, err)
			require.NotNil(t, outcome)

			res := outcome.Result()
			assert.Equal(t, tt.wantCategory, res.Category)
			assert.Equal(t, "rule", outcome.Source())
			assert.GreaterOrEqual(t, res.Confidence, 0.0)
			assert.LessOrEqual(t, res.Confidence, 1.0)
			assert.NotNil(t, res.Entities)
			assert.NotEmpty(t, score.Scores)
		})
	}
}

func TestRuleClassifier_FilledSlotIsNotDataProvision(t *testing.T) {
	c := NewRuleClassifier(nil)

	outcome, _, err := c.Classify(context.Background(), classification.Input{
		Text:      "maria@example.com",
		Stage:     routing.RouteDataCollection,
		Collected: map[string]string{"contact_email": "maria@example.com"},
	})
	require.NoError(t, err)

	// 既に収集済みのスロットはデータ提供ブーストの対象外
	assert.NotEqual(t, "slot_fill:contact_email", outcome.Result().Subcategory)
}

func TestRuleClassifier_NoMatchUsesFallbackRecord(t *testing.T) {
	c := NewRuleClassifier(nil)

	outcome, _, err := c.Classify(context.Background(), classification.Input{
		Text:  "xyzzy",
		Stage: routing.RouteGreeting,
	})
	require.NoError(t, err)

	res := outcome.Result()
	assert.Equal(t, classification.CategoryClarification, res.Category)
	assert.InDelta(t, classification.FallbackConfidence, res.Confidence, 1e-9)
	assert.Equal(t, "no_match", res.Subcategory)
	assert.NotNil(t, res.Entities)
}

func TestRuleClassifier_CanceledContext(t *testing.T) {
	c := NewRuleClassifier(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Classify(ctx, classification.Input{Text: "Oi"})
	assert.ErrorIs(t, err, context.Canceled)
}
