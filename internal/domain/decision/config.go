package decision

import (
	"fmt"

	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// デフォルト閾値（デプロイごとに調整可能）
const (
	DefaultTemplateThreshold = 0.74
	DefaultLLMRAGThreshold   = 0.60
	DefaultLowThreshold      = 0.38
	DefaultIntentWeight      = 0.6
	DefaultPatternWeight     = 0.4
)

// Thresholds は T_TEMPLATE > T_LLM_RAG > T_LOW の3つの切れ目
type Thresholds struct {
	Template float64
	LLMRAG   float64
	Low      float64
}

// Validate は閾値の大小関係と範囲を検証
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{"template": t.Template, "llm_rag": t.LLMRAG, "low": t.Low} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %s out of range [0,1]: %v", name, v)
		}
	}
	if !(t.Template > t.LLMRAG && t.LLMRAG > t.Low) {
		return fmt.Errorf("thresholds must satisfy template > llm_rag > low (got %v, %v, %v)", t.Template, t.LLMRAG, t.Low)
	}
	return nil
}

// Config は決定エンジンの設定
type Config struct {
	Thresholds             Thresholds
	IntentWeight           float64
	PatternWeight          float64
	StageMultipliers       map[routing.Route]float64
	MandatoryFields        map[routing.Route][]string
	DataCollectionStage    routing.Route
	ClarificationStage     routing.Route
	FallbackStage          routing.Route
	HandoffStage           routing.Route
	MaxConsecutiveFailures int
	MaxConfusion           int
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			Template: DefaultTemplateThreshold,
			LLMRAG:   DefaultLLMRAGThreshold,
			Low:      DefaultLowThreshold,
		},
		IntentWeight:  DefaultIntentWeight,
		PatternWeight: DefaultPatternWeight,
		StageMultipliers: map[routing.Route]float64{
			routing.RouteGreeting:  1.0,
			routing.RouteCompleted: 0.5,
		},
		MandatoryFields: map[routing.Route][]string{
			routing.RouteScheduling: {"parent_name", "child_name", "child_age", "contact_email"},
		},
		DataCollectionStage:    routing.RouteDataCollection,
		ClarificationStage:     routing.RouteClarification,
		FallbackStage:          routing.RouteFallback,
		HandoffStage:           routing.RouteHandoff,
		MaxConsecutiveFailures: 3,
		MaxConfusion:           3,
	}
}

// withDefaults はゼロ値の項目をデフォルトで埋める
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = def.Thresholds
	}
	if c.IntentWeight == 0 && c.PatternWeight == 0 {
		c.IntentWeight = def.IntentWeight
		c.PatternWeight = def.PatternWeight
	}
	if c.StageMultipliers == nil {
		c.StageMultipliers = def.StageMultipliers
	}
	if c.MandatoryFields == nil {
		c.MandatoryFields = def.MandatoryFields
	}
	if c.DataCollectionStage == "" {
		c.DataCollectionStage = def.DataCollectionStage
	}
	if c.ClarificationStage == "" {
		c.ClarificationStage = def.ClarificationStage
	}
	if c.FallbackStage == "" {
		c.FallbackStage = def.FallbackStage
	}
	if c.HandoffStage == "" {
		c.HandoffStage = def.HandoffStage
	}
	return c
}
