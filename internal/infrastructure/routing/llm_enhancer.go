package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/llm"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// LLMEnhancer は低確信度のルール分類をLLMで補強する
type LLMEnhancer struct {
	llmProvider llm.LLMProvider
	now         func() time.Time
}

// NewLLMEnhancer は新しいLLMEnhancerを作成
func NewLLMEnhancer(llmProvider llm.LLMProvider) *LLMEnhancer {
	return &LLMEnhancer{
		llmProvider: llmProvider,
		now:         time.Now,
	}
}

// enhancement はLLM応答のJSON
type enhancement struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reply      string  `json:"reply"`
}

// Enhance はルール分類結果をLLMに再評価させる
// 失敗時はエラーを返し、呼び出し側がルール結果にフォールバックする
func (e *LLMEnhancer) Enhance(ctx context.Context, in classification.Input, base classification.Result) (classification.Outcome, error) {
	started := e.now()

	req := llm.GenerateRequest{
		SystemPrompt: e.buildSystemPrompt(),
		Messages: []llm.Message{
			{Role: "user", Content: e.buildUserMessage(in, base)},
		},
		MaxTokens:   300,
		Temperature: 0.2,
	}

	resp, err := e.llmProvider.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM enhancement failed: %w", err)
	}

	raw := extractFirstJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("LLM enhancement returned no JSON object")
	}

	var parsed enhancement
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("LLM enhancement JSON parse failed: %w", err)
	}

	category := classification.Category(strings.ToLower(strings.TrimSpace(parsed.Category)))
	if _, ok := category.TargetRoute(); !ok {
		return nil, fmt.Errorf("LLM enhancement returned unknown category %q", parsed.Category)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, fmt.Errorf("LLM enhancement confidence out of range: %v", parsed.Confidence)
	}

	res := classification.Result{
		Category:        category,
		Subcategory:     "llm",
		Confidence:      parsed.Confidence,
		Entities:        base.Entities.Clone(),
		DeliveryPayload: strings.TrimSpace(parsed.Reply),
		PolicyAction:    base.PolicyAction,
	}

	return classification.Enhanced{
		Base:     base,
		Res:      res,
		Provider: e.llmProvider.Name(),
		Latency:  e.now().Sub(started),
	}, nil
}

// buildSystemPrompt は補強用のシステムプロンプトを構築
func (e *LLMEnhancer) buildSystemPrompt() string {
	return `You classify messages sent to an education center's enrollment assistant.

Categories:
- greeting
- information_request
- qualification
- scheduling
- clarification
- objection
- decision
- handoff
- data_provision

Respond with exactly one JSON object and nothing else:
{"category": "<category>", "confidence": <0.0-1.0>, "reply": "<optional short reply in the user's language>"}`
}

// buildUserMessage は会話文脈を含むユーザーメッセージを構築
func (e *LLMEnhancer) buildUserMessage(in classification.Input, base classification.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current stage: %s\n", stageOrDefault(in.Stage))
	fmt.Fprintf(&b, "Rule guess: %s (%.2f)\n", base.Category, base.Confidence)
	if keys := base.Entities.Keys(); len(keys) > 0 {
		fmt.Fprintf(&b, "Entities: %s\n", strings.Join(keys, ", "))
	}
	fmt.Fprintf(&b, "Message: %s", in.Text)
	return b.String()
}

func stageOrDefault(stage routing.Route) routing.Route {
	if stage == "" {
		return routing.RouteGreeting
	}
	return stage
}

// extractFirstJSON はテキスト中の最初のJSONオブジェクトを切り出す
func extractFirstJSON(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}
