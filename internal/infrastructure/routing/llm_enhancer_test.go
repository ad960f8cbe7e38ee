package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/llm"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// mockLLMProvider はテスト用のモックLLMプロバイダー
type mockLLMProvider struct {
	response string
	err      error
	lastReq  llm.GenerateRequest
}

func (m *mockLLMProvider) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	m.lastReq = req
	if m.err != nil {
		return llm.GenerateResponse{}, m.err
	}
	return llm.GenerateResponse{
		Content:    m.response,
		TokensUsed: 100,
	}, nil
}

func (m *mockLLMProvider) Name() string {
	return "mock"
}

func baseResult() classification.Result {
	return classification.Result{
		Category:   classification.CategoryClarification,
		Confidence: 0.45,
		Entities:   entity.Entities{entity.KeyDate: "amanhã"},
	}
}

func TestLLMEnhancer_Enhance(t *testing.T) {
	provider := &mockLLMProvider{
		response: "Sure! {\"category\": \"scheduling\", \"confidence\": 0.82, \"reply\": \"Posso agendar para amanhã.\"} done",
	}
	enhancer := NewLLMEnhancer(provider)

	outcome, err := enhancer.Enhance(context.Background(), classification.Input{
		Text:  "pode ser amanhã",
		Stage: routing.RouteInformation,
	}, baseResult())
	require.NoError(t, err)

	enhanced, ok := outcome.(classification.Enhanced)
	require.True(t, ok, "Enhanced variant expected")
	assert.Equal(t, classification.CategoryScheduling, enhanced.Res.Category)
	assert.InDelta(t, 0.82, enhanced.Res.Confidence, 1e-9)
	assert.Equal(t, "Posso agendar para amanhã.", enhanced.Res.DeliveryPayload)
	assert.Equal(t, "amanhã", enhanced.Res.Entities[entity.KeyDate])
	assert.Equal(t, classification.CategoryClarification, enhanced.Base.Category)
	assert.Equal(t, "llm:mock", outcome.Source())

	require.Len(t, provider.lastReq.Messages, 1)
	assert.Contains(t, provider.lastReq.Messages[0].Content, "Current stage: information")
	assert.Contains(t, provider.lastReq.Messages[0].Content, "pode ser amanhã")
}

func TestLLMEnhancer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		provider *mockLLMProvider
	}{
		{"プロバイダーエラー", &mockLLMProvider{err: errors.New("timeout")}},
		{"JSONなし", &mockLLMProvider{response: "scheduling"}},
		{"壊れたJSON", &mockLLMProvider{response: `{"category": scheduling}`}},
		{"未知のカテゴリ", &mockLLMProvider{response: `{"category": "weather", "confidence": 0.9}`}},
		{"範囲外の確信度", &mockLLMProvider{response: `{"category": "greeting", "confidence": 1.7}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enhancer := NewLLMEnhancer(tt.provider)
			outcome, err := enhancer.Enhance(context.Background(), classification.Input{Text: "x"}, baseResult())
			assert.Error(t, err)
			assert.Nil(t, outcome)
		})
	}
}

func TestExtractFirstJSON(t *testing.T) {
	assert.Equal(t, `{"a": {"b": 1}}`, extractFirstJSON(`prefix {"a": {"b": 1}} suffix {"c": 2}`))
	assert.Equal(t, "", extractFirstJSON("no json here"))
	assert.Equal(t, "", extractFirstJSON(`{"unterminated": 1`))
}
